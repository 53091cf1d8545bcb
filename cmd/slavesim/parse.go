package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// parseCellValue parses a cell value: decimal (negative allowed for signed
// registers), 0x hex, 0b binary, 0o octal, or on/off for discretes.
func parseCellValue(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	switch s {
	case "true", "on", "yes":
		return 1, nil
	case "false", "off", "no":
		return 0, nil
	}

	var value int64
	var err error

	switch {
	case strings.HasPrefix(s, "0x"):
		value, err = strconv.ParseInt(s[2:], 16, 32)
	case strings.HasPrefix(s, "0b"):
		value, err = strconv.ParseInt(s[2:], 2, 32)
	case strings.HasPrefix(s, "0o"):
		value, err = strconv.ParseInt(s[2:], 8, 32)
	default:
		value, err = strconv.ParseInt(s, 10, 32)
	}

	if err != nil {
		return 0, fmt.Errorf("invalid value: %s", s)
	}
	return int(value), nil
}

func parseCellValues(values []string) ([]int, error) {
	var result []int
	for _, v := range values {
		// Split on comma and space
		parts := strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ' '
		})
		for _, p := range parts {
			n, err := parseCellValue(p)
			if err != nil {
				return nil, err
			}
			result = append(result, n)
		}
	}
	return result, nil
}

func parseToggle(args []string) (bool, error) {
	if len(args) < 1 {
		return false, fmt.Errorf("expected on or off")
	}
	switch strings.ToLower(args[0]) {
	case "on", "1", "true", "yes":
		return true, nil
	case "off", "0", "false", "no":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %s", args[0])
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// splitHostPort accepts "host:port", "host" or ":port".
func splitHostPort(s string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port given.
		return strings.Trim(s, "[]"), defaultPort, nil
	}
	if host == "" {
		host = "0.0.0.0"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port: %s", portStr)
	}
	return host, port, nil
}
