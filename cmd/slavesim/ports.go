package main

import (
	"encoding/json"
	"fmt"
	"os"

	modbus "github.com/edgeo-scada/modbus-slavesim"
	"github.com/spf13/cobra"
)

var portsCmd = &cobra.Command{
	Use:     "ports",
	Aliases: []string{"serial"},
	Short:   "List serial ports available for RTU and ASCII",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := modbus.ListSerialPorts()
		if err != nil {
			return fmt.Errorf("failed to enumerate serial ports: %w", err)
		}

		if outputFmt == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ports)
		}
		if len(ports) == 0 {
			outputWarning("No serial ports found")
			return nil
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	},
}
