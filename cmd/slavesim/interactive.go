package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	modbus "github.com/edgeo-scada/modbus-slavesim"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var interactiveCmd = &cobra.Command{
	Use:     "interactive",
	Aliases: []string{"i", "repl", "shell"},
	Short:   "Start the interactive simulator shell",
	Long: `Start an interactive shell over the simulator.

The register store lives as long as the shell. Transports can be opened and
closed any number of times; values written by masters or from the shell are
kept across them.

Available commands:
  open <tcp|udp> [host:port]     - Open a network transport
  open <rtu|ascii> [port]        - Open a serial transport
  close                          - Close the transport
  status                         - Show transport status and metrics

  get <bank> <addr> [count]      - Read cells
  set <bank> <addr> <v1,v2,...>  - Write cells (any bank)
  page <bank> [row] [count]      - Show grid rows
  rows <bank> <n|max>            - Set visible rows
  where <bank> <addr>            - Show grid coordinate and label

  events                         - Show pending events
  pause | resume                 - Pause or resume event delivery
  clear [requests|cells|status]  - Discard pending events
  log <on|off>                   - Toggle request logging
  signed <on|off>                - Show registers as signed

  export [file]                  - Export non-zero cells as YAML
  seed <file>                    - Load cells from a YAML file
  ports                          - List serial ports

  help                           - Show help
  quit                           - Exit

Banks: coils (c), discrete (di), input (ir), holding (hr)`,
	Example: `  slavesim interactive
  slavesim i --config ./slavesim.yaml`,
	RunE: runInteractive,
}

type InteractiveSession struct {
	sim     *modbus.Simulator
	session *modbus.Session
	signed  bool
}

func runInteractive(cmd *cobra.Command, args []string) error {
	s := &InteractiveSession{sim: newSimulator()}
	defer s.sim.Close()

	if path := viper.GetString("seed"); path != "" {
		if n, err := loadSeedFile(s.sim.Store(), path); err != nil {
			outputWarning("Seed failed: %v", err)
		} else {
			outputInfo("Seeded %d cells from %s", n, path)
		}
	}

	fmt.Println(color(colorBold, "Modbus Slave Simulator"))
	fmt.Println("Type 'help' for available commands, 'quit' to exit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print(s.getPrompt())

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := s.execute(line); err != nil {
			if errors.Is(err, errQuit) {
				break
			}
			outputError("%v", err)
		}
	}

	fmt.Println("\nGoodbye!")
	return nil
}

var errQuit = errors.New("quit")

func (s *InteractiveSession) getPrompt() string {
	status := color(colorRed, "closed")
	if s.session != nil && s.session.State().Active() {
		status = color(colorGreen, s.session.Kind().String()+" "+s.session.Addr())
	} else if s.session != nil && s.session.State() == modbus.StateFailed {
		status = color(colorYellow, "failed")
	}
	return fmt.Sprintf("slavesim[%s]> ", status)
}

func (s *InteractiveSession) execute(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "quit", "exit", "q":
		return errQuit
	case "help", "h", "?":
		s.showHelp()
		return nil
	case "open", "o":
		return s.open(args)
	case "close":
		return s.close()
	case "status", "stat", "s":
		s.showStatus()
		return nil
	case "get", "g", "read":
		return s.get(args)
	case "set", "write", "w":
		return s.set(args)
	case "page", "p":
		return s.page(args)
	case "rows":
		return s.rows(args)
	case "where":
		return s.where(args)
	case "events", "ev", "e":
		s.showEvents()
		return nil
	case "pause":
		s.sim.Relay().Pause()
		outputInfo("Event delivery paused")
		return nil
	case "resume":
		s.sim.Relay().Resume()
		outputInfo("Event delivery resumed")
		return nil
	case "clear":
		return s.clear(args)
	case "log":
		on, err := parseToggle(args)
		if err != nil {
			return err
		}
		s.sim.SetRequestLogging(on)
		outputInfo("Request logging %s", onOff(on))
		return nil
	case "signed":
		on, err := parseToggle(args)
		if err != nil {
			return err
		}
		s.signed = on
		outputInfo("Signed display %s", onOff(on))
		return nil
	case "export":
		return s.export(args)
	case "seed":
		if len(args) < 1 {
			return fmt.Errorf("usage: seed <file>")
		}
		n, err := loadSeedFile(s.sim.Store(), args[0])
		if err != nil {
			return err
		}
		outputSuccess("Seeded %d cells from %s", n, args[0])
		return nil
	case "ports":
		ports, err := s.sim.Ports()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			outputWarning("No serial ports found")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

func (s *InteractiveSession) open(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: open <tcp|udp|rtu|ascii> [address]")
	}
	kind, err := modbus.ParseTransportKind(args[0])
	if err != nil {
		return err
	}
	if !s.sim.CanOpen(kind) {
		return fmt.Errorf("a transport is already open (use 'close' first)")
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(args) >= 2 {
		if kind.IsSerial() {
			cfg.Serial.Port = args[1]
		} else {
			host, port, err := splitHostPort(args[1], cfg.Network.Port)
			if err != nil {
				return err
			}
			cfg.Network.Host, cfg.Network.Port = host, port
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	session, err := s.sim.OpenTransport(ctx, kind, cfg)
	if session != nil {
		s.session = session
	}
	if err != nil {
		return err
	}
	outputSuccess("Listening: %s on %s", kind, session.Addr())
	return nil
}

func (s *InteractiveSession) close() error {
	if s.session == nil {
		outputInfo("No transport open")
		return nil
	}
	if err := s.sim.CloseTransport(s.session); err != nil {
		return err
	}
	outputInfo("Transport closed")
	return nil
}

func (s *InteractiveSession) showStatus() {
	fmt.Println()
	fmt.Println(color(colorBold, "Simulator Status"))
	fmt.Println(strings.Repeat("-", 30))
	if s.session == nil {
		fmt.Printf("Transport:     %s\n", color(colorRed, "none"))
	} else {
		state := s.session.State()
		stateStr := color(colorRed, state.String())
		if state.Active() {
			stateStr = color(colorGreen, state.String())
		}
		fmt.Printf("Transport:     %s\n", s.session.Kind())
		fmt.Printf("Session:       %s\n", s.session.ID())
		fmt.Printf("Address:       %s\n", s.session.Addr())
		fmt.Printf("State:         %s\n", stateStr)
		if err := s.session.Err(); err != nil {
			fmt.Printf("Last error:    %v\n", err)
		}
	}
	fmt.Printf("Request log:   %s\n", onOff(s.sim.RequestLogging()))
	fmt.Printf("Events:        %d pending, %d dropped, paused=%v\n",
		s.sim.Relay().Len(), s.sim.Relay().Dropped(), s.sim.Relay().Paused())
	fmt.Printf("Store writes:  %d\n", s.sim.Store().Writes())

	if m := s.sim.Metrics(); m != nil {
		fmt.Println()
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(m.Collect())
	}
	fmt.Println()
}

func (s *InteractiveSession) showHelp() {
	help := `
Commands:
  Transport:
    open <tcp|udp> [host:port]     Open a network transport
    open <rtu|ascii> [port]        Open a serial transport
    close                          Close the transport
    status                         Show status and metrics
    ports                          List serial ports

  Registers:
    get <bank> <addr> [count]      Read cells
    set <bank> <addr> <v1,v2,...>  Write cells
    page <bank> [row] [count]      Show grid rows
    rows <bank> <n|max>            Set visible rows
    where <bank> <addr>            Show grid coordinate and label
    export [file]                  Export non-zero cells as YAML
    seed <file>                    Load cells from YAML

  Events:
    events                         Show pending events
    pause | resume                 Pause or resume delivery
    clear [requests|cells|status]  Discard pending events
    log <on|off>                   Toggle request logging

  Settings:
    signed <on|off>                Show registers as signed 16-bit

  General:
    help                           Show this help
    quit                           Exit

Banks: coils (c), discrete (di), input (ir), holding (hr)
`
	fmt.Println(help)
}

func (s *InteractiveSession) get(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: get <bank> <addr> [count]")
	}
	b, err := modbus.ParseBank(args[0])
	if err != nil {
		return err
	}
	addr, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid address: %s", args[1])
	}
	count := 1
	if len(args) >= 3 {
		if count, err = strconv.Atoi(args[2]); err != nil || count < 1 {
			return fmt.Errorf("invalid count: %s", args[2])
		}
	}

	values, err := s.sim.Store().ReadCells(b, addr, count)
	if err != nil {
		return err
	}
	return outputCells(b, addr, values, s.signed)
}

func (s *InteractiveSession) set(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: set <bank> <addr> <v1,v2,...>")
	}
	b, err := modbus.ParseBank(args[0])
	if err != nil {
		return err
	}
	addr, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid address: %s", args[1])
	}
	values, err := parseCellValues(args[2:])
	if err != nil {
		return err
	}
	for i, v := range values {
		if err := s.sim.WriteCell(b, addr+i, v); err != nil {
			return err
		}
	}
	outputSuccess("Wrote %d %s starting at address %d", len(values), b, addr)
	return nil
}

func (s *InteractiveSession) page(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: page <bank> [row] [count]")
	}
	b, err := modbus.ParseBank(args[0])
	if err != nil {
		return err
	}
	row, count := 0, s.sim.Rows(b)
	if len(args) >= 2 {
		if row, err = strconv.Atoi(args[1]); err != nil || row < 0 {
			return fmt.Errorf("invalid row: %s", args[1])
		}
	}
	if len(args) >= 3 {
		if count, err = strconv.Atoi(args[2]); err != nil || count < 1 {
			return fmt.Errorf("invalid count: %s", args[2])
		}
	}
	if rows := s.sim.Rows(b); row+count > rows {
		count = rows - row
	}
	if count <= 0 {
		return fmt.Errorf("row %d is beyond the %d visible rows", row, s.sim.Rows(b))
	}
	return outputPage(s.sim, b, row, count, s.signed)
}

func (s *InteractiveSession) rows(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: rows <bank> <n|max>")
	}
	b, err := modbus.ParseBank(args[0])
	if err != nil {
		return err
	}
	n := modbus.RowsMax
	if !strings.EqualFold(args[1], "max") {
		if n, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("invalid row count: %s", args[1])
		}
	}
	if err := s.sim.SetPageWidth(b, n); err != nil {
		return err
	}
	outputInfo("%s: %d visible rows", b, s.sim.Rows(b))
	return nil
}

func (s *InteractiveSession) where(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: where <bank> <addr>")
	}
	b, err := modbus.ParseBank(args[0])
	if err != nil {
		return err
	}
	addr, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid address: %s", args[1])
	}
	label, err := modbus.CellLabel(b, addr)
	if err != nil {
		return err
	}
	row, col, err := s.sim.ToPage(b, addr)
	if err != nil {
		fmt.Printf("%s: %v\n", label, err)
		return nil
	}
	rowLabel, _ := s.sim.RowLabel(b, row)
	fmt.Printf("%s: row %d (%s), column %d\n", label, row, rowLabel, col)
	return nil
}

func (s *InteractiveSession) showEvents() {
	n := 0
	for e := range s.sim.Relay().Drain() {
		ts := e.Time.Format("15:04:05.000")
		switch e.Kind {
		case modbus.RequestLogged:
			fmt.Printf("%s %s %s\n", ts, color(colorCyan, "REQ "), e.Text)
		case modbus.CellChanged:
			label, _ := modbus.CellLabel(e.Bank, e.Index)
			fmt.Printf("%s %s %s = %d\n", ts, color(colorYellow, "CELL"), label, e.Value)
		case modbus.ConnectionStatus:
			fmt.Printf("%s %s %s\n", ts, color(colorGreen, "STAT"), e.Text)
		}
		n++
	}
	if n == 0 {
		if s.sim.Relay().Paused() {
			outputInfo("Event delivery is paused")
		} else {
			outputInfo("No pending events")
		}
	}
}

func (s *InteractiveSession) clear(args []string) error {
	if len(args) == 0 {
		s.sim.Relay().Clear()
		outputInfo("Events cleared")
		return nil
	}
	var kind modbus.EventKind
	switch strings.ToLower(args[0]) {
	case "requests", "request", "req":
		kind = modbus.RequestLogged
	case "cells", "cell":
		kind = modbus.CellChanged
	case "status", "stat":
		kind = modbus.ConnectionStatus
	default:
		return fmt.Errorf("unknown event category: %s", args[0])
	}
	s.sim.Relay().ClearKind(kind)
	outputInfo("%s events cleared", kind)
	return nil
}

func (s *InteractiveSession) export(args []string) error {
	if len(args) == 0 {
		return exportSeed(s.sim.Store(), os.Stdout)
	}
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	if err := exportSeed(s.sim.Store(), f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	outputSuccess("Exported to %s", args[0])
	return nil
}
