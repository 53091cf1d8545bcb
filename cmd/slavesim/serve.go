package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	modbus "github.com/edgeo-scada/modbus-slavesim"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the register store over one transport",
	Long: `Open one transport and answer Modbus masters until interrupted.

Transports:
  tcp    Modbus TCP (MBAP framing)
  udp    Modbus UDP (one MBAP frame per datagram)
  rtu    Modbus RTU on a serial port
  ascii  Modbus ASCII on a serial port

Settings come from flags, the config file (network.*, serial.*) or
SLAVESIM_* environment variables.`,
	Example: `  slavesim serve -T tcp -H 0.0.0.0 -p 502
  slavesim serve -T udp -p 5020 --log-requests
  slavesim serve -T rtu --serial-port /dev/ttyUSB0 --baud 9600 --parity none
  slavesim serve -T tcp --seed registers.yaml --metrics-addr :9102`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("transport", "T", "tcp", "Transport: tcp, udp, rtu, ascii")
	f.StringP("host", "H", "0.0.0.0", "Bind host or IP address (tcp/udp)")
	f.IntP("port", "p", modbus.DefaultPort, "Bind port (tcp/udp)")
	f.String("serial-port", "", "Serial port name (rtu/ascii)")
	f.Int("baud", 9600, "Serial baud rate")
	f.Int("data-bits", 8, "Serial data bits (5-8)")
	f.String("parity", "none", "Serial parity: none, odd, even, mark, space")
	f.String("stop-bits", "1", "Serial stop bits: 1, 1.5, 2")
	f.String("seed", "", "YAML file with initial register values")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	f.Bool("log-requests", false, "Log every master request")
	f.Duration("read-timeout", 0, "Close idle TCP masters after this duration (0 disables)")

	viper.BindPFlag("transport", f.Lookup("transport"))
	viper.BindPFlag("network.host", f.Lookup("host"))
	viper.BindPFlag("network.port", f.Lookup("port"))
	viper.BindPFlag("serial.port", f.Lookup("serial-port"))
	viper.BindPFlag("serial.baud", f.Lookup("baud"))
	viper.BindPFlag("serial.data_bits", f.Lookup("data-bits"))
	viper.BindPFlag("serial.parity", f.Lookup("parity"))
	viper.BindPFlag("serial.stop_bits", f.Lookup("stop-bits"))
	viper.BindPFlag("seed", f.Lookup("seed"))
	viper.BindPFlag("metrics_addr", f.Lookup("metrics-addr"))
	viper.BindPFlag("log_requests", f.Lookup("log-requests"))
	viper.BindPFlag("read_timeout", f.Lookup("read-timeout"))
}

// loadConfig merges defaults, config file, environment and flags.
func loadConfig() (modbus.TransportKind, modbus.Config, error) {
	cfg := modbus.DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return 0, cfg, fmt.Errorf("failed to decode config: %w", err)
	}
	kind, err := modbus.ParseTransportKind(viper.GetString("transport"))
	if err != nil {
		return 0, cfg, err
	}
	return kind, cfg, nil
}

func newSimulator() *modbus.Simulator {
	return modbus.NewSimulator(
		modbus.WithSimulatorLogger(logger),
		modbus.WithInitialRequestLogging(viper.GetBool("log_requests")),
		modbus.WithSimulatorSessionOptions(
			modbus.WithReadTimeout(viper.GetDuration("read_timeout")),
		),
	)
}

func runServe(cmd *cobra.Command, args []string) error {
	kind, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := newSimulator()
	defer sim.Close()

	if path := viper.GetString("seed"); path != "" {
		n, err := loadSeedFile(sim.Store(), path)
		if err != nil {
			return err
		}
		outputInfo("Seeded %d cells from %s", n, path)
	}

	if addr := viper.GetString("metrics_addr"); addr != "" {
		srv := serveMetrics(addr, newMetricsRegistry(sim))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		outputInfo("Metrics on http://%s/metrics", addr)
	}

	session, err := sim.OpenTransport(ctx, kind, cfg)
	if err != nil {
		return err
	}
	outputSuccess("Serving Modbus %s on %s (session %s)", kind, session.Addr(), session.ID())
	fmt.Println("Press Ctrl+C to stop")

	eventsCtx, cancelEvents := context.WithCancel(ctx)
	defer cancelEvents()
	go logEvents(eventsCtx, sim)

	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
	case <-session.Done():
		if err := session.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return sim.CloseTransport(session)
}

// logEvents forwards request and cell entries to the logger until ctx is
// done. Status entries are already logged by the session.
func logEvents(ctx context.Context, sim *modbus.Simulator) {
	for e := range sim.SubscribeEvents(ctx) {
		switch e.Kind {
		case modbus.RequestLogged:
			logger.Info("request", slog.String("session", e.Session), slog.String("pdu", e.Text))
		case modbus.CellChanged:
			label, _ := modbus.CellLabel(e.Bank, e.Index)
			logger.Debug("cell changed",
				slog.String("cell", label),
				slog.Int("index", e.Index),
				slog.Int("value", int(e.Value)))
		}
	}
}
