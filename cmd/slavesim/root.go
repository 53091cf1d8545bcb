package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	// Global flags
	outputFmt string
	verbose   bool
	noColor   bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "slavesim",
	Short: "A Modbus slave simulator",
	Long: `slavesim simulates a Modbus slave device over RTU, ASCII, TCP or UDP.

The simulator keeps one register store (coils, discrete inputs, input
registers and holding registers) that survives opening and closing
transports. Masters read and write it over the wire; you can inspect and edit
it from the interactive shell.

Examples:
  # Serve Modbus TCP on port 5020 with seeded registers
  slavesim serve -T tcp -p 5020 --seed registers.yaml

  # Serve RTU on a serial port at 19200 baud, even parity
  slavesim serve -T rtu --serial-port /dev/ttyUSB0 --baud 19200 --parity even

  # Expose Prometheus metrics while serving
  slavesim serve -T tcp --metrics-addr :9102

  # Interactive shell
  slavesim interactive

  # List serial ports
  slavesim ports`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Setup logger
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Configuration file
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.slavesim.yaml)")

	// Output flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, csv, hex, raw")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")

	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))

	// Add commands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(interactiveCmd)
	rootCmd.AddCommand(portsCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".slavesim")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SLAVESIM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
