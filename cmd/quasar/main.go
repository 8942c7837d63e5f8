package main

import (
	"fmt"
	"os"

	"github.com/oriys/quasar/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath string

	flagHost           string
	flagPort           int
	flagMaxConn        int
	flagUserName       string
	flagPasswd         string
	flagTimeout        int
	flagAckDBFile      string
	flagSendDBFile     string
	flagResendInterval int
	flagConfigReuse    int
	flagMetricsAddr    string
	flagLogLevel       string
	flagLogFormat      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quasar",
		Short: "Quasar - in-memory message broker with durable redelivery",
		Long:  "A queue broker that keeps messages in memory and journals them to local disk so unfinished work survives a restart",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Configuration file path")

	rootCmd.AddCommand(
		daemonCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addBrokerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagHost, "HOST", "0.0.0.0", "Listen address, must be local")
	cmd.Flags().IntVar(&flagPort, "PORT", 15673, "Listen port")
	cmd.Flags().IntVar(&flagMaxConn, "MAX_CONN", 100, "Maximum concurrent connections")
	cmd.Flags().StringVar(&flagUserName, "USER_NAME", "quasar", "Broker user name, at least 5 characters")
	cmd.Flags().StringVar(&flagPasswd, "PASSWD", "quasar", "Broker password, at least 5 characters")
	cmd.Flags().IntVar(&flagTimeout, "TIMEOUT", 10, "Connection idle timeout in seconds")
	cmd.Flags().StringVar(&flagAckDBFile, "ACK_PROCESS_DB_FILE", "quasar_ack.db", "Ack journal database file")
	cmd.Flags().StringVar(&flagSendDBFile, "COMPLETELY_PERSISTENT_PROCESS_DB_FILE", "quasar_send.db", "Send journal database file")
	cmd.Flags().IntVar(&flagResendInterval, "RESEND_INTERVAL", 300, "Redelivery interval in seconds")
	cmd.Flags().IntVar(&flagConfigReuse, "CONFIG_REUSE", 0, "0 writes the config file from flags, 1 reads the existing file")
	cmd.Flags().StringVar(&flagMetricsAddr, "METRICS_ADDR", "", "Prometheus endpoint address, empty disables it")
	cmd.Flags().StringVar(&flagLogLevel, "LOG_LEVEL", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&flagLogFormat, "LOG_FORMAT", "text", "Log format (text, json)")
}

// resolveConfig builds the effective configuration: CONFIG_REUSE=1 reads the
// file, otherwise the flags are written to it. Environment overrides apply
// either way, then the result is validated.
func resolveConfig() (*config.Config, error) {
	var cfg *config.Config
	if flagConfigReuse == 1 {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
		cfg = loaded
	} else {
		cfg = &config.Config{
			Host:           flagHost,
			Port:           flagPort,
			MaxConn:        flagMaxConn,
			UserName:       flagUserName,
			Passwd:         flagPasswd,
			Timeout:        flagTimeout,
			AckDBFile:      flagAckDBFile,
			SendDBFile:     flagSendDBFile,
			ResendInterval: flagResendInterval,
			MetricsAddr:    flagMetricsAddr,
			LogLevel:       flagLogLevel,
			LogFormat:      flagLogFormat,
		}
	}

	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if flagConfigReuse != 1 {
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("write config %s: %w", configPath, err)
		}
	}
	return cfg, nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write a configuration file from flags without starting the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s (listen %s)\n", configPath, cfg.Addr())
			return nil
		},
	}
	addBrokerFlags(cmd)
	return cmd
}
