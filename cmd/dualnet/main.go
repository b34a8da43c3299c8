// Command dualnet runs a demo chat server or client over the dualnet TCP or
// UDP transport.
//
//	dualnet serve --network udp --listen :7777 --metrics :9100
//	dualnet connect --network udp --server 127.0.0.1:7777 --encrypt
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/dualnet/config"
	"github.com/opd-ai/dualnet/wire"
)

// Application channels used by the demo.
const (
	chatChannel = wire.FirstUserChannel
	echoChannel = wire.FirstUserChannel + 1
)

type globalFlags struct {
	configPath string
	logLevel   string
	network    string
	debugKeys  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "dualnet",
		Short: "Message transport over TCP and UDP",
		Long: `dualnet sends typed messages over TCP or UDP with fragmentation,
retransmission of lost fragments, and optional AES encryption negotiated
with an RSA key exchange.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevel(flags.logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return checkNetwork(flags.network)
		},
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&flags.network, "network", "n", "udp", "Transport to use (tcp or udp)")
	root.PersistentFlags().BoolVar(&flags.debugKeys, "debug-keys", false, "Use short RSA keys for faster handshakes")

	root.AddCommand(newServeCmd(flags), newConnectCmd(flags))
	return root
}

func parseLevel(s string) (logrus.Level, error) {
	level, err := logrus.ParseLevel(strings.ToLower(s))
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func checkNetwork(network string) error {
	switch network {
	case "tcp", "udp":
		return nil
	default:
		return fmt.Errorf("unknown network %q, want tcp or udp", network)
	}
}

// loadConfig reads the configuration file, if any, and applies flag
// overrides.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		cfg, err = config.Load(flags.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if flags.debugKeys {
		cfg.Crypto.RSABits = config.Debug().Crypto.RSABits
	}
	return cfg, nil
}
