package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agies-dev/agies-guard/pkg/sdk"
)

var (
	cfgFile string
	addr    string
	noTLS   bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agies",
	Short: "Agies Guard CLI",
	Long: `agies talks to an Agies Guard daemon, or runs the guard embedded
when no daemon address is configured.

Deposit items, walk the multi-step export sequence, classify attack
events and inspect exit statistics from your terminal.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file for embedded mode")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "daemon address (default: $AGIES_GUARD_ADDR)")
	rootCmd.PersistentFlags().BoolVar(&noTLS, "no-tls", false, "connect without TLS")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log diagnostics to stderr")
}

func logger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// connect returns a remote client when --addr is given, otherwise whatever
// sdk.New discovers.
func connect(ctx context.Context) (sdk.Guard, error) {
	if addr != "" {
		return sdk.Connect(addr, sdk.WithTLS(!noTLS), sdk.WithClientLogger(logger()))
	}
	if noTLS {
		os.Setenv(sdk.EnvDisableTLS, "true")
	}
	return sdk.New(ctx, cfgFile, logger())
}

// withGuard runs fn against a connected guard and closes it afterwards.
func withGuard(cmd *cobra.Command, fn func(ctx context.Context, g sdk.Guard) error) error {
	ctx := cmd.Context()
	g, err := connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer g.Close()
	return fn(ctx, g)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
