package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agies-dev/agies-guard/internal/engine"
	"github.com/agies-dev/agies-guard/internal/oneway"
	"github.com/agies-dev/agies-guard/internal/vault"
	"github.com/agies-dev/agies-guard/pkg/schema"
	"github.com/agies-dev/agies-guard/pkg/sdk"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the daemon connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGuard(cmd, func(ctx context.Context, g sdk.Guard) error {
			if c, ok := g.(*sdk.Client); ok {
				if err := c.Ping(ctx); err != nil {
					return err
				}
			}
			fmt.Println("PONG")
			return nil
		})
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Score an attack event",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ev := schema.AttackEvent{}
		ev.SourceAddress, _ = cmd.Flags().GetString("source")
		ev.UserAgent, _ = cmd.Flags().GetString("user-agent")
		ev.Payload, _ = cmd.Flags().GetString("payload")
		ev.Target, _ = cmd.Flags().GetString("target")
		ev.AttackTypeHint, _ = cmd.Flags().GetString("hint")
		return withGuard(cmd, func(ctx context.Context, g sdk.Guard) error {
			a, err := g.Classify(ctx, ev)
			if err != nil {
				return err
			}
			return printJSON(a)
		})
	},
}

var intelCmd = &cobra.Command{
	Use:   "intel",
	Short: "Show the threat learning state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGuard(cmd, func(ctx context.Context, g sdk.Guard) error {
			intel, err := g.Intelligence(ctx)
			if err != nil {
				return err
			}
			return printJSON(intel)
		})
	},
}

var depositCmd = &cobra.Command{
	Use:   "deposit <user> <type> <json>",
	Short: "Store an item through the entry gate",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data map[string]any
		if err := json.Unmarshal([]byte(args[2]), &data); err != nil {
			return fmt.Errorf("item must be a JSON object: %w", err)
		}
		source, _ := cmd.Flags().GetString("source")
		itemID, _ := cmd.Flags().GetString("item")
		return withGuard(cmd, func(ctx context.Context, g sdk.Guard) error {
			dep, err := g.Deposit(ctx, args[0], schema.EntrySource(source), schema.DataType(args[1]), itemID, data)
			if err != nil {
				return err
			}
			return printJSON(dep)
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <user> <type> [item]",
	Short: "Run the full exit sequence and print the decrypted items",
	Long: `export initiates an exit, submits every required verification step
using the evidence given as flags, and executes it.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var dataID string
		if len(args) == 3 {
			dataID = args[2]
		}
		flags := map[string]string{}
		for flag, key := range evidenceFlags {
			if v, _ := cmd.Flags().GetString(flag); v != "" {
				flags[key] = v
			}
		}
		evidence := func(step schema.Step, token string) map[string]string {
			data := map[string]string{oneway.EvidenceToken: token}
			for k, v := range flags {
				data[k] = v
			}
			return data
		}
		return withGuard(cmd, func(ctx context.Context, g sdk.Guard) error {
			res, err := g.User(args[0]).Export(ctx, schema.DataType(args[1]), dataID, evidence)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var evidenceFlags = map[string]string{
	"device":    oneway.EvidenceDeviceID,
	"code":      oneway.EvidenceCode,
	"biometric": oneway.EvidenceBiometric,
	"assertion": oneway.EvidenceAssertion,
	"answers":   oneway.EvidenceAnswers,
	"session":   oneway.EvidenceSessionID,
}

var statsCmd = &cobra.Command{
	Use:   "stats [user]",
	Short: "Show exit statistics",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var userID string
		if len(args) == 1 {
			userID = args[0]
		}
		return withGuard(cmd, func(ctx context.Context, g sdk.Guard) error {
			stats, err := g.Statistics(ctx, userID)
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

var violationCmd = &cobra.Command{
	Use:   "violation <user> <action...>",
	Short: "Check an action against the one-way rules",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGuard(cmd, func(ctx context.Context, g sdk.Guard) error {
			v, err := g.DetectViolation(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return printJSON(v)
		})
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new hex master key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := vault.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(key))
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <src-dir> <dst-dir>",
	Short: "Copy every sealed item from one data directory to another",
	Long: `migrate copies sealed items between data directories without
decrypting them. Use it for backups; the daemon should not be running
against either directory.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := engine.Open(args[0], logger())
		if err != nil {
			return err
		}
		dst, err := engine.Open(args[1], logger())
		if err != nil {
			return err
		}
		n, err := engine.Migrate(src, dst)
		dst.Wait()
		if err != nil {
			return err
		}
		fmt.Printf("migrated %d items\n", n)
		return nil
	},
}

func init() {
	classifyCmd.Flags().String("source", "", "source address")
	classifyCmd.Flags().String("user-agent", "", "user agent")
	classifyCmd.Flags().String("payload", "", "request payload")
	classifyCmd.Flags().String("target", "", "targeted resource")
	classifyCmd.Flags().String("hint", "", "attack type hint")

	depositCmd.Flags().String("source", string(schema.SourceUserInput), "entry source")
	depositCmd.Flags().String("item", "", "item ID (default: generated)")

	for flag := range evidenceFlags {
		exportCmd.Flags().String(flag, "", "evidence for the "+flag+" step")
	}

	rootCmd.AddCommand(pingCmd, classifyCmd, intelCmd, depositCmd, exportCmd,
		statsCmd, violationCmd, keygenCmd, migrateCmd)
}
