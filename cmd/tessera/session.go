package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/tessera/internal/cli"
	"github.com/aretw0/tessera/pkg/adapters/sqlaudit"
	"github.com/aretw0/tessera/pkg/ports"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage persistent sessions",
	Long:  `List, inspect, audit and remove sessions held by the configured store.`,
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List all stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(store ports.SnapshotStore) error {
			sessions, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("error listing sessions: %w", err)
			}
			if len(sessions) == 0 {
				fmt.Println("No stored sessions found.")
				return nil
			}
			fmt.Println("Stored Sessions:")
			for _, s := range sessions {
				fmt.Println("- " + s)
			}
			return nil
		})
	},
}

var sessionInspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Inspect the snapshot of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(store ports.SnapshotStore) error {
			snap, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("error loading session '%s': %w", args[0], err)
			}
			// Pretty print JSON
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return fmt.Errorf("error marshaling snapshot: %w", err)
			}
			fmt.Println(string(data))
			return nil
		})
	},
}

var sessionAuditCmd = &cobra.Command{
	Use:   "audit <session-id>",
	Short: "Print the audited transitions of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Audit.Driver == "" {
			return errors.New("audit is disabled: set audit.driver")
		}
		sink, err := sqlaudit.Open(cmd.Context(), cfg.Audit.Driver, cfg.Audit.DSN)
		if err != nil {
			return err
		}
		defer sink.Close()

		events, err := sink.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, ev := range events {
			r := ev.Record
			fmt.Printf("%s  %-22s --%s--> %s\n", ev.Timestamp.Format(time.RFC3339Nano), r.From, r.Event.Type, r.To)
		}
		return nil
	},
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm <session-id>...",
	Short: "Remove one or more sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(store ports.SnapshotStore) error {
			var errs []error
			for _, sessionID := range args {
				if err := store.Delete(cmd.Context(), sessionID); err != nil {
					errs = append(errs, fmt.Errorf("error removing '%s': %w", sessionID, err))
					continue
				}
				fmt.Printf("Removed session '%s'\n", sessionID)
			}
			return errors.Join(errs...)
		})
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionLsCmd)
	sessionCmd.AddCommand(sessionInspectCmd)
	sessionCmd.AddCommand(sessionAuditCmd)
	sessionCmd.AddCommand(sessionRmCmd)
}

func withStore(cmd *cobra.Command, fn func(ports.SnapshotStore) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, _, closeStore, err := cli.OpenStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(store)
}
