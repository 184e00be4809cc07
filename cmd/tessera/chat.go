package main

import (
	"context"

	"github.com/aretw0/tessera/internal/cli"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat [session-id]",
	Short: "Start an interactive console session",
	Long: `Opens a session in the terminal. Free text is sent as an intent; commands
such as /confirm, /reject, /select, /retry and /cancel drive the workflow.
Passing a session id resumes it from the configured store.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		opts := cli.ChatOptions{}
		if len(args) > 0 {
			opts.SessionID = args[0]
		}
		opts.TenantID, _ = cmd.Flags().GetString("tenant")
		opts.UserID, _ = cmd.Flags().GetString("user")
		opts.JSON, _ = cmd.Flags().GetBool("json")
		opts.Quiet, _ = cmd.Flags().GetBool("quiet")
		opts.Debug, _ = cmd.Flags().GetBool("debug")

		// The runner owns Ctrl+C: it cancels the request in flight.
		return cli.Chat(context.Background(), cfg, opts)
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("tenant", "", "Tenant of a new session")
	chatCmd.Flags().String("user", "", "User of a new session")
	chatCmd.Flags().Bool("json", false, "Read JSON commands and write JSON envelopes (headless)")
	chatCmd.Flags().BoolP("quiet", "q", false, "Suppress banner and system messages")
	chatCmd.Flags().Bool("debug", false, "Log to stderr at debug level")
}
