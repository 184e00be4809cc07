package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aretw0/tessera/internal/cli"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the capability catalog for consistency",
	Long: `Loads the manifest, the catalog directory, the command allow-list and the
intent rules, then reports invalid declarations, missing commands, broken or
cyclic references, and rules that route nowhere.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		ctx := cli.NewSignalContext(context.Background())
		defer ctx.Cancel()

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			return cli.WatchValidate(ctx, cfg, os.Stdout, logger)
		}
		rep, err := cli.Validate(ctx, cfg)
		if err != nil {
			return err
		}
		if err := cli.PrintReport(os.Stdout, rep); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolP("watch", "w", false, "Re-validate when the catalog directory changes")
}
