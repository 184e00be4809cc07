package main

import (
	"fmt"

	"github.com/aretw0/tessera/internal/cli"
	"github.com/aretw0/tessera/internal/presentation/graph"
	"github.com/spf13/cobra"
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph [session-id]",
	Short: "Export a Mermaid visualization",
	Long: `Without arguments, outputs the workflow state machine as a Mermaid state
diagram. With a session id, loads the session from the configured store and
outputs its component graph (graph TD), or its transition history with --history.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			fmt.Print(graph.GenerateStateDiagram(nil))
			return nil
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, _, closeStore, err := cli.OpenStore(cfg.Store)
		if err != nil {
			return err
		}
		defer closeStore()

		snap, err := store.Load(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("error loading session '%s': %w", args[0], err)
		}
		if history, _ := cmd.Flags().GetBool("history"); history {
			fmt.Print(graph.GenerateStateDiagram(snap.Machine.History))
			return nil
		}
		fmt.Print(graph.GenerateMermaid(snap.Nodes, nil))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().Bool("history", false, "Render the session's transition history instead of its graph")
}
