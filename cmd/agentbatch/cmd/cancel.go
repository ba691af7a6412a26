package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <runID>",
	Short: "Request cancellation of a run or a single task",
	Long: `Cancel writes a durable cancellation marker and force-kills any
live agent process of the target. Markers are never deleted, so the
request survives orchestrator restarts.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var (
	cancelTask   string
	cancelReason string
)

func init() {
	rootCmd.AddCommand(cancelCmd)
	cancelCmd.Flags().StringVar(&cancelTask, "task", "", "cancel only this task")
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason recorded in the marker")
}

func runCancel(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	coord, err := buildCoordinator(cfg, log)
	if err != nil {
		return err
	}

	runID := core.RunID(args[0])
	if err := coord.Cancel(runID, core.TaskID(cancelTask), cancelReason); err != nil {
		return err
	}

	if cancelTask != "" {
		fmt.Printf("Cancellation requested for task %s of run %s\n", cancelTask, runID)
	} else {
		fmt.Printf("Cancellation requested for run %s\n", runID)
	}
	return nil
}
