package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status <runID>",
	Short: "Show the manifest snapshot of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var statusOutput string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "", "output format (json, yaml)")
}

func runStatus(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	coord, err := buildCoordinator(cfg, log)
	if err != nil {
		return err
	}

	run, err := coord.Status(core.RunID(args[0]))
	if err != nil {
		return err
	}

	if statusOutput != "" {
		return output(run, statusOutput)
	}

	fmt.Printf("Run: %s\n", run.RunID)
	fmt.Printf("Model: %s\n", run.Model)
	state := "running"
	if run.EndedAt != nil {
		state = "finished"
		if run.Succeeded() {
			state = "succeeded"
		} else {
			state = "failed"
		}
	}
	fmt.Printf("State: %s\n", state)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tPHASE\tEXIT\tERROR\tTOKENS\tDURATION")
	fmt.Fprintln(w, "----\t-----\t----\t-----\t------\t--------")
	for i := range run.Parents {
		ts := &run.Parents[i]
		exit := "-"
		if ts.ExitCode != nil {
			exit = fmt.Sprintf("%d", *ts.ExitCode)
		}
		errField := "-"
		if ts.Error != "" {
			errField = string(ts.Error)
		}
		duration := "-"
		if ts.StartedAt != nil && ts.EndedAt != nil {
			duration = ts.EndedAt.Sub(*ts.StartedAt).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			ts.Task.ID, ts.Phase, exit, errField, ts.TokensUsed, duration)
	}
	return w.Flush()
}
