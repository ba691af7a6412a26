package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List active runs, including stale ones left by dead processes",
	RunE:  runRuns,
}

var (
	runsOutput string
	runsReap   bool
)

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().StringVarP(&runsOutput, "output", "o", "", "output format (json, yaml)")
	runsCmd.Flags().BoolVar(&runsReap, "reap", false, "deregister runs abandoned by dead processes")
}

func runRuns(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	coord, err := buildCoordinator(cfg, log)
	if err != nil {
		return err
	}

	if runsReap {
		reaped, err := coord.ReapStale()
		if err != nil {
			return err
		}
		for _, id := range reaped {
			fmt.Printf("Reaped %s\n", id)
		}
	}

	active, err := coord.ListActive()
	if err != nil {
		return err
	}

	if runsOutput != "" {
		return output(active, runsOutput)
	}

	if len(active) == 0 {
		fmt.Println("No active runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tPID\tTASKS\tRUNNING\tSTARTED\tHEARTBEAT\tSTALE")
	fmt.Fprintln(w, "---\t---\t-----\t-------\t-------\t---------\t-----")
	for _, a := range active {
		heartbeat := "-"
		if !a.HeartbeatAt.IsZero() {
			heartbeat = time.Since(a.HeartbeatAt).Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\t%v\n",
			a.RunID, a.PID, a.Tasks, a.Running,
			a.StartedAt.Format(time.RFC3339), heartbeat, a.Stale)
	}
	return w.Flush()
}
