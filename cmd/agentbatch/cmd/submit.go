package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/batch"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a batch of tasks and run it to completion",
	Long: `Submit reads a YAML task file, runs every task through the
prepare/run/collect/apply pipeline and prints the per-task outcome.
The command blocks until the whole run reaches a terminal state.`,
	RunE: runSubmit,
}

var (
	submitTasksFile      string
	submitModel          string
	submitTimeout        time.Duration
	submitMaxOutstanding int
	submitBypassSandbox  bool
)

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitTasksFile, "tasks", "", "YAML file with the task batch (required)")
	submitCmd.Flags().StringVar(&submitModel, "model", "", "model identifier passed to the agent")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "per-task wall clock (default from config)")
	submitCmd.Flags().IntVar(&submitMaxOutstanding, "max-outstanding", 0, "concurrent task cap (default from config)")
	submitCmd.Flags().BoolVar(&submitBypassSandbox, "bypass-sandbox", false,
		"pass the agent's sandbox-escape flag; requires every task to declare an allowlist")
	_ = submitCmd.MarkFlagRequired("tasks")
}

// taskFile is the YAML shape of --tasks.
type taskFile struct {
	Tasks []core.ParentTask `yaml:"tasks"`
}

func readTaskFile(path string) ([]core.ParentTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err == nil && len(tf.Tasks) > 0 {
		return tf.Tasks, nil
	}

	// Also accept a bare list of tasks.
	var tasks []core.ParentTask
	if err := yaml.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parsing task file: %w", err)
	}
	return tasks, nil
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	tasks, err := readTaskFile(submitTasksFile)
	if err != nil {
		return err
	}

	coord, err := buildCoordinator(cfg, log)
	if err != nil {
		return err
	}

	run, err := coord.Submit(cmd.Context(), batch.SubmitRequest{
		Tasks:          tasks,
		Model:          submitModel,
		Timeout:        submitTimeout,
		MaxOutstanding: submitMaxOutstanding,
		BypassSandbox:  submitBypassSandbox,
	})
	if err != nil {
		return err
	}

	if !quiet {
		printRunSummary(run)
	} else {
		fmt.Println(run.RunID)
	}
	if !run.Succeeded() {
		return fmt.Errorf("run %s finished with failures", run.RunID)
	}
	return nil
}

func printRunSummary(run *core.Run) {
	fmt.Printf("Run: %s\n", run.RunID)
	if run.EndedAt != nil {
		fmt.Printf("Duration: %s\n", run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tPHASE\tEXIT\tERROR\tAPPLIED")
	fmt.Fprintln(w, "----\t-----\t----\t-----\t-------")
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
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", ts.Task.ID, ts.Phase, exit, errField, ts.Applied)
	}
	w.Flush()
}
