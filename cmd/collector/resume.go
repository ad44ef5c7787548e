package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"binance-oi-collector/internal/config"
	"binance-oi-collector/internal/services/scheduler"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Inspect or recover interrupted tasks",
	Long: `resume marks tasks left running as interrupted, computes their gaps and
applies a recovery action. Without --action the unattended policy decides;
--list only prints what would happen and changes no task state.`,
	RunE: runResume,
}

var (
	resumeTask    string
	resumeAction  string
	resumeSymbols string
	resumeList    bool
)

func init() {
	resumeCmd.Flags().StringVar(&resumeTask, "task", "", "Only this task id")
	resumeCmd.Flags().StringVar(&resumeAction, "action", "", "backfill_all, backfill_partial, mark_complete or discard")
	resumeCmd.Flags().StringVar(&resumeSymbols, "symbols", "", "Symbols for backfill_partial")
	resumeCmd.Flags().BoolVar(&resumeList, "list", false, "Print running and interrupted tasks and the decided action without changing them")
}

// parseOverride turns --action/--symbols into a fixed action. A nil action
// means recoveryDecider picks per task.
func parseOverride(action, symbols string) (*scheduler.Action, error) {
	if action == "" {
		return nil, nil
	}
	kind, ok := scheduler.ParseActionKind(action)
	if !ok {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	override := &scheduler.Action{Kind: kind, Reason: "operator override"}
	if kind == scheduler.ActionBackfillPartial {
		override.Symbols = config.NormalizeSymbols(strings.Split(symbols, ","))
		if len(override.Symbols) == 0 {
			return nil, fmt.Errorf("--symbols is required with %s", kind)
		}
	}
	return override, nil
}

func runResume(cmd *cobra.Command, args []string) error {
	override, err := parseOverride(resumeAction, resumeSymbols)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logFile, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, cfg.Symbols)
	if err != nil {
		return err
	}
	defer a.close()

	load := a.scheduler.MarkInterrupted
	if resumeList {
		load = a.scheduler.Pending
	}
	tasks, err := load(ctx)
	if err != nil {
		return err
	}

	decide := a.recoveryDecider()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tKIND\tSTATUS\tCADENCE\tLAST EXECUTION\tGAPS\tACTION\tRESULT")

	found := false
	for _, task := range tasks {
		if resumeTask != "" && task.ID != resumeTask {
			continue
		}
		found = true
		if ctx.Err() != nil {
			break
		}

		summary, err := a.scanner.Summarize(ctx, task, a.clock.Now())
		if err != nil {
			w.Flush()
			return err
		}
		action := decide(task, summary)
		if override != nil {
			action = *override
		}

		result := "listed"
		if !resumeList {
			report, err := a.scheduler.Apply(ctx, task, summary, action)
			if err != nil {
				w.Flush()
				return err
			}
			result = "done"
			if report.Cancelled {
				result = "cancelled"
			} else if report.Backfill.Total > 0 {
				result = fmt.Sprintf("%d/%d filled", report.Backfill.Succeeded, report.Backfill.Total)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			task.ID, task.Kind, task.Status, task.Cadence, task.LastExecutionAt.Format(time.RFC3339),
			summary.Total, action.Kind, result)
	}
	w.Flush()

	if resumeTask != "" && !found {
		return fmt.Errorf("no interrupted task %s", resumeTask)
	}
	if len(tasks) == 0 {
		fmt.Println("No interrupted tasks.")
	}
	return nil
}
