package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/services/scheduler"
	"binance-oi-collector/internal/utils"
)

const (
	modeContinuous = "continuous"
	modeScheduled  = "scheduled"
	modeBatch      = "batch"
	modeAll        = "all"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Recover interrupted tasks, then collect open interest",
	Long: `run first recovers tasks a previous process left behind, then starts the
requested mode:

  continuous  fetch every symbol at each minute boundary (1m)
  scheduled   sweep the last 30 days for missing 5m points every 5 minutes
  all         continuous and scheduled side by side
  batch       backfill one explicit window and exit`,
	RunE: runCollect,
}

var (
	runMode         string
	runSymbols      string
	runDuration     time.Duration
	runFrom         string
	runTo           string
	runCadence      string
	runHTTPAddr     string
	runSkipRecovery bool
)

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", modeAll, "continuous, scheduled, all or batch")
	runCmd.Flags().StringVar(&runSymbols, "symbols", "", "Comma separated symbols (default from SYMBOLS or SYMBOLS_FILE)")
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	runCmd.Flags().StringVar(&runFrom, "from", "", "Batch window start (RFC3339 or 2006-01-02 15:04, UTC)")
	runCmd.Flags().StringVar(&runTo, "to", "", "Batch window end (default now)")
	runCmd.Flags().StringVar(&runCadence, "cadence", string(models.CadenceHistorical), "Batch cadence (1m or 5m)")
	runCmd.Flags().StringVar(&runHTTPAddr, "http-addr", "", "Serve the ops API on this address (default HTTP_ADDR)")
	runCmd.Flags().BoolVar(&runSkipRecovery, "skip-recovery", false, "Do not recover interrupted tasks before starting")
}

func buildSpecs(mode string, symbols []string, now time.Time) ([]scheduler.TaskSpec, error) {
	continuous := scheduler.TaskSpec{Kind: models.TaskKindContinuous, Symbols: symbols, Duration: runDuration}
	scheduled := scheduler.TaskSpec{Kind: models.TaskKindScheduled, Symbols: symbols, Duration: runDuration}

	switch mode {
	case modeContinuous:
		return []scheduler.TaskSpec{continuous}, nil
	case modeScheduled:
		return []scheduler.TaskSpec{scheduled}, nil
	case modeAll:
		return []scheduler.TaskSpec{continuous, scheduled}, nil
	case modeBatch:
		if runFrom == "" {
			return nil, fmt.Errorf("--from is required in batch mode")
		}
		from, err := utils.ParseTime(runFrom)
		if err != nil {
			return nil, err
		}
		to := now
		if runTo != "" {
			if to, err = utils.ParseTime(runTo); err != nil {
				return nil, err
			}
		}
		cadence, err := models.ParseCadence(runCadence)
		if err != nil {
			return nil, err
		}
		return []scheduler.TaskSpec{{
			Kind:        models.TaskKindBatch,
			Symbols:     symbols,
			Cadence:     cadence,
			WindowStart: from,
			WindowEnd:   to,
		}}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logFile, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logFile.Close()

	symbols, err := resolveSymbols(cfg, runSymbols)
	if err != nil {
		return err
	}
	specs, err := buildSpecs(runMode, symbols, time.Now().UTC())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, symbols)
	if err != nil {
		return err
	}
	defer a.close()

	if !runSkipRecovery {
		reports, err := a.scheduler.Recover(ctx, a.recoveryDecider())
		if err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}
		for _, r := range reports {
			logger.WithFields(logrus.Fields{
				"task_id":   r.Task.ID,
				"action":    r.Action.Kind,
				"gaps":      r.Gaps.Total,
				"succeeded": r.Backfill.Succeeded,
				"failed":    r.Backfill.Failed,
				"cancelled": r.Cancelled,
			}).Info("Recovery finished")
		}
	}
	if ctx.Err() != nil {
		logger.Info("Interrupted during recovery, exiting")
		return nil
	}

	addr := runHTTPAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	server := a.startHTTP(addr)
	defer a.stopHTTP(server)

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			res, err := a.scheduler.Run(gctx, spec)
			if err != nil {
				return fmt.Errorf("%s task failed: %w", spec.Kind, err)
			}
			logger.WithFields(logrus.Fields{
				"task_id":    res.TaskID,
				"kind":       res.Kind,
				"outcome":    res.Outcome,
				"executions": res.Executions,
			}).Info("Task finished")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Collector stopped")
		return err
	}
	logger.Info("Collector exited")
	return nil
}
