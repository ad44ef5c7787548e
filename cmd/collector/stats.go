package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"binance-oi-collector/internal/models"
	"binance-oi-collector/internal/repository"
	"binance-oi-collector/internal/utils"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage, error and task statistics",
	RunE:  runStats,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete partition files older than --days",
	RunE:  runCleanup,
}

var (
	statsJSON   bool
	cleanupDays int
)

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print JSON instead of tables")
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "Keep this many days of partitions (required)")
	cleanupCmd.MarkFlagRequired("days")
}

type statsReport struct {
	Storage *models.StorageStats    `json:"storage"`
	Errors  *models.ErrorStatistics `json:"errors"`
	Tasks   []models.Task           `json:"tasks"`
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logFile, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx := cmd.Context()
	dataDir := cfg.Storage.DataDir
	var report statsReport
	if report.Storage, err = repository.NewPartitionRepository(dataDir).Stats(ctx); err != nil {
		return err
	}
	if report.Errors, err = repository.NewErrorStatisticsRepository(dataDir).Load(ctx); err != nil {
		return err
	}
	if report.Tasks, err = repository.NewTaskStateRepository(dataDir, logger).LoadAll(ctx); err != nil {
		return err
	}

	if statsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tCADENCE\tFILES\tSIZE\tFROM\tTO")
	for _, p := range report.Storage.Partitions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			p.Symbol, p.Cadence, p.Files, humanize.Bytes(uint64(p.Bytes)), p.OldestDate, p.NewestDate)
	}
	fmt.Fprintf(w, "total\t\t%s\t%s\t\t\n",
		humanize.Comma(int64(report.Storage.TotalFiles)), humanize.Bytes(uint64(report.Storage.TotalBytes)))
	w.Flush()

	fmt.Printf("\nerrors: %s total", humanize.Comma(report.Errors.TotalErrors))
	for _, kind := range []models.ErrorKind{
		models.ErrorKindTransient, models.ErrorKindRateLimited,
		models.ErrorKindDataUnavailable, models.ErrorKindPermanent,
	} {
		fmt.Printf(", %s %d", kind, report.Errors.ErrorsByKind[kind])
	}
	fmt.Println()

	if len(report.Tasks) == 0 {
		return nil
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tKIND\tSTATUS\tEXECUTIONS\tLAST EXECUTION")
	for _, t := range report.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			t.ID, t.Kind, t.Status, t.ExecutionsCompleted, humanize.Time(t.LastExecutionAt))
	}
	return w.Flush()
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if cleanupDays < 1 {
		return fmt.Errorf("--days must be at least 1")
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

	before := utils.StartOfDay(time.Now().UTC()).AddDate(0, 0, -cleanupDays)
	removed, err := repository.NewPartitionRepository(cfg.Storage.DataDir).Cleanup(cmd.Context(), before)
	if err != nil {
		return err
	}
	logger.WithField("removed", removed).Info("Removed old partitions")
	fmt.Printf("Removed %d partition files dated before %s.\n", removed, utils.FormatDate(before))
	return nil
}
