package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"binance-oi-collector/internal/config"
	"binance-oi-collector/internal/repository"
	"binance-oi-collector/internal/services/binance"
	"binance-oi-collector/internal/utils"
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "Maintain the symbols file",
}

var symbolsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove symbols the exchange rejected as invalid",
	Long: `prune reads error_statistics.json and removes from the symbols file every
symbol whose permanent failures report an unknown symbol (code -1121).`,
	RunE: runSymbolsPrune,
}

var symbolsTopCmd = &cobra.Command{
	Use:   "top",
	Short: "Replace the symbols file with the most traded contracts",
	RunE:  runSymbolsTop,
}

var (
	symbolsDryRun bool
	topLimit      int
	topQuote      string
)

func init() {
	symbolsCmd.PersistentFlags().BoolVar(&symbolsDryRun, "dry-run", false, "Print the change without writing the symbols file")
	symbolsTopCmd.Flags().IntVar(&topLimit, "limit", 100, "Number of contracts to keep")
	symbolsTopCmd.Flags().StringVar(&topQuote, "quote", "USDT", "Quote asset of the contracts to rank")
	symbolsCmd.AddCommand(symbolsPruneCmd)
	symbolsCmd.AddCommand(symbolsTopCmd)
}

// pruneSymbols splits current into the symbols to keep and those listed in
// invalid, both in their original order.
func pruneSymbols(current, invalid []string) (kept, removed []string) {
	drop := make(map[string]struct{}, len(invalid))
	for _, s := range config.NormalizeSymbols(invalid) {
		drop[s] = struct{}{}
	}
	kept = make([]string, 0, len(current))
	for _, s := range current {
		if _, ok := drop[strings.ToUpper(strings.TrimSpace(s))]; ok {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	return kept, removed
}

func runSymbolsPrune(cmd *cobra.Command, args []string) error {
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
	stats, err := repository.NewErrorStatisticsRepository(cfg.Storage.DataDir).Load(ctx)
	if err != nil {
		return err
	}
	invalid := stats.InvalidSymbols()
	if len(invalid) == 0 {
		fmt.Println("No invalid symbols recorded.")
		return nil
	}
	fmt.Printf("Invalid symbols in error statistics: %s\n", strings.Join(invalid, ", "))

	file := repository.NewSymbolsFileRepository(cfg.Storage.SymbolsFile)
	current, err := file.Load(ctx)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Symbols file %s does not exist.\n", cfg.Storage.SymbolsFile)
		return nil
	}
	if err != nil {
		return err
	}

	kept, removed := pruneSymbols(current, invalid)
	if len(removed) == 0 {
		fmt.Println("The symbols file lists none of them.")
		return nil
	}
	if symbolsDryRun {
		fmt.Printf("Would remove %d symbols, keeping %d.\n", len(removed), len(kept))
		return nil
	}
	if err := file.Save(ctx, kept, time.Now()); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"file":    cfg.Storage.SymbolsFile,
		"removed": removed,
		"kept":    len(kept),
	}).Info("Pruned invalid symbols")
	fmt.Printf("Removed %d symbols, %d remain.\n", len(removed), len(kept))
	return nil
}

func runSymbolsTop(cmd *cobra.Command, args []string) error {
	if topLimit < 1 {
		return fmt.Errorf("--limit must be at least 1")
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

	client, err := binance.NewClient(&cfg.Binance, nil, utils.RealClock(), logger)
	if err != nil {
		return err
	}
	ranked, err := client.TopSymbols(ctx, strings.ToUpper(topQuote), topLimit)
	if err != nil {
		return fmt.Errorf("failed to rank symbols: %w", err)
	}
	if len(ranked) == 0 {
		return fmt.Errorf("no traded %s contracts returned", topQuote)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSYMBOL\tVOLUME\tQUOTE VOLUME")
	symbols := make([]string, 0, len(ranked))
	for i, r := range ranked {
		symbols = append(symbols, r.Symbol)
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, r.Symbol,
			humanize.Comma(int64(r.Volume)), humanize.Comma(int64(r.QuoteVolume)))
	}
	w.Flush()

	if symbolsDryRun {
		return nil
	}
	if err := repository.NewSymbolsFileRepository(cfg.Storage.SymbolsFile).Save(ctx, symbols, time.Now()); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"file":    cfg.Storage.SymbolsFile,
		"symbols": len(symbols),
		"first":   symbols[0],
		"last":    symbols[len(symbols)-1],
	}).Info("Symbols file replaced with top contracts")
	fmt.Printf("Wrote %d symbols to %s.\n", len(symbols), cfg.Storage.SymbolsFile)
	return nil
}
