package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"symmetry/internal/backtest"
	"symmetry/internal/config"
	"symmetry/internal/database"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	index := flag.String("index", "", "index to replay (defaults to backtest.index)")
	dataDir := flag.String("data", "", "directory of <index>/index.csv, leg_a.csv, leg_b.csv (defaults to backtest.data_dir)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Cannot load config", "error", err)
		os.Exit(1)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.App.LogLevel)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	name := strings.ToUpper(*index)
	if name == "" {
		name = strings.ToUpper(cfg.Backtest.Index)
	}
	dir := *dataDir
	if dir == "" {
		dir = cfg.Backtest.DataDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := run(ctx, logger, cfg, name, dir)
	if err != nil {
		logger.Error("Backtest failed", "index", name, "error", err)
		os.Exit(1)
	}
	render(report)
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config, name, dir string) (backtest.Report, error) {
	idx, ok := cfg.Indices[name]
	if !ok {
		return backtest.Report{}, fmt.Errorf("index %q is not configured", name)
	}
	bars, err := backtest.LoadDir(dir, name, idx)
	if err != nil {
		return backtest.Report{}, err
	}

	repo, err := database.NewSQLiteRepository(ctx, cfg.Backtest.SQLite)
	if err != nil {
		return backtest.Report{}, err
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		return backtest.Report{}, err
	}
	return backtest.NewRunner(logger, cfg, repo).Run(ctx, name, bars)
}

func render(r backtest.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("PERFORMANCE REPORT: " + r.Index)
	t.SetStyle(table.StyleLight)
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})

	t.AppendRows([]table.Row{
		{"Total Trades", r.Trades},
		{"Win Rate", fmt.Sprintf("%.2f%%", r.WinRate)},
		{"Total PnL (Net)", fmt.Sprintf("%.2f", r.TotalPnL)},
		{"Avg per Trade", fmt.Sprintf("%.2f", r.AvgPnL)},
		{"Max Drawdown", fmt.Sprintf("%.2f", r.MaxDrawdown)},
		{"Sharpe Ratio", fmt.Sprintf("%.2f", r.Sharpe)},
		{"Final Balance", fmt.Sprintf("%.2f", r.Balance)},
	})

	reasons := make([]string, 0, len(r.Exits))
	for reason := range r.Exits {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	if len(reasons) > 0 {
		t.AppendSeparator()
		for _, reason := range reasons {
			t.AppendRow(table.Row{"Exit: " + reason, r.Exits[reason]})
		}
	}
	t.Render()
}
