// Command klinehub runs the candlestick pipeline from the shell: archive
// backfills, gap scans, and full series queries against the configured
// storage backend.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"klinehub/internal/archive"
	"klinehub/internal/config"
	"klinehub/internal/domain"
	"klinehub/internal/exchange"
	"klinehub/internal/fill"
	"klinehub/internal/gaps"
	"klinehub/internal/gateway"
	"klinehub/internal/ingest"
	"klinehub/internal/norm"
	"klinehub/internal/symbols"
	"klinehub/internal/util"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: klinehub <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  query     Run a full series query (backfill, gap fill, read)\n")
	fmt.Fprintf(os.Stderr, "  gaps      Scan a range for missing bars without ingesting\n")
	fmt.Fprintf(os.Stderr, "  backfill  Ingest archive periods for a range\n")
	fmt.Fprintf(os.Stderr, "  symbols   Manage the symbol registry\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "query":
		err = runQuery(ctx, os.Args[2:])
	case "gaps":
		err = runGaps(ctx, os.Args[2:])
	case "backfill":
		err = runBackfill(ctx, os.Args[2:])
	case "symbols":
		err = runSymbols(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// seriesFlags holds the options shared by the range commands.
type seriesFlags struct {
	cfgPath  string
	symbol   string
	interval string
	market   string
	start    string
	end      string
	jsonOut  bool
}

func (f *seriesFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.cfgPath, "config", os.Getenv("KLINEHUB_CONFIG"), "config file path")
	fs.StringVar(&f.symbol, "symbol", "", "symbol, e.g. BTCUSDT")
	fs.StringVar(&f.interval, "interval", "1h", "interval, e.g. 1m, 1h, 1M")
	fs.StringVar(&f.market, "market", "spot", "market: spot or linear")
	fs.StringVar(&f.start, "start", "", "range start: RFC3339, YYYY-MM-DD, or µs")
	fs.StringVar(&f.end, "end", "", "range end, same formats (default: now)")
	fs.BoolVar(&f.jsonOut, "json", false, "print results as JSON")
}

func (f *seriesFlags) request(fillGaps bool) (ingest.Request, error) {
	iv, err := domain.ParseInterval(f.interval)
	if err != nil {
		return ingest.Request{}, err
	}
	start, err := parseTime(f.start)
	if err != nil {
		return ingest.Request{}, fmt.Errorf("parsing -start: %w", err)
	}
	end := time.Now().UnixMicro()
	if f.end != "" {
		end, err = parseTime(f.end)
		if err != nil {
			return ingest.Request{}, fmt.Errorf("parsing -end: %w", err)
		}
	}
	return ingest.Request{
		Symbol:   f.symbol,
		Interval: iv,
		Market:   domain.Market(f.market),
		Start:    start,
		End:      end,
		FillGaps: fillGaps,
	}, nil
}

// parseTime accepts microseconds since epoch, YYYY-MM-DD, or RFC3339.
func parseTime(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("required")
	}
	if us, err := strconv.ParseInt(s, 10, 64); err == nil {
		return us, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UnixMicro(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("not µs, YYYY-MM-DD, or RFC3339: %q", s)
	}
	return t.UnixMicro(), nil
}

// pipeline bundles everything a range command needs.
type pipeline struct {
	cfg        *config.Config
	gw         gateway.Gateway
	registry   *symbols.SQLiteRegistry
	backfiller *archive.Backfiller
	svc        *ingest.Service
}

func buildPipeline(ctx context.Context, cfgPath string) (*pipeline, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	gw, err := openGateway(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	registry, err := symbols.OpenSQLiteRegistry(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening symbol registry: %w", err)
	}

	n := norm.New(cfg.Norm.MaxRejectFraction)
	backfiller := archive.NewBackfiller(
		exchange.NewArchiveClient(cfg.Exchange.ArchiveBaseURL, cfg.Exchange.Timeout()),
		n, gw, registry, cfg.Backfill.MaxParallel, cfg.Backfill.ArchiveLag(), nil)
	detector := gaps.NewDetector(gw, nil)
	filler := fill.NewFiller(
		exchange.NewRestClient(cfg.Exchange.APIBaseURL, cfg.Exchange.RateLimitPerMin, cfg.Exchange.Timeout()),
		n, gw, cfg.Fill.ChunkSize,
		fill.RetryPolicy{
			MaxAttempts: cfg.Fill.MaxAttempts,
			BaseDelay:   cfg.Fill.BaseDelay(),
			MaxDelay:    cfg.Fill.MaxDelay(),
		})

	return &pipeline{
		cfg:        cfg,
		gw:         gw,
		registry:   registry,
		backfiller: backfiller,
		svc:        ingest.NewService(backfiller, detector, filler, gw, registry),
	}, nil
}

func (p *pipeline) close() {
	p.registry.Close()
}

func openGateway(ctx context.Context, cfg *config.Config) (gateway.Gateway, error) {
	switch cfg.Storage.Backend {
	case "clickhouse":
		return gateway.OpenClickHouse(ctx, gateway.ClickHouseOptions{
			Addr:     cfg.Storage.ClickHouseAddr,
			Database: cfg.Storage.Database,
			Username: cfg.Storage.Username,
			Password: cfg.Storage.Password,
			Table:    cfg.Storage.Table,
		})
	case "parquet":
		return gateway.NewLocal(cfg.Storage.DataDir), nil
	case "memory":
		return gateway.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func runQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	var sf seriesFlags
	sf.register(fs)
	noFill := fs.Bool("no-fill", false, "leave gaps unfilled and report them")
	fs.Parse(args)

	req, err := sf.request(!*noFill)
	if err != nil {
		return err
	}
	p, err := buildPipeline(ctx, sf.cfgPath)
	if err != nil {
		return err
	}
	defer p.close()

	res, err := p.svc.QuerySeries(ctx, req)
	if err != nil {
		return err
	}

	if sf.jsonOut {
		return json.NewEncoder(os.Stdout).Encode(res)
	}
	for _, bar := range res.Bars {
		fmt.Printf("%s  O%-12g H%-12g L%-12g C%-12g V%-14g %s\n",
			time.UnixMicro(bar.OpenTime).UTC().Format(time.RFC3339),
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.Provenance)
	}
	for _, g := range res.Gaps {
		fmt.Printf("GAP  %s .. %s (%d bars)\n",
			time.UnixMicro(g.FirstMissing).UTC().Format(time.RFC3339),
			time.UnixMicro(g.LastMissing).UTC().Format(time.RFC3339),
			g.ExpectedCount)
	}
	for _, warning := range res.Warnings {
		fmt.Printf("WARN %s\n", warning)
	}
	fmt.Printf("%d bars, %d gaps\n", len(res.Bars), len(res.Gaps))
	return nil
}

func runGaps(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("gaps", flag.ExitOnError)
	var sf seriesFlags
	sf.register(fs)
	fs.Parse(args)

	req, err := sf.request(false)
	if err != nil {
		return err
	}
	p, err := buildPipeline(ctx, sf.cfgPath)
	if err != nil {
		return err
	}
	defer p.close()

	found, err := p.svc.DetectGaps(ctx, req)
	if err != nil {
		return err
	}

	if sf.jsonOut {
		return json.NewEncoder(os.Stdout).Encode(found)
	}
	for _, g := range found {
		fmt.Printf("GAP  %s .. %s (%d bars)\n",
			time.UnixMicro(g.FirstMissing).UTC().Format(time.RFC3339),
			time.UnixMicro(g.LastMissing).UTC().Format(time.RFC3339),
			g.ExpectedCount)
	}
	fmt.Printf("%d gaps\n", len(found))
	return nil
}

func runBackfill(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	var sf seriesFlags
	sf.register(fs)
	fs.Parse(args)

	req, err := sf.request(false)
	if err != nil {
		return err
	}
	p, err := buildPipeline(ctx, sf.cfgPath)
	if err != nil {
		return err
	}
	defer p.close()

	if !p.registry.IsSupported(req.Symbol, req.Market) {
		return fmt.Errorf("symbol %s not listed on market %s (add it with: klinehub symbols add)", req.Symbol, req.Market)
	}
	return p.backfiller.Backfill(ctx, req.Key(), req.Start, req.End)
}

func runSymbols(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: klinehub symbols <add|list> [options]")
	}

	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("symbols add", flag.ExitOnError)
		cfgPath := fs.String("config", os.Getenv("KLINEHUB_CONFIG"), "config file path")
		symbol := fs.String("symbol", "", "symbol, e.g. BTCUSDT")
		market := fs.String("market", "spot", "market: spot or linear")
		listed := fs.String("listed", "", "listing time: RFC3339, YYYY-MM-DD, or µs (default: beginning of time)")
		fs.Parse(args[1:])

		var listedAt int64
		if *listed != "" {
			var err error
			listedAt, err = parseTime(*listed)
			if err != nil {
				return fmt.Errorf("parsing -listed: %w", err)
			}
		}
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		registry, err := symbols.OpenSQLiteRegistry(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening symbol registry: %w", err)
		}
		defer registry.Close()

		entry := symbols.Entry{Symbol: *symbol, Market: domain.Market(*market), ListedAt: listedAt}
		key := domain.SeriesKey{Symbol: entry.Symbol, Interval: domain.Interval1h, Market: entry.Market}
		if err := key.Validate(); err != nil {
			return err
		}
		if err := registry.Add(ctx, entry); err != nil {
			return err
		}
		fmt.Printf("added %s/%s\n", entry.Symbol, entry.Market)
		return nil

	case "list":
		fs := flag.NewFlagSet("symbols list", flag.ExitOnError)
		cfgPath := fs.String("config", os.Getenv("KLINEHUB_CONFIG"), "config file path")
		fs.Parse(args[1:])

		cfg, err := config.Load(*cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		registry, err := symbols.OpenSQLiteRegistry(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening symbol registry: %w", err)
		}
		defer registry.Close()

		for _, e := range registry.List() {
			listed := "-"
			if e.ListedAt > 0 {
				listed = time.UnixMicro(e.ListedAt).UTC().Format(time.RFC3339)
			}
			fmt.Printf("%-14s %-7s listed %s\n", e.Symbol, e.Market, listed)
		}
		return nil

	default:
		return fmt.Errorf("unknown symbols subcommand: %s", args[0])
	}
}
