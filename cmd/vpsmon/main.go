// Command vpsmon runs the VPS stock monitor and its management
// subcommands.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kure29/vpsmonitor/internal/api"
	"github.com/kure29/vpsmonitor/internal/clock"
	"github.com/kure29/vpsmonitor/internal/config"
	"github.com/kure29/vpsmonitor/internal/detector"
	"github.com/kure29/vpsmonitor/internal/fetch"
	"github.com/kure29/vpsmonitor/internal/notify"
	"github.com/kure29/vpsmonitor/internal/observability"
	"github.com/kure29/vpsmonitor/internal/scheduler"
	"github.com/kure29/vpsmonitor/internal/store"
)

const pruneSchedule = "0 3 * * *"
const pruneBatch = 5000

// Events that waited this long are announced to nobody; the moment passed.
const staleAfter = 24 * time.Hour

func main() {
	os.Exit(appMain())
}

// Exit codes: 0 success, 1 invalid usage or config, 2 store open or
// migration failure, 3 fatal runtime error, 130 terminated by signal.
func appMain() int {
	app := kingpin.New("vpsmon", "VPS stock monitor")
	configPath := app.Flag("config", "Path to the YAML configuration file").
		Default("config.yaml").Short('c').String()
	debug := app.Flag("debug", "Enable debug logging").Bool()

	runCmd := app.Command("run", "Run the monitor").Default()

	checkCmd := app.Command("check", "Check one item immediately and print the result")
	checkID := checkCmd.Flag("id", "Item id").Int64()
	checkURL := checkCmd.Flag("url", "Item URL (looked up in the store)").String()

	pruneCmd := app.Command("prune", "Prune old history rows now")
	pruneBefore := pruneCmd.Flag("before", "Prune rows older than this duration (default: retention from config)").Duration()

	configCmd := app.Command("config", "Print the effective configuration")

	addCmd := app.Command("add", "Add an item to monitor")
	addUser := addCmd.Flag("user", "Owner user id").Default("cli").String()
	addURL := addCmd.Arg("url", "Product page URL").Required().String()
	addName := addCmd.Flag("name", "Display name").String()

	listCmd := app.Command("list", "List all monitored items")

	cmd, err := app.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 3
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", zap.Error(err))
		return 1
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		log.Error("open store", zap.Error(err))
		return 2
	}
	defer st.Close()

	switch cmd {
	case runCmd.FullCommand():
		return runMonitor(ctx, cfg, st, log)
	case checkCmd.FullCommand():
		return runCheck(ctx, cfg, st, log, *checkID, *checkURL)
	case pruneCmd.FullCommand():
		if *pruneBefore > 0 {
			cfg.HistoryRetentionDays = int(*pruneBefore / (24 * time.Hour))
			if cfg.HistoryRetentionDays < 1 {
				cfg.HistoryRetentionDays = 1
			}
		}
		return runPrune(ctx, cfg, st, log)
	case configCmd.FullCommand():
		return runConfigDump(cfg)
	case addCmd.FullCommand():
		return runAdd(ctx, cfg, st, log, *addUser, *addURL, *addName)
	case listCmd.FullCommand():
		return runList(ctx, st)
	}
	return 0
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildStack assembles fetcher, detectors and scheduler over an open store.
func buildStack(cfg config.Config, st *store.Store, pub scheduler.Publisher, log *zap.Logger) *scheduler.Scheduler {
	var renderer fetch.Renderer
	if cfg.EnableRender {
		renderer = fetch.NewBrowserPool(cfg.MaxBrowsers)
	}
	client := fetch.NewClient(cfg.FetchTimeout(), cfg.PerHostMinDelay(), renderer, log)

	runner := detector.NewRunner(cfg.DetectorTimeout(),
		detector.KeywordDetector{},
		detector.DOMDetector{},
		detector.APIDetector{Prober: client},
		detector.FingerprintDetector{},
	)
	w := cfg.DetectorWeights.Normalised()
	analyzer := scheduler.RunnerAnalyzer{
		Runner: runner,
		Weights: detector.Weights{
			Keyword:     w.Keyword,
			DOM:         w.DOM,
			API:         w.API,
			Fingerprint: w.Fingerprint,
		},
		Threshold: cfg.ConfidenceThreshold,
	}
	return scheduler.New(cfg, st, client, analyzer, pub, clock.Real(), log)
}

func runMonitor(ctx context.Context, cfg config.Config, st *store.Store, log *zap.Logger) int {
	var sink notify.Sink
	if cfg.BotToken != "" {
		sink = notify.NewTelegramSink(cfg.BotToken)
	} else {
		log.Warn("no bot token configured, notifications go to the log")
		sink = notify.LogSink{Log: log}
	}
	resolver := notify.StoreResolver{
		Users:           st,
		ChannelID:       cfg.ChatID,
		AdminIDs:        cfg.AdminIDs,
		ChannelCooldown: cfg.Cooldown(),
	}
	agg := notify.NewAggregator(sink, st, resolver, clock.Real(),
		cfg.AggregationInterval(), staleAfter, cfg.DeliveryTimeout(), log)

	sched := buildStack(cfg, st, agg, log)

	var g run.Group
	{
		sctx, cancel := context.WithCancel(ctx)
		g.Add(func() error { return sched.Run(sctx) }, func(error) { cancel() })
	}
	{
		actx, cancel := context.WithCancel(ctx)
		g.Add(func() error { return agg.Run(actx) }, func(error) { cancel() })
	}
	{
		c := cron.New()
		_, err := c.AddFunc(pruneSchedule, func() { pruneOnce(ctx, cfg, st, log) })
		if err != nil {
			log.Error("schedule prune", zap.Error(err))
			return 3
		}
		done := make(chan struct{})
		g.Add(func() error {
			c.Start()
			<-done
			return nil
		}, func(error) {
			c.Stop()
			close(done)
		})
	}
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		g.Add(func() error {
			log.Info("metrics listening", zap.String("addr", cfg.MetricsListen))
			return srv.ListenAndServe()
		}, func(error) {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		})
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	log.Info("monitor starting",
		zap.String("db", cfg.DatabasePath),
		zap.Int("workers", cfg.MaxWorkers),
		zap.Duration("check_interval", cfg.CheckInterval()),
		zap.Bool("render", cfg.EnableRender))

	err := g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info("shutting down", zap.String("signal", sig.Signal.String()))
		return 130
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("monitor stopped", zap.Error(err))
		return 3
	}
	return 0
}

func runCheck(ctx context.Context, cfg config.Config, st *store.Store, log *zap.Logger, id int64, url string) int {
	if id == 0 && url == "" {
		fmt.Fprintln(os.Stderr, "one of --id or --url is required")
		return 1
	}
	if id == 0 {
		it, err := st.GetItemByURL(ctx, url)
		if err != nil {
			log.Error("lookup item", zap.String("url", url), zap.Error(err))
			return 3
		}
		id = it.ID
	}

	drop := dropPublisher{}
	sched := buildStack(cfg, st, drop, log)
	it, err := sched.CheckOnce(ctx, id)
	if err != nil {
		log.Error("check failed", zap.Int64("item_id", id), zap.Error(err))
		return 3
	}
	fmt.Printf("%s\t%s\t%s\tconfidence=%.2f\n", it.Name, it.URL, it.LastStatus, it.LastConfidence)
	return 0
}

// dropPublisher swallows events for one-shot checks.
type dropPublisher struct{}

func (dropPublisher) Publish(notify.Event) {}

func runConfigDump(cfg config.Config) int {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 3
	}
	os.Stdout.Write(out)
	return 0
}

func runPrune(ctx context.Context, cfg config.Config, st *store.Store, log *zap.Logger) int {
	if err := pruneOnce(ctx, cfg, st, log); err != nil {
		return 3
	}
	return 0
}

func pruneOnce(ctx context.Context, cfg config.Config, st *store.Store, log *zap.Logger) error {
	before := time.Now().Add(-cfg.HistoryRetention())
	rows, err := st.PruneHistory(ctx, before, cfg.HistoryKeepPerItem, pruneBatch)
	if err != nil {
		log.Error("prune history", zap.Error(err))
		return err
	}
	observability.HistoryPruned.Add(float64(rows))
	ledger, err := st.PruneNotifications(ctx, before)
	if err != nil {
		log.Error("prune notifications", zap.Error(err))
		return err
	}
	log.Info("prune complete", zap.Int64("history_rows", rows), zap.Int64("ledger_rows", ledger))
	return nil
}

func runAdd(ctx context.Context, cfg config.Config, st *store.Store, log *zap.Logger, user, url, name string) int {
	svc := api.New(st, nil, cfg, clock.Real(), log)
	it, err := svc.AddItem(ctx, user, url, name, false)
	if err != nil {
		log.Error("add item", zap.Error(err))
		return 3
	}
	fmt.Printf("added #%d %s (%s)\n", it.ID, it.Name, it.URL)
	return 0
}

func runList(ctx context.Context, st *store.Store) int {
	items, err := st.ListAllItems(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 3
	}
	for _, it := range items {
		state := "enabled"
		if !it.Enabled {
			state = "disabled"
		}
		fmt.Printf("#%d\t%s\t%s\t%s\t%s\n", it.ID, it.Name, it.LastStatus, state, it.URL)
	}
	return 0
}
