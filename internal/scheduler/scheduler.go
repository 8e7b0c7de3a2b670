// Package scheduler paces item checks: it keeps every enabled item polled
// once per interval while never running two checks against the same host,
// or the same item, at once.
package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kure29/vpsmonitor/internal/catalog"
	"github.com/kure29/vpsmonitor/internal/clock"
	"github.com/kure29/vpsmonitor/internal/config"
	"github.com/kure29/vpsmonitor/internal/detector"
	"github.com/kure29/vpsmonitor/internal/fetch"
	"github.com/kure29/vpsmonitor/internal/notify"
	"github.com/kure29/vpsmonitor/internal/observability"
	"github.com/kure29/vpsmonitor/internal/store"
	"github.com/kure29/vpsmonitor/internal/transition"
)

// Store is the slice of the persistence layer the scheduler uses.
type Store interface {
	ListDueItems(ctx context.Context, cutoff time.Time, limit int) ([]store.Item, error)
	GetItem(ctx context.Context, id int64) (store.Item, error)
	RecentHistory(ctx context.Context, itemID int64, n int) ([]store.CheckRecord, error)
	RecordCheck(ctx context.Context, rec store.CheckRecord, newStatus store.ItemStatus) (int, error)
	SetItemEnabled(ctx context.Context, id int64, enabled bool) error
	SetItemEndpoint(ctx context.Context, id int64, endpoint string) error
}

// Fetcher retrieves pages. *fetch.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string, render bool) (fetch.Result, string, error)
}

// Analyzer turns a fetched page into a fused verdict.
type Analyzer interface {
	Analyze(ctx context.Context, in detector.Input) detector.Fused
}

// Publisher accepts notification events. *notify.Aggregator implements it.
type Publisher interface {
	Publish(ev notify.Event)
}

// RunnerAnalyzer adapts a detector.Runner plus fusion parameters.
type RunnerAnalyzer struct {
	Runner    *detector.Runner
	Weights   detector.Weights
	Threshold float64
}

func (a RunnerAnalyzer) Analyze(ctx context.Context, in detector.Input) detector.Fused {
	return detector.Fuse(in, a.Runner.Run(ctx, in), a.Weights, a.Threshold)
}

const dispatchBatch = 64

// Scheduler drives the poll loop.
type Scheduler struct {
	store    Store
	fetcher  Fetcher
	analyzer Analyzer
	eval     transition.Evaluator
	pub      Publisher
	clk      clock.Clock
	log      *zap.Logger
	cfg      config.Config

	mu         sync.Mutex
	inflight   map[int64]bool
	hostBusy   map[string]bool
	deferUntil map[int64]time.Time
	earlyAt    map[int64]time.Time
	attempts   map[int64]int
}

// New builds a scheduler.
func New(cfg config.Config, st Store, fetcher Fetcher, analyzer Analyzer,
	pub Publisher, clk clock.Clock, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:      st,
		fetcher:    fetcher,
		analyzer:   analyzer,
		eval:       transition.Evaluator{Threshold: cfg.ConfidenceThreshold},
		pub:        pub,
		clk:        clk,
		log:        log,
		cfg:        cfg,
		inflight:   make(map[int64]bool),
		hostBusy:   make(map[string]bool),
		deferUntil: make(map[int64]time.Time),
		earlyAt:    make(map[int64]time.Time),
		attempts:   make(map[int64]int),
	}
}

// Run polls until ctx is done. At boot every enabled item is flagged for an
// immediate sweep; after that the due query paces the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.startupSweep(ctx)

	work := make(chan store.Item)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range work {
				s.runCheck(ctx, it)
				s.release(it)
			}
		}()
	}

	ticker := s.clk.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, work)
		}
	}
}

const sweepLimit = 10000

// startupSweep flags every enabled item for an immediate check so a restart
// never leaves the fleet waiting out a full interval.
func (s *Scheduler) startupSweep(ctx context.Context) {
	items, err := s.store.ListDueItems(ctx, s.clk.Now(), sweepLimit)
	if err != nil {
		s.log.Error("startup sweep", zap.Error(err))
		return
	}
	now := s.clk.Now()
	s.mu.Lock()
	for _, it := range items {
		s.earlyAt[it.ID] = now
	}
	s.mu.Unlock()
	s.log.Info("startup sweep queued", zap.Int("items", len(items)))
}

// tick selects dispatchable items and hands them to the workers without
// blocking the loop.
func (s *Scheduler) tick(ctx context.Context, work chan<- store.Item) {
	start := s.clk.Now()
	defer func() {
		observability.SchedulerLoopDuration.Observe(s.clk.Since(start).Seconds())
	}()

	cutoff := start.Add(-s.cfg.CheckInterval())
	due, err := s.store.ListDueItems(ctx, cutoff, dispatchBatch)
	if err != nil {
		s.log.Error("list due items", zap.Error(err))
		return
	}
	observability.DueItems.Set(float64(len(due)))

	due = append(due, s.earlyItems(ctx, start)...)

	for _, it := range due {
		if !s.claim(it, start) {
			continue
		}
		select {
		case work <- it:
		default:
			// All workers busy; the item stays due for the next tick.
			s.release(it)
			return
		}
	}
}

// earlyItems returns items flagged for an early recheck whose time arrived.
func (s *Scheduler) earlyItems(ctx context.Context, now time.Time) []store.Item {
	s.mu.Lock()
	var ready []int64
	for id, at := range s.earlyAt {
		if !now.Before(at) {
			ready = append(ready, id)
			delete(s.earlyAt, id)
		}
	}
	s.mu.Unlock()

	var out []store.Item
	for _, id := range ready {
		it, err := s.store.GetItem(ctx, id)
		if err != nil || !it.Enabled {
			continue
		}
		out = append(out, it)
	}
	return out
}

// claim marks the item and its host in flight. It fails when the item is
// already running, deferred, or its host has a check in progress.
func (s *Scheduler) claim(it store.Item, now time.Time) bool {
	host := catalog.Host(it.URL)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[it.ID] {
		return false
	}
	if until, ok := s.deferUntil[it.ID]; ok {
		if now.Before(until) {
			return false
		}
		delete(s.deferUntil, it.ID)
	}
	if s.hostBusy[host] {
		observability.HostDeferrals.Inc()
		return false
	}
	s.inflight[it.ID] = true
	s.hostBusy[host] = true
	return true
}

func (s *Scheduler) release(it store.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, it.ID)
	delete(s.hostBusy, catalog.Host(it.URL))
}

// runCheck performs one full check of an item. Every check gets a
// correlation id so its log lines can be grepped together.
func (s *Scheduler) runCheck(ctx context.Context, it store.Item) {
	log := s.log.With(
		zap.String("check_id", uuid.NewString()),
		zap.Int64("item_id", it.ID))

	start := s.clk.Now()
	res, rendered, err := s.fetcher.Fetch(ctx, it.URL, s.cfg.EnableRender)
	if err != nil {
		s.handleFetchError(ctx, it, err, log)
		return
	}

	s.mu.Lock()
	delete(s.attempts, it.ID)
	s.mu.Unlock()

	in := detector.Input{
		URL:               it.URL,
		Host:              catalog.Host(it.URL),
		VendorTag:         it.VendorTag,
		RawBody:           string(res.Body),
		RenderedBody:      rendered,
		HTTPStatus:        res.HTTPStatus,
		StoredFingerprint: it.FingerprintHash,
		KnownEndpoint:     it.APIEndpoint,
		PrevStatus:        string(it.LastStatus),
	}
	fused := s.analyzer.Analyze(ctx, in)

	history, err := s.store.RecentHistory(ctx, it.ID, 2)
	if err != nil {
		log.Error("recent history", zap.Error(err))
	}
	decision := s.eval.Evaluate(it.LastStatus, fused.Verdict, fused.Confidence, history)

	rec := store.CheckRecord{
		ItemID:          it.ID,
		CheckTime:       s.clk.Now(),
		Verdict:         string(fused.Verdict),
		Confidence:      fused.Confidence,
		Detectors:       fused.Evidence,
		HTTPStatus:      res.HTTPStatus,
		LatencyMS:       res.Latency.Milliseconds(),
		FingerprintHash: fused.Fingerprint,
	}
	if _, err := s.store.RecordCheck(ctx, rec, decision.Status); err != nil {
		log.Error("record check", zap.Error(err))
		return
	}
	observability.ChecksTotal.WithLabelValues(string(fused.Verdict)).Inc()
	observability.CheckDuration.Observe(s.clk.Since(start).Seconds())

	if fused.Endpoint != "" && fused.Endpoint != it.APIEndpoint {
		if err := s.store.SetItemEndpoint(ctx, it.ID, fused.Endpoint); err != nil {
			log.Warn("memoise endpoint", zap.Error(err))
		}
	}
	if decision.Status != it.LastStatus {
		observability.Transitions.WithLabelValues(
			string(it.LastStatus), string(decision.Status)).Inc()
		log.Info("status transition",
			zap.String("name", it.Name),
			zap.String("from", string(it.LastStatus)),
			zap.String("to", string(decision.Status)),
			zap.Float64("confidence", fused.Confidence))
	}
	s.emit(it, decision, fused)

	if decision.RecheckSooner {
		s.mu.Lock()
		s.earlyAt[it.ID] = s.clk.Now().Add(s.cfg.RetryDelay())
		s.mu.Unlock()
	}
}

func (s *Scheduler) emit(it store.Item, decision transition.Decision, fused detector.Fused) {
	var kind string
	switch decision.Event {
	case transition.EventRestock:
		kind = notify.KindRestock
	case transition.EventOutage:
		kind = notify.KindOutage
	default:
		return
	}
	s.pub.Publish(notify.Event{
		ItemID:     it.ID,
		OwnerID:    it.OwnerID,
		ItemName:   it.Name,
		URL:        it.URL,
		Kind:       kind,
		Confidence: fused.Confidence,
		Evidence:   fused.Evidence,
		At:         s.clk.Now(),
	})
}

// handleFetchError retries transient failures silently; only an exhausted
// retry budget, a block, or a hard failure becomes an error record.
func (s *Scheduler) handleFetchError(ctx context.Context, it store.Item, err error, log *zap.Logger) {
	kind := fetch.KindOf(err)
	now := s.clk.Now()

	if kind.Transient() {
		s.mu.Lock()
		s.attempts[it.ID]++
		n := s.attempts[it.ID]
		if n <= s.cfg.MaxRetries {
			delay := retryBackoff(s.cfg.RetryDelay(), n)
			s.deferUntil[it.ID] = now.Add(delay)
			s.mu.Unlock()
			log.Debug("transient fetch failure, will retry",
				zap.String("kind", string(kind)),
				zap.Int("attempt", n),
				zap.Duration("delay", delay))
			return
		}
		delete(s.attempts, it.ID)
		s.mu.Unlock()
	}

	if kind == fetch.KindBlocked {
		s.mu.Lock()
		s.deferUntil[it.ID] = now.Add(s.cfg.BlockedBackoff())
		s.mu.Unlock()
		log.Warn("host blocked the check, backing off",
			zap.String("url", it.URL))
	}

	rec := store.CheckRecord{
		ItemID:       it.ID,
		CheckTime:    now,
		Verdict:      "error",
		ErrorKind:    string(kind),
		ErrorMessage: err.Error(),
	}
	consec, rerr := s.store.RecordCheck(ctx, rec, store.StatusError)
	if rerr != nil {
		log.Error("record check error", zap.Error(rerr))
		return
	}
	observability.ChecksTotal.WithLabelValues("error").Inc()

	if consec >= s.cfg.ErrorThreshold {
		if derr := s.store.SetItemEnabled(ctx, it.ID, false); derr != nil {
			log.Error("auto-disable item", zap.Error(derr))
			return
		}
		observability.ItemsAutoDisabled.Inc()
		log.Warn("item auto-disabled after repeated errors",
			zap.String("name", it.Name),
			zap.Int("consecutive_errors", consec))
		s.pub.Publish(notify.Event{
			ItemID:   it.ID,
			OwnerID:  it.OwnerID,
			ItemName: it.Name,
			URL:      it.URL,
			Kind:     notify.KindAdminHealth,
			Evidence: fmt.Sprintf("disabled after %d consecutive %s errors", consec, kind),
			At:       now,
		})
	}
}

// retryBackoff doubles the base delay with each attempt and spreads
// retries with ±25% jitter.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// CheckOnce runs a single synchronous check of the item, bypassing the due
// queue but still recording the result. Used by the CLI and on-demand
// rechecks.
func (s *Scheduler) CheckOnce(ctx context.Context, id int64) (store.Item, error) {
	it, err := s.store.GetItem(ctx, id)
	if err != nil {
		return store.Item{}, err
	}
	s.mu.Lock()
	delete(s.deferUntil, id)
	s.mu.Unlock()
	if !s.claim(it, s.clk.Now()) {
		return store.Item{}, fmt.Errorf("item %d already being checked", id)
	}
	defer s.release(it)

	s.runCheck(ctx, it)
	return s.store.GetItem(ctx, id)
}
