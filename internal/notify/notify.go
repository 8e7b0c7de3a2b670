// Package notify batches state-change events and delivers them to
// subscribers, enforcing per-recipient cooldowns, daily quotas and quiet
// hours.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kure29/vpsmonitor/internal/clock"
	"github.com/kure29/vpsmonitor/internal/observability"
	"github.com/kure29/vpsmonitor/internal/store"
)

// Event kinds beyond the stock transitions.
const (
	KindRestock     = "restock"
	KindOutage      = "outage"
	KindAdminHealth = "admin_health"
)

// Event is one notifiable occurrence.
type Event struct {
	ItemID     int64
	OwnerID    string
	ItemName   string
	URL        string
	Kind       string
	Confidence float64
	Evidence   string
	At         time.Time
}

// Recipient is one delivery target with its gating preferences.
type Recipient struct {
	ID              string
	Admin           bool
	Cooldown        time.Duration
	DailyLimit      int
	QuietHoursStart int
	QuietHoursEnd   int
	Enabled         bool
}

// Sink delivers rendered messages.
type Sink interface {
	SendText(ctx context.Context, recipientID, text string) error
}

// Ledger records deliveries and answers gating queries. *store.Store
// implements it.
type Ledger interface {
	AppendNotification(ctx context.Context, rec store.NotificationRecord) error
	LastNotified(ctx context.Context, itemID int64, recipientID string) (*time.Time, error)
	CountNotificationsSince(ctx context.Context, recipientID string, since time.Time) (int, error)
}

// Resolver maps an event to its delivery targets.
type Resolver interface {
	RecipientsFor(ctx context.Context, ev Event) ([]Recipient, error)
}

// delivery is one event pinned to one recipient, kept across flushes when
// a gate defers it instead of dropping it.
type delivery struct {
	ev   Event
	rcpt Recipient
}

// Aggregator collects events and flushes them once per aggregation window,
// folding admin health events and per-admin restocks into digests.
type Aggregator struct {
	sink     Sink
	ledger   Ledger
	resolver Resolver
	clk      clock.Clock
	log      *zap.Logger

	interval        time.Duration
	staleAfter      time.Duration
	deliveryTimeout time.Duration

	events   chan Event
	pending  []Event
	deferred []delivery
}

// NewAggregator builds an aggregator flushing every interval. Events older
// than staleAfter at flush time are dropped, not delivered late.
func NewAggregator(sink Sink, ledger Ledger, resolver Resolver, clk clock.Clock,
	interval, staleAfter, deliveryTimeout time.Duration, log *zap.Logger) *Aggregator {
	return &Aggregator{
		sink:            sink,
		ledger:          ledger,
		resolver:        resolver,
		clk:             clk,
		log:             log,
		interval:        interval,
		staleAfter:      staleAfter,
		deliveryTimeout: deliveryTimeout,
		events:          make(chan Event, 256),
	}
}

// Publish queues an event for the next flush. Publishing never blocks the
// scheduler; a full queue drops the event with a warning.
func (a *Aggregator) Publish(ev Event) {
	select {
	case a.events <- ev:
	default:
		observability.NotificationsSkipped.WithLabelValues("queue_full").Inc()
		a.log.Warn("notification queue full, dropping event",
			zap.Int64("item_id", ev.ItemID), zap.String("kind", ev.Kind))
	}
}

// Run flushes the queue once per aggregation window until ctx is done. A
// final flush delivers anything still pending at shutdown.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := a.clk.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-a.events:
			a.pending = append(a.pending, ev)
		case <-ticker.C:
			a.drainQueue()
			a.flush(ctx, false)
		case <-ctx.Done():
			a.drainQueue()
			a.flush(context.WithoutCancel(ctx), true)
			return ctx.Err()
		}
	}
}

func (a *Aggregator) drainQueue() {
	for {
		select {
		case ev := <-a.events:
			a.pending = append(a.pending, ev)
		default:
			return
		}
	}
}

// flush delivers ripe events. Fresh events are held for one cycle so
// siblings can batch; a final flush drains everything.
func (a *Aggregator) flush(ctx context.Context, final bool) {
	if len(a.pending) == 0 && len(a.deferred) == 0 {
		return
	}
	now := a.clk.Now()

	var batch []Event
	if final {
		batch, a.pending = a.pending, nil
	} else {
		var young []Event
		for _, ev := range a.pending {
			if now.Sub(ev.At) >= a.interval/2 {
				batch = append(batch, ev)
			} else {
				young = append(young, ev)
			}
		}
		a.pending = young
	}

	carried := a.deferred
	a.deferred = nil

	var health []Event
	digests := make(map[string][]Event)
	admins := make(map[string]Recipient)

	for _, ev := range batch {
		if ev.Kind == KindAdminHealth {
			health = append(health, ev)
			continue
		}
		a.deliver(ctx, ev, digests, admins)
	}
	for _, d := range carried {
		a.attempt(ctx, d.ev, d.rcpt, digests, admins)
	}
	if len(health) > 0 {
		a.deliverHealth(ctx, health)
	}
	for id, events := range digests {
		a.sendRestockDigest(ctx, admins[id], events)
	}
}

// deliver fans one event out to its recipients. Admin recipients accumulate
// into a per-admin digest; everyone else gets an individual message.
func (a *Aggregator) deliver(ctx context.Context, ev Event, digests map[string][]Event, admins map[string]Recipient) {
	recipients, err := a.resolver.RecipientsFor(ctx, ev)
	if err != nil {
		a.log.Error("resolve recipients", zap.Int64("item_id", ev.ItemID), zap.Error(err))
		return
	}
	for _, rcpt := range recipients {
		a.attempt(ctx, ev, rcpt, digests, admins)
	}
}

// attempt applies the gates for one recipient, then sends, defers, or drops.
func (a *Aggregator) attempt(ctx context.Context, ev Event, rcpt Recipient, digests map[string][]Event, admins map[string]Recipient) {
	now := a.clk.Now()
	switch reason := a.gate(ctx, ev, rcpt, now); reason {
	case "":
	case "quiet_hours":
		// Deferred, not dropped: the event waits for the recipient's
		// window to open, or goes stale trying.
		observability.NotificationsSkipped.WithLabelValues(reason).Inc()
		a.deferred = append(a.deferred, delivery{ev: ev, rcpt: rcpt})
		return
	case "stale":
		// Stale drops are ledgered so the admin stats show them.
		observability.NotificationsSkipped.WithLabelValues(reason).Inc()
		a.appendLedger(ctx, ev, rcpt.ID, "skipped_stale", now)
		return
	default:
		observability.NotificationsSkipped.WithLabelValues(reason).Inc()
		return
	}

	if rcpt.Admin {
		admins[rcpt.ID] = rcpt
		digests[rcpt.ID] = append(digests[rcpt.ID], ev)
		return
	}
	if err := a.send(ctx, rcpt.ID, renderEvent(ev)); err != nil {
		observability.NotificationsSkipped.WithLabelValues("delivery_failed").Inc()
		a.log.Error("notification delivery failed",
			zap.String("recipient", rcpt.ID),
			zap.Int64("item_id", ev.ItemID),
			zap.Error(err))
		return
	}
	observability.NotificationsSent.WithLabelValues(ev.Kind).Inc()
	a.appendLedger(ctx, ev, rcpt.ID, ev.Kind, now)
}

// deliverHealth folds the window's health events into one digest per
// recipient, normally the admins.
func (a *Aggregator) deliverHealth(ctx context.Context, health []Event) {
	now := a.clk.Now()
	lead := health[0]
	recipients, err := a.resolver.RecipientsFor(ctx, lead)
	if err != nil {
		a.log.Error("resolve recipients", zap.Error(err))
		return
	}
	text := renderHealthDigest(health)
	for _, rcpt := range recipients {
		if reason := a.gate(ctx, lead, rcpt, now); reason != "" {
			observability.NotificationsSkipped.WithLabelValues(reason).Inc()
			continue
		}
		if err := a.send(ctx, rcpt.ID, text); err != nil {
			observability.NotificationsSkipped.WithLabelValues("delivery_failed").Inc()
			a.log.Error("health digest delivery failed",
				zap.String("recipient", rcpt.ID), zap.Error(err))
			continue
		}
		observability.NotificationsSent.WithLabelValues(KindAdminHealth).Inc()
		a.appendLedger(ctx, lead, rcpt.ID, KindAdminHealth, now)
	}
}

func (a *Aggregator) sendRestockDigest(ctx context.Context, rcpt Recipient, events []Event) {
	if err := a.send(ctx, rcpt.ID, renderRestockDigest(events)); err != nil {
		observability.NotificationsSkipped.WithLabelValues("delivery_failed").Inc()
		a.log.Error("restock digest delivery failed",
			zap.String("recipient", rcpt.ID), zap.Error(err))
		return
	}
	now := a.clk.Now()
	for _, ev := range events {
		observability.NotificationsSent.WithLabelValues(ev.Kind).Inc()
		a.appendLedger(ctx, ev, rcpt.ID, "admin_summary", now)
	}
}

func (a *Aggregator) gate(ctx context.Context, ev Event, rcpt Recipient, now time.Time) string {
	if !rcpt.Enabled {
		return "disabled"
	}
	if now.Sub(ev.At) > a.staleAfter {
		return "stale"
	}
	// Admins always hear about restocks and monitor health; only staleness
	// and the master switch apply to them.
	if rcpt.Admin {
		return ""
	}
	if inQuietHours(now.Hour(), rcpt.QuietHoursStart, rcpt.QuietHoursEnd) {
		return "quiet_hours"
	}
	if rcpt.Cooldown > 0 {
		last, err := a.ledger.LastNotified(ctx, ev.ItemID, rcpt.ID)
		if err != nil {
			a.log.Error("ledger lookup", zap.Error(err))
			return "ledger_error"
		}
		if last != nil && now.Sub(*last) < rcpt.Cooldown {
			return "cooldown"
		}
	}
	if rcpt.DailyLimit > 0 {
		n, err := a.ledger.CountNotificationsSince(ctx, rcpt.ID, now.Add(-24*time.Hour))
		if err != nil {
			a.log.Error("ledger lookup", zap.Error(err))
			return "ledger_error"
		}
		if n >= rcpt.DailyLimit {
			return "daily_limit"
		}
	}
	return ""
}

func (a *Aggregator) send(ctx context.Context, recipientID, text string) error {
	op := func() error {
		sctx, cancel := context.WithTimeout(ctx, a.deliveryTimeout)
		defer cancel()
		return a.sink.SendText(sctx, recipientID, text)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(op, policy)
}

func (a *Aggregator) appendLedger(ctx context.Context, ev Event, recipientID, kind string, now time.Time) {
	err := a.ledger.AppendNotification(ctx, store.NotificationRecord{
		ItemID:      ev.ItemID,
		RecipientID: recipientID,
		SentAt:      now,
		Kind:        kind,
	})
	if err != nil {
		a.log.Error("append notification ledger", zap.Error(err))
	}
}

// inQuietHours reports whether hour falls in [start, end), handling windows
// that cross midnight. start == end disables the window.
func inQuietHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

const digestMaxItems = 5

func renderEvent(ev Event) string {
	switch ev.Kind {
	case KindRestock:
		return fmt.Sprintf("🎉 Restock: %s\n%s\nConfidence %.0f%%", ev.ItemName, ev.URL, ev.Confidence*100)
	case KindOutage:
		return fmt.Sprintf("📦 Out of stock: %s\n%s", ev.ItemName, ev.URL)
	default:
		return fmt.Sprintf("%s: %s\n%s", ev.Kind, ev.ItemName, ev.URL)
	}
}

func renderHealthDigest(health []Event) string {
	text := fmt.Sprintf("⚠️ Monitor health: %d item(s) failing\n", len(health))
	for i, ev := range health {
		if i == digestMaxItems {
			text += fmt.Sprintf("…and %d more", len(health)-digestMaxItems)
			break
		}
		text += fmt.Sprintf("- %s: %s\n", ev.ItemName, ev.Evidence)
	}
	return text
}

func renderRestockDigest(events []Event) string {
	text := fmt.Sprintf("🎉 %d restock(s):\n", len(events))
	for i, ev := range events {
		if i == digestMaxItems {
			text += fmt.Sprintf("…and %d more", len(events)-digestMaxItems)
			break
		}
		text += fmt.Sprintf("- %s %s\n", ev.ItemName, ev.URL)
	}
	return text
}
