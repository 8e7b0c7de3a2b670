// Package api implements the user-facing operations: managing monitored
// items, preferences, and the admin surface. Transport front-ends (bot,
// CLI) call into this layer.
package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kure29/vpsmonitor/internal/catalog"
	"github.com/kure29/vpsmonitor/internal/clock"
	"github.com/kure29/vpsmonitor/internal/config"
	"github.com/kure29/vpsmonitor/internal/store"
)

var (
	ErrBanned        = errors.New("api: user is banned")
	ErrForbidden     = errors.New("api: not allowed")
	ErrQuotaExceeded = errors.New("api: daily add limit reached")
)

// Checker triggers an immediate check. *scheduler.Scheduler implements it.
type Checker interface {
	CheckOnce(ctx context.Context, id int64) (store.Item, error)
}

const listPageSize = 10

// Service wires the store and scheduler behind the user operations.
type Service struct {
	store   *store.Store
	checker Checker
	cfg     config.Config
	clk     clock.Clock
	log     *zap.Logger
}

// New builds the service. checker may be nil when on-demand checks are not
// available (e.g. management CLI against a stopped monitor).
func New(st *store.Store, checker Checker, cfg config.Config, clk clock.Clock, log *zap.Logger) *Service {
	return &Service{store: st, checker: checker, cfg: cfg, clk: clk, log: log}
}

// AddItem registers a URL for monitoring on behalf of userID. Admins may
// mark the item global so every subscriber sees it.
func (s *Service) AddItem(ctx context.Context, userID, rawURL, name string, global bool) (store.Item, error) {
	u, err := s.store.EnsureUser(ctx, userID, s.clk.Now())
	if err != nil {
		return store.Item{}, err
	}
	if u.IsBanned {
		return store.Item{}, ErrBanned
	}

	canonical, err := catalog.Canonicalize(rawURL)
	if err != nil {
		return store.Item{}, err
	}
	host := catalog.Host(canonical)

	// Admins are exempt from the daily add quota. The counter is consumed
	// only once the insert succeeds, so a rejected duplicate does not burn
	// a slot.
	if !s.isAdmin(u) {
		count, resetAt := dailyAdded(u, s.clk.Now())
		if count >= s.cfg.DailyAddLimit {
			return store.Item{}, fmt.Errorf("%w (resets %s)",
				ErrQuotaExceeded, resetAt.UTC().Format("15:04 MST"))
		}
	}

	if name == "" {
		name = defaultName(canonical, host)
	}
	it := store.Item{
		OwnerID:   userID,
		IsGlobal:  global && s.isAdmin(u),
		Name:      name,
		URL:       canonical,
		VendorTag: catalog.VendorTag(host),
		Enabled:   true,
		CreatedAt: s.clk.Now(),
	}
	id, err := s.store.InsertItem(ctx, it)
	if err != nil {
		return store.Item{}, err
	}
	if !s.isAdmin(u) {
		if _, err := s.store.IncrementDailyAdded(ctx, userID, s.clk.Now()); err != nil {
			s.log.Warn("bump daily add counter", zap.Error(err))
		}
	}
	s.log.Info("item added",
		zap.Int64("item_id", id),
		zap.String("owner", userID),
		zap.String("url", canonical),
		zap.String("vendor", it.VendorTag))
	return s.store.GetItem(ctx, id)
}

// RemoveItem deletes an item. Only the owner or an admin may remove it.
func (s *Service) RemoveItem(ctx context.Context, userID string, itemID int64) error {
	it, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, userID, it); err != nil {
		return err
	}
	if err := s.store.DeleteItem(ctx, itemID); err != nil {
		return err
	}
	s.log.Info("item removed", zap.Int64("item_id", itemID), zap.String("by", userID))
	return nil
}

// ListItems returns one page of the user's items (their own plus globals).
func (s *Service) ListItems(ctx context.Context, userID string, page int) ([]store.Item, error) {
	if page < 0 {
		page = 0
	}
	return s.store.ListItems(ctx, userID, listPageSize, page*listPageSize)
}

// SetUserPrefs validates and stores notification preferences.
func (s *Service) SetUserPrefs(ctx context.Context, userID string, prefs store.User) (store.User, error) {
	u, err := s.store.EnsureUser(ctx, userID, s.clk.Now())
	if err != nil {
		return store.User{}, err
	}
	if u.IsBanned {
		return store.User{}, ErrBanned
	}
	if prefs.QuietHoursStart < 0 || prefs.QuietHoursStart > 23 ||
		prefs.QuietHoursEnd < 0 || prefs.QuietHoursEnd > 23 {
		return store.User{}, fmt.Errorf("quiet hours must be 0-23")
	}
	if prefs.CooldownSeconds < 0 || prefs.DailyNotifyLimit < 1 {
		return store.User{}, fmt.Errorf("cooldown must be >= 0 and daily limit >= 1")
	}

	u.CooldownSeconds = prefs.CooldownSeconds
	u.DailyNotifyLimit = prefs.DailyNotifyLimit
	u.QuietHoursStart = prefs.QuietHoursStart
	u.QuietHoursEnd = prefs.QuietHoursEnd
	u.NotificationsEnabled = prefs.NotificationsEnabled
	if err := s.store.SetUserPrefs(ctx, u); err != nil {
		return store.User{}, err
	}
	return s.store.GetUser(ctx, userID)
}

// CheckNow runs an immediate check of the item, for the owner or an admin.
func (s *Service) CheckNow(ctx context.Context, userID string, itemID int64) (store.Item, error) {
	if s.checker == nil {
		return store.Item{}, fmt.Errorf("on-demand checks unavailable")
	}
	it, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return store.Item{}, err
	}
	if err := s.authorize(ctx, userID, it); err != nil {
		return store.Item{}, err
	}
	return s.checker.CheckOnce(ctx, itemID)
}

// History returns the item's recent checks for the owner or an admin.
func (s *Service) History(ctx context.Context, userID string, itemID int64, n int) ([]store.CheckRecord, error) {
	it, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, userID, it); err != nil {
		return nil, err
	}
	if n <= 0 || n > 100 {
		n = 20
	}
	return s.store.RecentHistory(ctx, itemID, n)
}

// AdminListAll returns every item. Admin only.
func (s *Service) AdminListAll(ctx context.Context, adminID string) ([]store.Item, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.store.ListAllItems(ctx)
}

// AdminBan bans or unbans a user. Admin only.
func (s *Service) AdminBan(ctx context.Context, adminID, targetID string, banned bool) error {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	if adminID == targetID {
		return fmt.Errorf("admins cannot ban themselves")
	}
	if _, err := s.store.EnsureUser(ctx, targetID, s.clk.Now()); err != nil {
		return err
	}
	if err := s.store.SetUserBanned(ctx, targetID, banned); err != nil {
		return err
	}
	s.log.Info("user ban updated",
		zap.String("target", targetID),
		zap.Bool("banned", banned),
		zap.String("by", adminID))
	return nil
}

// AdminSetItemEnabled enables or disables any item. Admin only.
func (s *Service) AdminSetItemEnabled(ctx context.Context, adminID string, itemID int64, enabled bool) error {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	return s.store.SetItemEnabled(ctx, itemID, enabled)
}

// AdminStats returns the counters snapshot. Admin only.
func (s *Service) AdminStats(ctx context.Context, adminID string) (store.Stats, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return store.Stats{}, err
	}
	return s.store.Stats(ctx, s.clk.Now())
}

func (s *Service) authorize(ctx context.Context, userID string, it store.Item) error {
	if it.OwnerID == userID {
		return nil
	}
	return s.requireAdmin(ctx, userID)
}

func (s *Service) requireAdmin(ctx context.Context, userID string) error {
	if s.cfg.IsAdmin(userID) {
		return nil
	}
	u, err := s.store.GetUser(ctx, userID)
	if err == nil && u.IsAdmin && !u.IsBanned {
		return nil
	}
	return ErrForbidden
}

func (s *Service) isAdmin(u store.User) bool {
	return s.cfg.IsAdmin(u.ID) || u.IsAdmin
}

// dailyAdded returns the adds consumed in the user's current 24 h window
// and when that window resets.
func dailyAdded(u store.User, now time.Time) (int, time.Time) {
	if u.DailyWindowStart == nil || now.Sub(*u.DailyWindowStart) >= 24*time.Hour {
		return 0, now.Add(24 * time.Hour)
	}
	return u.DailyAddedCount, u.DailyWindowStart.Add(24 * time.Hour)
}

func defaultName(canonical, host string) string {
	path := strings.TrimPrefix(canonical, "https://")
	path = strings.TrimPrefix(path, "http://")
	path = strings.TrimPrefix(path, host)
	path = strings.Trim(path, "/")
	if path == "" {
		return host
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	if len(path) > 40 {
		path = path[:40]
	}
	return fmt.Sprintf("%s %s", host, path)
}
