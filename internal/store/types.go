package store

import (
	"errors"
	"time"
)

// Sentinel errors returned by store operations.
var (
	ErrNotFound     = errors.New("store: not found")
	ErrDuplicateURL = errors.New("store: url already monitored")
)

// ItemStatus is the persisted stock state of a monitored item.
type ItemStatus string

const (
	StatusUnknown     ItemStatus = "unknown"
	StatusAvailable   ItemStatus = "available"
	StatusUnavailable ItemStatus = "unavailable"
	StatusError       ItemStatus = "error"
)

// Item is one monitored product page.
type Item struct {
	ID                int64      `db:"id"`
	OwnerID           string     `db:"owner_id"`
	IsGlobal          bool       `db:"is_global"`
	Name              string     `db:"name"`
	URL               string     `db:"url"`
	VendorTag         string     `db:"vendor_tag"`
	ConfigText        string     `db:"config_text"`
	Enabled           bool       `db:"enabled"`
	CreatedAt         time.Time  `db:"created_at"`
	LastCheckedAt     *time.Time `db:"last_checked_at"`
	LastStatus        ItemStatus `db:"last_status"`
	LastConfidence    float64    `db:"last_confidence"`
	ConsecutiveErrors int        `db:"consecutive_errors"`
	FingerprintHash   string     `db:"fingerprint_hash"`
	APIEndpoint       string     `db:"api_endpoint"`
	SuccessCount      int64      `db:"success_count"`
	FailureCount      int64      `db:"failure_count"`
}

// CheckRecord is one row of per-item check history.
type CheckRecord struct {
	ID              int64     `db:"id"`
	ItemID          int64     `db:"item_id"`
	CheckTime       time.Time `db:"check_time"`
	Verdict         string    `db:"verdict"`
	Confidence      float64   `db:"confidence"`
	Detectors       string    `db:"detectors"`
	HTTPStatus      int       `db:"http_status"`
	LatencyMS       int64     `db:"latency_ms"`
	ErrorKind       string    `db:"error_kind"`
	ErrorMessage    string    `db:"error_message"`
	FingerprintHash string    `db:"fingerprint_hash"`
}

// User is one registered subscriber with per-user notification preferences.
type User struct {
	ID                   string     `db:"id"`
	IsAdmin              bool       `db:"is_admin"`
	IsBanned             bool       `db:"is_banned"`
	DailyAddedCount      int        `db:"daily_added_count"`
	DailyWindowStart     *time.Time `db:"daily_window_start"`
	CooldownSeconds      int        `db:"cooldown_seconds"`
	DailyNotifyLimit     int        `db:"daily_notify_limit"`
	QuietHoursStart      int        `db:"quiet_hours_start"`
	QuietHoursEnd        int        `db:"quiet_hours_end"`
	NotificationsEnabled bool       `db:"notifications_enabled"`
	CreatedAt            time.Time  `db:"created_at"`
	LastActive           *time.Time `db:"last_active"`
}

// NotificationRecord is one delivery (or suppression) ledger row.
type NotificationRecord struct {
	ID          int64     `db:"id"`
	ItemID      int64     `db:"item_id"`
	RecipientID string    `db:"recipient_id"`
	SentAt      time.Time `db:"sent_at"`
	Kind        string    `db:"kind"`
}

// Stats is the admin counters snapshot.
type Stats struct {
	TotalItems    int64
	EnabledItems  int64
	ErrorItems    int64
	TotalUsers    int64
	BannedUsers   int64
	ChecksLastDay int64
	NotifsLastDay int64
	HistoryRows   int64
}
