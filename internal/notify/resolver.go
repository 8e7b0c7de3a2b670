package notify

import (
	"context"
	"errors"
	"time"

	"github.com/kure29/vpsmonitor/internal/store"
)

// UserDirectory is the slice of the store the resolver needs.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (store.User, error)
}

// StoreResolver resolves events to the item owner (per their stored
// preferences) plus the shared broadcast channel. Health reports go to the
// configured admins, who also receive every restock as a digest.
type StoreResolver struct {
	Users           UserDirectory
	ChannelID       string
	AdminIDs        []string
	ChannelCooldown time.Duration
}

func (r StoreResolver) RecipientsFor(ctx context.Context, ev Event) ([]Recipient, error) {
	if ev.Kind == KindAdminHealth {
		out := make([]Recipient, 0, len(r.AdminIDs))
		for _, id := range r.AdminIDs {
			out = append(out, Recipient{ID: id, Admin: true, Enabled: true})
		}
		return out, nil
	}

	var out []Recipient
	if ev.OwnerID != "" {
		u, err := r.Users.GetUser(ctx, ev.OwnerID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Owner never registered; channel delivery still applies.
		case err != nil:
			return nil, err
		case !u.IsBanned:
			out = append(out, Recipient{
				ID:              u.ID,
				Cooldown:        time.Duration(u.CooldownSeconds) * time.Second,
				DailyLimit:      u.DailyNotifyLimit,
				QuietHoursStart: u.QuietHoursStart,
				QuietHoursEnd:   u.QuietHoursEnd,
				Enabled:         u.NotificationsEnabled,
			})
		}
	}
	if r.ChannelID != "" && r.ChannelID != ev.OwnerID {
		out = append(out, Recipient{
			ID:       r.ChannelID,
			Cooldown: r.ChannelCooldown,
			Enabled:  true,
		})
	}
	if ev.Kind == KindRestock {
		for _, id := range r.AdminIDs {
			if id == ev.OwnerID {
				continue
			}
			out = append(out, Recipient{ID: id, Admin: true, Enabled: true})
		}
	}
	return out, nil
}
