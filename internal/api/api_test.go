package api

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kure29/vpsmonitor/internal/clock"
	"github.com/kure29/vpsmonitor/internal/config"
	"github.com/kure29/vpsmonitor/internal/store"
)

type fakeChecker struct {
	checked []int64
	store   *store.Store
}

func (f *fakeChecker) CheckOnce(ctx context.Context, id int64) (store.Item, error) {
	f.checked = append(f.checked, id)
	return f.store.GetItem(ctx, id)
}

func newTestService(t *testing.T) (*Service, *store.Store, *fakeChecker, *clock.Fake) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.AdminIDs = []string{"admin"}
	cfg.DailyAddLimit = 3

	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	checker := &fakeChecker{store: st}
	return New(st, checker, cfg, clk, zap.NewNop()), st, checker, clk
}

func TestAddItemCanonicalisesAndTags(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	it, err := svc.AddItem(context.Background(), "42",
		"HTTPS://www.RackNerd.com/BlackFriday/?utm_source=tg", "", false)
	require.NoError(t, err)
	assert.Equal(t, "https://www.racknerd.com/BlackFriday", it.URL)
	assert.Equal(t, "racknerd", it.VendorTag)
	assert.Equal(t, "42", it.OwnerID)
	assert.NotEmpty(t, it.Name)
	assert.True(t, it.Enabled)
}

func TestAddItemDuplicateAcrossTrackingParams(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, "42", "https://dmit.io/pages/pricing", "", false)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, "42", "https://dmit.io/pages/pricing?utm_source=x", "", false)
	assert.ErrorIs(t, err, store.ErrDuplicateURL)
}

func TestAddItemDailyQuota(t *testing.T) {
	svc, _, _, clk := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.AddItem(ctx, "42",
			"https://vendor.example/plan-"+string(rune('a'+i)), "", false)
		require.NoError(t, err)
	}
	_, err := svc.AddItem(ctx, "42", "https://vendor.example/plan-z", "", false)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "resets", "the rejection tells the user when the window resets")

	clk.Advance(25 * time.Hour)
	_, err = svc.AddItem(ctx, "42", "https://vendor.example/plan-z", "", false)
	assert.NoError(t, err, "quota window rolls over")
}

func TestAddItemRejectionsDoNotConsumeQuota(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, "42", "https://vendor.example/plan-a", "", false)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = svc.AddItem(ctx, "42", "https://vendor.example/plan-a", "", false)
		require.ErrorIs(t, err, store.ErrDuplicateURL)
	}

	// The failed duplicates left both remaining slots intact.
	_, err = svc.AddItem(ctx, "42", "https://vendor.example/plan-b", "", false)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, "42", "https://vendor.example/plan-c", "", false)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, "42", "https://vendor.example/plan-d", "", false)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestAddItemBannedUser(t *testing.T) {
	svc, st, _, clk := newTestService(t)
	ctx := context.Background()

	_, err := st.EnsureUser(ctx, "42", clk.Now())
	require.NoError(t, err)
	require.NoError(t, st.SetUserBanned(ctx, "42", true))

	_, err = svc.AddItem(ctx, "42", "https://vendor.example/plan", "", false)
	assert.ErrorIs(t, err, ErrBanned)
}

func TestGlobalFlagRequiresAdmin(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	it, err := svc.AddItem(ctx, "42", "https://vendor.example/a", "", true)
	require.NoError(t, err)
	assert.False(t, it.IsGlobal, "non-admin global request is ignored")

	it, err = svc.AddItem(ctx, "admin", "https://vendor.example/b", "", true)
	require.NoError(t, err)
	assert.True(t, it.IsGlobal)
}

func TestRemoveItemAuthorisation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	it, err := svc.AddItem(ctx, "42", "https://vendor.example/plan", "", false)
	require.NoError(t, err)

	err = svc.RemoveItem(ctx, "other", it.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, svc.RemoveItem(ctx, "admin", it.ID))
	_, err = svc.AddItem(ctx, "42", "https://vendor.example/plan2", "", false)
	require.NoError(t, err)
}

func TestListItemsIncludesGlobals(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, "42", "https://vendor.example/own", "", false)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, "admin", "https://vendor.example/global", "", true)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, "other", "https://vendor.example/private", "", false)
	require.NoError(t, err)

	items, err := svc.ListItems(ctx, "42", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestSetUserPrefsValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.SetUserPrefs(ctx, "42", store.User{
		CooldownSeconds:      120,
		DailyNotifyLimit:     5,
		QuietHoursStart:      22,
		QuietHoursEnd:        8,
		NotificationsEnabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 120, u.CooldownSeconds)
	assert.Equal(t, 22, u.QuietHoursStart)

	_, err = svc.SetUserPrefs(ctx, "42", store.User{
		DailyNotifyLimit: 5, QuietHoursStart: 24,
	})
	assert.Error(t, err)

	_, err = svc.SetUserPrefs(ctx, "42", store.User{DailyNotifyLimit: 0})
	assert.Error(t, err)
}

func TestCheckNow(t *testing.T) {
	svc, _, checker, _ := newTestService(t)
	ctx := context.Background()

	it, err := svc.AddItem(ctx, "42", "https://vendor.example/plan", "", false)
	require.NoError(t, err)

	_, err = svc.CheckNow(ctx, "other", it.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, checker.checked)

	_, err = svc.CheckNow(ctx, "42", it.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{it.ID}, checker.checked)
}

func TestAdminSurface(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	it, err := svc.AddItem(ctx, "42", "https://vendor.example/plan", "", false)
	require.NoError(t, err)

	_, err = svc.AdminListAll(ctx, "42")
	assert.ErrorIs(t, err, ErrForbidden)

	all, err := svc.AdminListAll(ctx, "admin")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, svc.AdminBan(ctx, "admin", "42", true))
	u, err := st.GetUser(ctx, "42")
	require.NoError(t, err)
	assert.True(t, u.IsBanned)

	assert.Error(t, svc.AdminBan(ctx, "admin", "admin", true))

	require.NoError(t, svc.AdminSetItemEnabled(ctx, "admin", it.ID, false))
	got, err := st.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	stats, err := svc.AdminStats(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalItems)
}

func TestPromotedAdminViaStoreFlag(t *testing.T) {
	svc, st, _, clk := newTestService(t)
	ctx := context.Background()

	_, err := st.EnsureUser(ctx, "mod", clk.Now())
	require.NoError(t, err)
	require.NoError(t, st.SetUserAdmin(ctx, "mod", true))

	_, err = svc.AdminListAll(ctx, "mod")
	assert.NoError(t, err, "store-flagged admins pass the admin gate")
}
