package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"alertmonitor/internal/localstore"
	"alertmonitor/internal/logger"
	"alertmonitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitLogger()
	os.Exit(m.Run())
}

type recordingToaster struct {
	kinds    []string
	messages []string
}

func (r *recordingToaster) Toast(kind, message string) {
	r.kinds = append(r.kinds, kind)
	r.messages = append(r.messages, message)
}

func newTestStore(t *testing.T) (*Store, *recordingToaster) {
	t.Helper()
	doc, err := localstore.New(filepath.Join(t.TempDir(), "alerts.json"), "")
	require.NoError(t, err)
	toasts := &recordingToaster{}
	return New(NewFileBackend(doc), toasts), toasts
}

func TestAddAndGetAll(t *testing.T) {
	s, toasts := newTestStore(t)
	ctx := context.Background()

	alert, err := s.Add(ctx, models.Draft{Coin: "BTC", Kind: models.KindAbove, TargetPrice: 50000})
	require.NoError(t, err)
	assert.Equal(t, "btc", alert.Coin)
	assert.Equal(t, models.StatusActive, alert.Status)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, alert.ID, all[0].ID)

	require.NotEmpty(t, toasts.kinds)
	assert.Equal(t, "success", toasts.kinds[0])
}

func TestAddRejectsInvalidDraft(t *testing.T) {
	s, toasts := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, models.Draft{Coin: "btc", Kind: models.KindAbove, TargetPrice: 0})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NotEmpty(t, toasts.kinds)
	assert.Equal(t, "error", toasts.kinds[0])
}

func TestGetUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestGetForCoin(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, models.Draft{Coin: "btc", Kind: models.KindAbove, TargetPrice: 50000})
	require.NoError(t, err)
	_, err = s.Add(ctx, models.Draft{Coin: "eth", Kind: models.KindBelow, TargetPrice: 2000})
	require.NoError(t, err)

	btc, err := s.GetForCoin(ctx, "btc")
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, "btc", btc[0].Coin)
}

func TestGetActive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a1, err := s.Add(ctx, models.Draft{Coin: "btc", Kind: models.KindAbove, TargetPrice: 50000})
	require.NoError(t, err)
	a2, err := s.Add(ctx, models.Draft{Coin: "eth", Kind: models.KindBelow, TargetPrice: 2000})
	require.NoError(t, err)
	require.True(t, s.Trigger(ctx, a1.ID, 51000))

	active, err := s.GetActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a2.ID, active[0].ID)
}

func TestUpdate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	alert, err := s.Add(ctx, models.Draft{Coin: "btc", Kind: models.KindAbove, TargetPrice: 50000})
	require.NoError(t, err)

	target := 60000.0
	assert.True(t, s.Update(ctx, alert.ID, models.Patch{TargetPrice: &target}))

	updated, err := s.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 60000.0, updated.TargetPrice)
}

func TestUpdateUnknownID(t *testing.T) {
	s, _ := newTestStore(t)
	target := 60000.0
	assert.False(t, s.Update(context.Background(), "missing", models.Patch{TargetPrice: &target}))
}

func TestUpdateInvalidPatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	alert, err := s.Add(ctx, models.Draft{Coin: "btc", Kind: models.KindAbove, TargetPrice: 50000})
	require.NoError(t, err)

	bad := -1.0
	assert.False(t, s.Update(ctx, alert.ID, models.Patch{TargetPrice: &bad}))

	unchanged, err := s.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, unchanged.TargetPrice)
}

func TestRemove(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	alert, err := s.Add(ctx, models.Draft{Coin: "btc", Kind: models.KindAbove, TargetPrice: 50000})
	require.NoError(t, err)

	assert.True(t, s.Remove(ctx, alert.ID))
	_, err = s.Get(ctx, alert.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.False(t, s.Remove(ctx, alert.ID))
}

func TestTrigger(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	alert, err := s.Add(ctx, models.Draft{Coin: "btc", Kind: models.KindAbove, TargetPrice: 50000})
	require.NoError(t, err)

	assert.True(t, s.Trigger(ctx, alert.ID, 51000))

	triggered, err := s.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTriggered, triggered.Status)
	require.NotNil(t, triggered.TriggeredAt)
	require.NotNil(t, triggered.TriggeredPrice)
	assert.Equal(t, 51000.0, *triggered.TriggeredPrice)
	assert.Equal(t, 1, triggered.TriggerCount)

	// Already triggered: no second transition.
	assert.False(t, s.Trigger(ctx, alert.ID, 52000))
}

func TestDismiss(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	alert, err := s.Add(ctx, models.Draft{Coin: "btc", Kind: models.KindAbove, TargetPrice: 50000})
	require.NoError(t, err)
	require.True(t, s.Trigger(ctx, alert.ID, 51000))

	assert.True(t, s.Dismiss(ctx, alert.ID))

	dismissed, err := s.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDismissed, dismissed.Status)
	require.NotNil(t, dismissed.DismissedAt)
	// Trigger history survives dismissal.
	assert.NotNil(t, dismissed.TriggeredAt)

	// Dismissing again is idempotent.
	assert.True(t, s.Dismiss(ctx, alert.ID))
}

func TestDismissActiveDirectly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	alert, err := s.Add(ctx, models.Draft{Coin: "btc", Kind: models.KindAbove, TargetPrice: 50000})
	require.NoError(t, err)

	assert.True(t, s.Dismiss(ctx, alert.ID))
	dismissed, err := s.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDismissed, dismissed.Status)
	assert.Nil(t, dismissed.TriggeredAt)
}

func TestStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a1, err := s.Add(ctx, models.Draft{Coin: "btc", Kind: models.KindAbove, TargetPrice: 50000})
	require.NoError(t, err)
	_, err = s.Add(ctx, models.Draft{Coin: "eth", Kind: models.KindBelow, TargetPrice: 2000})
	require.NoError(t, err)
	require.True(t, s.Trigger(ctx, a1.ID, 51000))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus.Active)
	assert.Equal(t, 1, stats.ByStatus.Triggered)
	assert.Equal(t, 1, stats.ByKind.Above)
	assert.Equal(t, 1, stats.ByKind.Below)
}

func TestCleanupRetention(t *testing.T) {
	doc, err := localstore.New(filepath.Join(t.TempDir(), "alerts.json"), "")
	require.NoError(t, err)
	backend := NewFileBackend(doc)
	s := New(backend, nil)
	ctx := context.Background()

	old := time.Now().Add(-31 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	expiredAlert, err := models.NewAlert(models.Draft{Coin: "btc", Kind: models.KindAbove, TargetPrice: 50000})
	require.NoError(t, err)
	expiredAlert.Status = models.StatusDismissed
	expiredAlert.DismissedAt = &old
	require.NoError(t, backend.Insert(ctx, expiredAlert))

	staleTriggered, err := models.NewAlert(models.Draft{Coin: "eth", Kind: models.KindBelow, TargetPrice: 2000})
	require.NoError(t, err)
	staleTriggered.Status = models.StatusTriggered
	staleTriggered.TriggeredAt = &old
	require.NoError(t, backend.Insert(ctx, staleTriggered))

	freshDismissed, err := models.NewAlert(models.Draft{Coin: "sol", Kind: models.KindAbove, TargetPrice: 100})
	require.NoError(t, err)
	freshDismissed.Status = models.StatusDismissed
	freshDismissed.DismissedAt = &recent
	require.NoError(t, backend.Insert(ctx, freshDismissed))

	activeAlert, err := models.NewAlert(models.Draft{Coin: "doge", Kind: models.KindAbove, TargetPrice: 1})
	require.NoError(t, err)
	require.NoError(t, backend.Insert(ctx, activeAlert))

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
	for _, a := range remaining {
		assert.NotEqual(t, expiredAlert.ID, a.ID)
		assert.NotEqual(t, staleTriggered.ID, a.ID)
	}
}
