package watch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

type stubAdapter struct {
	name string
}

var _ interfaces.SourceAdapter = (*stubAdapter)(nil)

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Fetch(ctx context.Context, opts interfaces.FetchOptions, fn interfaces.FetchFunc) error {
	return nil
}

func (s *stubAdapter) Ack(ctx context.Context, token string, status interfaces.AckStatus) error {
	return nil
}

func (s *stubAdapter) Close() error { return nil }

type memoryKV struct {
	values map[string]string
}

var _ interfaces.KeyValueStorage = (*memoryKV)(nil)

func (m *memoryKV) Get(ctx context.Context, key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", interfaces.ErrKeyNotFound
	}
	return v, nil
}

func (m *memoryKV) GetPair(ctx context.Context, key string) (*interfaces.KeyValuePair, error) {
	v, err := m.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return &interfaces.KeyValuePair{Key: key, Value: v}, nil
}

func (m *memoryKV) Set(ctx context.Context, key, value, description string) error {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[key] = value
	return nil
}

func (m *memoryKV) Upsert(ctx context.Context, key, value, description string) (bool, error) {
	_, existed := m.values[key]
	return !existed, m.Set(ctx, key, value, description)
}

func (m *memoryKV) Delete(ctx context.Context, key string) error {
	delete(m.values, key)
	return nil
}

func (m *memoryKV) List(ctx context.Context) ([]interfaces.KeyValuePair, error) { return nil, nil }

func (m *memoryKV) GetAll(ctx context.Context) (map[string]string, error) {
	return m.values, nil
}

// recordingRun captures the fetch options each sweep was given.
type recordingRun struct {
	fetches []interfaces.FetchOptions
	err     error
}

func (r *recordingRun) run(ctx context.Context, source interfaces.SourceAdapter, fetch interfaces.FetchOptions) (*models.BatchSummary, error) {
	r.fetches = append(r.fetches, fetch)
	if r.err != nil {
		return nil, r.err
	}
	return &models.BatchSummary{Processed: 1}, nil
}

func newWatchFixture(t *testing.T, kv *memoryKV, rec *recordingRun) *Service {
	t.Helper()
	var store interfaces.KeyValueStorage
	if kv != nil {
		store = kv
	}
	return NewService(common.NewDefaultConfig(), store, rec.run, arbor.NewLogger())
}

func TestWatch_SweepAdvancesWatermark(t *testing.T) {
	kv := &memoryKV{values: map[string]string{}}
	rec := &recordingRun{}
	svc := newWatchFixture(t, kv, rec)

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx, []interfaces.SourceAdapter{&stubAdapter{name: "stub"}}))
	defer svc.Stop()

	svc.SweepAll(ctx)
	require.Len(t, rec.fetches, 1)
	assert.True(t, rec.fetches[0].After.IsZero(), "first sweep covers everything")

	stored, err := kv.Get(ctx, "watch.last_sweep.stub")
	require.NoError(t, err)
	mark, err := time.Parse(time.RFC3339, stored)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), mark, time.Minute)

	svc.SweepAll(ctx)
	require.Len(t, rec.fetches, 2)
	assert.False(t, rec.fetches[1].After.IsZero(), "second sweep picks up from the first")
}

func TestWatch_FailedSweepKeepsWatermark(t *testing.T) {
	kv := &memoryKV{values: map[string]string{}}
	rec := &recordingRun{err: errors.New("upstream down")}
	svc := newWatchFixture(t, kv, rec)

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx, []interfaces.SourceAdapter{&stubAdapter{name: "stub"}}))
	defer svc.Stop()

	svc.SweepAll(ctx)

	_, err := kv.Get(ctx, "watch.last_sweep.stub")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound, "failed sweeps must not advance the cursor")

	statuses := svc.Status()
	require.Len(t, statuses, 1)
	assert.Contains(t, statuses[0].LastError, "upstream down")
	assert.False(t, statuses[0].IsRunning)
}

func TestWatch_LoadsPersistedWatermark(t *testing.T) {
	mark := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	kv := &memoryKV{values: map[string]string{
		"watch.last_sweep.stub": mark.Format(time.RFC3339),
	}}
	rec := &recordingRun{}
	svc := newWatchFixture(t, kv, rec)

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx, []interfaces.SourceAdapter{&stubAdapter{name: "stub"}}))
	defer svc.Stop()

	svc.SweepAll(ctx)
	require.Len(t, rec.fetches, 1)
	assert.Equal(t, mark, rec.fetches[0].After)
}

func TestWatch_IgnoresGarbledWatermark(t *testing.T) {
	kv := &memoryKV{values: map[string]string{
		"watch.last_sweep.stub": "not a timestamp",
	}}
	rec := &recordingRun{}
	svc := newWatchFixture(t, kv, rec)

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx, []interfaces.SourceAdapter{&stubAdapter{name: "stub"}}))
	defer svc.Stop()

	svc.SweepAll(ctx)
	require.Len(t, rec.fetches, 1)
	assert.True(t, rec.fetches[0].After.IsZero())
}

func TestWatch_StartValidation(t *testing.T) {
	rec := &recordingRun{}
	svc := newWatchFixture(t, nil, rec)

	ctx := context.Background()
	err := svc.Start(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no remote sources configured")

	require.NoError(t, svc.Start(ctx, []interfaces.SourceAdapter{&stubAdapter{name: "stub"}}))
	defer svc.Stop()

	err = svc.Start(ctx, []interfaces.SourceAdapter{&stubAdapter{name: "other"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}
