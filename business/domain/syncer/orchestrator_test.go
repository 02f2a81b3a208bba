package syncer

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stakeledger/stake-sync/entities"
	"github.com/stakeledger/stake-sync/infrastructure/metrics"
	"github.com/stakeledger/stake-sync/infrastructure/store/pebbledb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ErrMock = errors.New("mock error")

// MockSource serves a fixed sequence of pages. A page is served when the requested cursor equals the
// Next cursor of the page before it.
type MockSource struct {
	pages     []*entities.Page
	failOnIdx int // index of the page that fails, -1 for none
	mutex     sync.Mutex
	requested []entities.SourceCursor
}

func (ms *MockSource) FetchPage(_ context.Context, cursor entities.SourceCursor, _ int) (*entities.Page, error) {
	ms.mutex.Lock()
	ms.requested = append(ms.requested, cursor)
	ms.mutex.Unlock()

	start := entities.SourceCursor{}
	for i, page := range ms.pages {
		if start == cursor {
			if i == ms.failOnIdx {
				return nil, entities.ErrSourceUnavailable
			}
			copied := *page
			return &copied, nil
		}
		start = page.Next
	}
	// caught up
	return &entities.Page{Next: cursor}, nil
}

type MockPublisher struct {
	published   []*entities.Page
	shouldError bool
}

func (mp *MockPublisher) PublishPage(_ context.Context, page *entities.Page) error {
	if mp.shouldError {
		return ErrMock
	}
	mp.published = append(mp.published, page)
	return nil
}

type MockRefresher struct {
	refreshed []entities.Network
}

func (mr *MockRefresher) Refresh(_ context.Context, network entities.Network) error {
	mr.refreshed = append(mr.refreshed, network)
	return nil
}

// CrashingStore forgets to finish runs, like a process that died in the middle of a run.
type CrashingStore struct {
	Store
}

func (cs *CrashingStore) FinishSync(_ context.Context, _ entities.Network, _ time.Time, _ string) error {
	return nil
}

func newStore(t *testing.T) *pebbledb.Store {
	dbDir, err := os.MkdirTemp("", "syncer_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dbDir) })

	store, err := pebbledb.NewLedgerStore(dbDir, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func stake(id, amount string, endDay uint32) entities.StakeStart {
	return entities.StakeStart{
		StakeID:       id,
		Network:       entities.Ethereum,
		StakerAddress: "0x" + id,
		StakedAmount:  entities.MustParseAmount(amount),
		ShareAmount:   entities.MustParseAmount("1"),
		StartDay:      1,
		EndDay:        endDay,
		StakedDays:    endDay - 1,
	}
}

func threePages() []*entities.Page {
	return []*entities.Page{
		{
			StakeStarts: []entities.StakeStart{stake("1", "100", 50), stake("2", "700", 50)},
			GlobalInfos: []entities.GlobalInfo{{Network: entities.Ethereum, VirtualDay: 10}},
			Next:        entities.SourceCursor{StakeID: "2", Day: 10},
			HasMore:     true,
		},
		{
			StakeStarts: []entities.StakeStart{stake("3", "300", 50), stake("4", "18446744073709551616", 50)},
			StakeEnds:   []entities.StakeEnd{{StakeID: "1", Network: entities.Ethereum, ServedDays: 9, SourceBlock: 80}},
			Next:        entities.SourceCursor{StakeID: "4", Block: 80, Day: 10},
			HasMore:     true,
		},
		{
			StakeStarts: []entities.StakeStart{stake("5", "50", 5)},
			GlobalInfos: []entities.GlobalInfo{{Network: entities.Ethereum, VirtualDay: 11}},
			Next:        entities.SourceCursor{StakeID: "5", Block: 80, Day: 11},
			Skipped:     1,
		},
	}
}

func newOrchestrator(source Source, store Store, publisher Publisher, refresher Refresher, now func() time.Time) *Orchestrator {
	o := NewOrchestrator(entities.Ethereum, source, store, publisher, refresher,
		metrics.NewMetrics("test", prometheus.NewRegistry()),
		Config{PageSize: 2, StaleRunTimeout: 30 * time.Minute, FetchTimeout: time.Second},
		zap.NewNop().Sugar())
	if now != nil {
		o.now = now
	}
	return o
}

func TestOrchestrator_Run_Completed(t *testing.T) {
	store := newStore(t)
	source := &MockSource{pages: threePages(), failOnIdx: -1}
	publisher := &MockPublisher{}
	refresher := &MockRefresher{}
	o := newOrchestrator(source, store, publisher, refresher, nil)

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{State: StateCompleted, Pages: 3, Records: 8, Skipped: 1}, result)
	assert.Equal(t, StateCompleted, o.State())

	cursor, err := store.GetCursor(context.Background(), entities.Ethereum)
	require.NoError(t, err)
	assert.Equal(t, entities.SourceCursor{StakeID: "5", Block: 80, Day: 11}, cursor.Position)
	assert.False(t, cursor.SyncInProgress)
	assert.Empty(t, cursor.ErrorMessage)
	assert.False(t, cursor.LastSyncCompletedAt.IsZero())
	assert.Equal(t, uint64(5), cursor.TotalStakesSynced)
	assert.Equal(t, uint64(1), cursor.TotalEndsSynced)

	assert.Len(t, publisher.published, 3)
	assert.Equal(t, []entities.Network{entities.Ethereum}, refresher.refreshed)

	// pages are fetched strictly after the previous commit, each from the previous cursor
	expected := []entities.SourceCursor{{}, {StakeID: "2", Day: 10}, {StakeID: "4", Block: 80, Day: 10}}
	if diff := cmp.Diff(expected, source.requested); diff != "" {
		t.Fatalf("unexpected requested cursors (-want +got):\n%s", diff)
	}

	// a second run resumes from the stored cursor and commits nothing new
	result, err = o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 1, result.Pages)
	assert.Equal(t, 0, result.Records)
}

func TestOrchestrator_Run_ResumesAfterCrash(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	// reference: one uninterrupted run
	reference := newStore(t)
	_, err := newOrchestrator(&MockSource{pages: threePages(), failOnIdx: -1}, reference, nil, nil, nil).Run(ctx)
	require.NoError(t, err)

	// the process dies while fetching page 2 of 3
	store := newStore(t)
	crashed := newOrchestrator(&MockSource{pages: threePages(), failOnIdx: 1}, &CrashingStore{Store: store}, nil, nil,
		func() time.Time { return start })
	result, err := crashed.Run(ctx)
	require.ErrorIs(t, err, entities.ErrSourceUnavailable)
	assert.Equal(t, 1, result.Pages)

	cursor, err := store.GetCursor(ctx, entities.Ethereum)
	require.NoError(t, err)
	assert.True(t, cursor.SyncInProgress)
	assert.Equal(t, entities.SourceCursor{StakeID: "2", Day: 10}, cursor.Position)

	// before the stale timeout the next run is skipped
	source := &MockSource{pages: threePages(), failOnIdx: -1}
	result, err = newOrchestrator(source, store, nil, nil, func() time.Time { return start.Add(10 * time.Minute) }).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, result.State)
	assert.Empty(t, source.requested)

	// after the stale timeout the run is taken over and resumes from the page 1 cursor
	result, err = newOrchestrator(source, store, nil, nil, func() time.Time { return start.Add(31 * time.Minute) }).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.True(t, result.Recovered)
	assert.Equal(t, 2, result.Pages)
	require.NotEmpty(t, source.requested)
	assert.Equal(t, entities.SourceCursor{StakeID: "2", Day: 10}, source.requested[0])

	// same final state as the uninterrupted run
	wantCounts, err := reference.CountByNetwork(ctx)
	require.NoError(t, err)
	gotCounts, err := store.CountByNetwork(ctx)
	require.NoError(t, err)
	assert.Equal(t, wantCounts, gotCounts)

	wantActive, err := reference.QueryActive(ctx, entities.Ethereum, 11, 0, 0)
	require.NoError(t, err)
	gotActive, err := store.QueryActive(ctx, entities.Ethereum, 11, 0, 0)
	require.NoError(t, err)
	if diff := cmp.Diff(wantActive, gotActive); diff != "" {
		t.Fatalf("unexpected active stakes after resume (-want +got):\n%s", diff)
	}

	wantCursor, err := reference.GetCursor(ctx, entities.Ethereum)
	require.NoError(t, err)
	gotCursor, err := store.GetCursor(ctx, entities.Ethereum)
	require.NoError(t, err)
	assert.Equal(t, wantCursor.Position, gotCursor.Position)
	assert.Equal(t, wantCursor.TotalStakesSynced, gotCursor.TotalStakesSynced)
}

func TestOrchestrator_Run_FailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	refresher := &MockRefresher{}
	o := newOrchestrator(&MockSource{pages: threePages(), failOnIdx: 2}, store, nil, refresher, nil)

	result, err := o.Run(ctx)
	require.ErrorIs(t, err, entities.ErrSourceUnavailable)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 2, result.Pages)
	// committed pages are visible to readers even though the run failed
	assert.Equal(t, []entities.Network{entities.Ethereum}, refresher.refreshed)

	cursor, err := store.GetCursor(ctx, entities.Ethereum)
	require.NoError(t, err)
	assert.False(t, cursor.SyncInProgress)
	assert.Contains(t, cursor.ErrorMessage, "source unavailable")
	assert.Equal(t, entities.SourceCursor{StakeID: "4", Block: 80, Day: 10}, cursor.Position)
	assert.True(t, cursor.LastSyncCompletedAt.IsZero())
}

func TestOrchestrator_Run_FailureRefreshesOnlyAfterCommit(t *testing.T) {
	testData := []struct {
		name      string
		failOnIdx int
		pages     int
		refreshed []entities.Network
	}{
		{name: "first page fails", failOnIdx: 0, pages: 0, refreshed: nil},
		{name: "second page fails", failOnIdx: 1, pages: 1, refreshed: []entities.Network{entities.Ethereum}},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {
			store := newStore(t)
			refresher := &MockRefresher{}
			o := newOrchestrator(&MockSource{pages: threePages(), failOnIdx: testRun.failOnIdx}, store, nil, refresher, nil)

			result, err := o.Run(context.Background())
			require.ErrorIs(t, err, entities.ErrSourceUnavailable)
			assert.Equal(t, StateFailed, result.State)
			assert.Equal(t, testRun.pages, result.Pages)
			assert.Equal(t, testRun.refreshed, refresher.refreshed)
		})
	}
}

func TestOrchestrator_Run_NoProgressFails(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	pages := []*entities.Page{{HasMore: true}}
	o := newOrchestrator(&MockSource{pages: pages, failOnIdx: -1}, store, nil, nil, nil)

	result, err := o.Run(ctx)
	require.ErrorIs(t, err, entities.ErrSourceDataInvalid)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 0, result.Pages)
}

func TestOrchestrator_Run_PublishFailureDoesNotFailRun(t *testing.T) {
	store := newStore(t)
	o := newOrchestrator(&MockSource{pages: threePages(), failOnIdx: -1}, store, &MockPublisher{shouldError: true}, nil, nil)

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 3, result.Pages)
}

func TestOrchestrator_Run_StoreUnavailable(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Close())
	o := newOrchestrator(&MockSource{failOnIdx: -1}, store, nil, nil, nil)

	result, err := o.Run(context.Background())
	require.ErrorIs(t, err, entities.ErrStoreUnavailable)
	assert.Equal(t, StateFailed, result.State)
}

func TestOrchestrator_Start(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	refresher := &MockRefresher{}
	o := newOrchestrator(&MockSource{pages: threePages(), failOnIdx: -1}, store, nil, refresher, nil)

	// a run flagged by someone else makes the trigger a no-op
	_, _, err := store.TryStartSync(ctx, entities.Ethereum, time.Now(), time.Hour)
	require.NoError(t, err)
	state, err := o.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, state)

	require.NoError(t, store.FinishSync(ctx, entities.Ethereum, time.Now(), ""))
	state, err = o.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	o.Wait()
	assert.Equal(t, StateCompleted, o.State())
	assert.Equal(t, []entities.Network{entities.Ethereum}, refresher.refreshed)
}
