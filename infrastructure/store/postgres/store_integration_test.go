package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stakeledger/stake-sync/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Runs against a disposable database only, every test resets both networks.
func newIntegrationStore(t *testing.T) *Store {
	_ = godotenv.Load("../../../.env.local")
	url := os.Getenv("STAKE_SYNC_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("STAKE_SYNC_TEST_POSTGRES_URL not set")
	}

	ctx := context.Background()
	store, err := NewLedgerStore(ctx, url, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(ctx))
	for _, network := range entities.Networks {
		require.NoError(t, store.FinishSync(ctx, network, time.Now(), ""))
		require.NoError(t, store.ResetNetwork(ctx, network))
	}
	return store
}

func stakeStart(network entities.Network, id string, amount string, startDay, endDay uint32) entities.StakeStart {
	return entities.StakeStart{
		StakeID:      id,
		Network:      network,
		StakedAmount: entities.MustParseAmount(amount),
		ShareAmount:  entities.MustParseAmount("1"),
		StartDay:     startDay,
		EndDay:       endDay,
		StakedDays:   endDay - startDay,
	}
}

func TestStore_Integration_CompositeKeyAndIdempotency(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	page := func(network entities.Network) *entities.Page {
		return &entities.Page{
			StakeStarts: []entities.StakeStart{
				stakeStart(network, "1", "340282366920938463463374607431768211456", 10, 500),
				stakeStart(network, "2", "100", 10, 500),
			},
			GlobalInfos: []entities.GlobalInfo{{Network: network, VirtualDay: 20}},
			Next:        entities.SourceCursor{StakeID: "2", Day: 20},
		}
	}

	first, err := store.CommitPage(ctx, entities.Ethereum, page(entities.Ethereum))
	require.NoError(t, err)
	assert.Equal(t, entities.UpsertResult{Count: 2, Inserted: 2}, first.StakeStarts)

	_, err = store.CommitPage(ctx, entities.PulseChain, page(entities.PulseChain))
	require.NoError(t, err)

	second, err := store.CommitPage(ctx, entities.Ethereum, page(entities.Ethereum))
	require.NoError(t, err)
	assert.Equal(t, entities.UpsertResult{Count: 2}, second.StakeStarts)
	assert.Equal(t, uint64(2), second.Cursor.TotalStakesSynced)

	counts, err := store.CountByNetwork(ctx)
	require.NoError(t, err)
	assert.Equal(t, entities.RecordCounts{StakeStarts: 2, GlobalInfos: 1}, counts[entities.Ethereum])
	assert.Equal(t, entities.RecordCounts{StakeStarts: 2, GlobalInfos: 1}, counts[entities.PulseChain])

	active, err := store.QueryActive(ctx, entities.Ethereum, 20, 1, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "340282366920938463463374607431768211456", active[0].StakedAmount.String())

	summary, err := store.ActiveSummary(ctx, entities.PulseChain, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), summary.ActiveStakes)
	assert.Equal(t, "340282366920938463463374607431768211556", summary.TotalStaked.String())

	info, err := store.LatestGlobalInfo(ctx, entities.Ethereum)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), info.VirtualDay)
}

func TestStore_Integration_SyncGuard(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, outcome, err := store.TryStartSync(ctx, entities.Ethereum, now, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, entities.StartAcquired, outcome)

	_, outcome, err = store.TryStartSync(ctx, entities.Ethereum, now.Add(time.Minute), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, entities.StartBusy, outcome)

	require.ErrorIs(t, store.ResetNetwork(ctx, entities.Ethereum), entities.ErrSyncInProgress)

	_, outcome, err = store.TryStartSync(ctx, entities.Ethereum, now.Add(time.Hour), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, entities.StartRecovered, outcome)

	require.NoError(t, store.FinishSync(ctx, entities.Ethereum, now.Add(2*time.Hour), "boom"))
	cursor, err := store.GetCursor(ctx, entities.Ethereum)
	require.NoError(t, err)
	assert.False(t, cursor.SyncInProgress)
	assert.Equal(t, "boom", cursor.ErrorMessage)
}
