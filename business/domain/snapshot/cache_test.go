package snapshot

import (
	"testing"
	"time"

	"github.com/stakeledger/stake-sync/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ranked(amounts ...string) []entities.ClassifiedStake {
	stakes := make([]entities.ClassifiedStake, 0, len(amounts))
	for i, a := range amounts {
		stakes = append(stakes, entities.ClassifiedStake{
			StakeStart: entities.StakeStart{
				StakeID:      string(rune('1' + i)),
				Network:      entities.Ethereum,
				StakedAmount: entities.MustParseAmount(a),
			},
			Classification: entities.Classification{IsActive: true},
		})
	}
	return stakes
}

func TestCache_PutGet(t *testing.T) {
	cache := NewCache()

	_, found := cache.Get(entities.Ethereum)
	assert.False(t, found)
	assert.False(t, cache.Has(entities.Ethereum))

	taken := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cache.Put(&Snapshot{Network: entities.Ethereum, CurrentDay: entities.KnownDay(150), Active: ranked("500", "300"), TakenAt: taken})

	snapshot, found := cache.Get(entities.Ethereum)
	require.True(t, found)
	assert.Equal(t, taken, snapshot.TakenAt)
	assert.Equal(t, uint32(150), snapshot.CurrentDay.Day)
	assert.True(t, cache.Has(entities.Ethereum))
	assert.False(t, cache.Has(entities.PulseChain))

	cache.Put(&Snapshot{Network: entities.Ethereum, Active: ranked("1")})
	snapshot, found = cache.Get(entities.Ethereum)
	require.True(t, found)
	assert.Len(t, snapshot.Active, 1)

	cache.Delete(entities.Ethereum)
	assert.False(t, cache.Has(entities.Ethereum))
}

func TestCache_NeverExpires(t *testing.T) {
	cache := NewCache()
	cache.Put(&Snapshot{Network: entities.PulseChain})

	cache.cache.DeleteExpired()
	assert.True(t, cache.Has(entities.PulseChain))
}

func TestSnapshot_Top(t *testing.T) {
	snapshot := &Snapshot{Active: ranked("500", "300", "100")}

	assert.Len(t, snapshot.Top(2), 2)
	assert.Len(t, snapshot.Top(10), 3)
	assert.Equal(t, "500", snapshot.Top(1)[0].StakedAmount.String())

	top := snapshot.Top(1)
	top = append(top, entities.ClassifiedStake{})
	assert.Equal(t, "300", snapshot.Active[1].StakedAmount.String()) // capped slice does not alias
	assert.Len(t, top, 2)
}
