package aggregate

import (
	"testing"

	"github.com/stakeledger/stake-sync/entities"
	"github.com/stretchr/testify/assert"
)

func classified(network entities.Network, id, amount string) entities.ClassifiedStake {
	return entities.ClassifiedStake{
		StakeStart:     entities.StakeStart{StakeID: id, Network: network, StakedAmount: entities.MustParseAmount(amount)},
		Classification: entities.Classification{IsActive: true},
	}
}

func TestMergeRanked(t *testing.T) {
	testData := []struct {
		name     string
		lists    [][]entities.ClassifiedStake
		n        int
		expected []ranked
	}{
		{
			name: "TestMerge_Example",
			lists: [][]entities.ClassifiedStake{
				{classified(entities.Ethereum, "1", "500"), classified(entities.Ethereum, "2", "300")},
				{classified(entities.PulseChain, "1", "400"), classified(entities.PulseChain, "2", "100")},
			},
			n: 3,
			expected: []ranked{
				{network: entities.Ethereum, id: "1", amount: "500"},
				{network: entities.PulseChain, id: "1", amount: "400"},
				{network: entities.Ethereum, id: "2", amount: "300"},
			},
		},
		{
			name: "TestMerge_TieBreaksOnNetworkThenId",
			lists: [][]entities.ClassifiedStake{
				{classified(entities.Ethereum, "9", "100"), classified(entities.Ethereum, "10", "100")},
				{classified(entities.PulseChain, "1", "100")},
			},
			n: 10,
			expected: []ranked{
				{network: entities.Ethereum, id: "9", amount: "100"},
				{network: entities.Ethereum, id: "10", amount: "100"},
				{network: entities.PulseChain, id: "1", amount: "100"},
			},
		},
		{
			name: "TestMerge_BigAmounts",
			lists: [][]entities.ClassifiedStake{
				{classified(entities.Ethereum, "1", "99999999999999999999")},
				{classified(entities.PulseChain, "1", "100000000000000000000")},
			},
			n: 2,
			expected: []ranked{
				{network: entities.PulseChain, id: "1", amount: "100000000000000000000"},
				{network: entities.Ethereum, id: "1", amount: "99999999999999999999"},
			},
		},
		{
			name: "TestMerge_EmptyList",
			lists: [][]entities.ClassifiedStake{
				{},
				{classified(entities.PulseChain, "1", "5")},
			},
			n:        5,
			expected: []ranked{{network: entities.PulseChain, id: "1", amount: "5"}},
		},
		{
			name:     "TestMerge_Nothing",
			lists:    [][]entities.ClassifiedStake{nil, nil},
			n:        5,
			expected: []ranked{},
		},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {
			assert.Equal(t, testRun.expected, rankingOf(mergeRanked(testRun.lists, testRun.n)))
		})
	}
}
