package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stakeledger/stake-sync/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type MockKafkaClient struct {
	shouldError bool
	mutex       sync.Mutex
	records     []*kgo.Record
}

func (mkc *MockKafkaClient) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	mkc.mutex.Lock()
	mkc.records = append(mkc.records, r)
	mkc.mutex.Unlock()

	if mkc.shouldError {
		go promise(nil, errors.New("dummy error"))
		return
	}

	go promise(r, nil)
}

func testPage() *entities.Page {
	return &entities.Page{
		StakeStarts: []entities.StakeStart{
			{StakeID: "100", Network: entities.PulseChain, StakerAddress: "0xaa", StakedAmount: entities.MustParseAmount("5000"), StartDay: 10, EndDay: 20, StakedDays: 10},
			{StakeID: "101", Network: entities.PulseChain, StakerAddress: "0xbb", StakedAmount: entities.MustParseAmount("18446744073709551616"), StartDay: 11, EndDay: 5566, StakedDays: 5555},
		},
		StakeEnds: []entities.StakeEnd{
			{StakeID: "7", Network: entities.PulseChain, StakerAddress: "0xcc", Payout: entities.MustParseAmount("42"), ServedDays: 3},
		},
		GlobalInfos: []entities.GlobalInfo{{Network: entities.PulseChain, VirtualDay: 12}},
	}
}

func TestClient_PublishPage(t *testing.T) {
	testData := []struct {
		name        string
		page        *entities.Page
		shouldError bool
		expectedKey []string
	}{
		{
			name:        "TestPublishPage_1",
			page:        testPage(),
			expectedKey: []string{"pulsechain/100", "pulsechain/101", "pulsechain/7"},
		},
		{
			name:        "TestPublishPage_Error",
			page:        testPage(),
			shouldError: true,
			expectedKey: []string{"pulsechain/100", "pulsechain/101", "pulsechain/7"},
		},
		{
			name: "TestPublishPage_Empty",
			page: &entities.Page{GlobalInfos: []entities.GlobalInfo{{Network: entities.Ethereum, VirtualDay: 1}}},
		},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {
			mockClient := &MockKafkaClient{shouldError: testRun.shouldError}
			client := NewClient(mockClient, zap.NewNop().Sugar())

			err := client.PublishPage(context.Background(), testRun.page)
			if testRun.shouldError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			keys := make([]string, 0, len(mockClient.records))
			for _, r := range mockClient.records {
				keys = append(keys, string(r.Key))
			}
			if testRun.expectedKey == nil {
				assert.Empty(t, keys)
				return
			}
			assert.Equal(t, testRun.expectedKey, keys)
		})
	}
}

func TestClient_PublishPage_Payload(t *testing.T) {
	mockClient := &MockKafkaClient{}
	client := NewClient(mockClient, zap.NewNop().Sugar())

	require.NoError(t, client.PublishPage(context.Background(), testPage()))
	require.Len(t, mockClient.records, 3)

	var start map[string]any
	require.NoError(t, json.Unmarshal(mockClient.records[1].Value, &start))
	assert.Equal(t, KindStakeStart, start["kind"])
	assert.Equal(t, "pulsechain", start["network"])
	assert.Equal(t, "101", start["stakeId"])
	stake := start["stakeStart"].(map[string]any)
	assert.Equal(t, "18446744073709551616", stake["stakedAmount"])
	assert.NotContains(t, start, "stakeEnd")

	var end StakeEvent
	require.NoError(t, json.Unmarshal(mockClient.records[2].Value, &end))
	assert.Equal(t, KindStakeEnd, end.Kind)
	require.NotNil(t, end.End)
	assert.Equal(t, "42", end.End.Payout.String())
	assert.Nil(t, end.Start)
}
