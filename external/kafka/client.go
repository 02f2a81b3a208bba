package kafka

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/stakeledger/stake-sync/entities"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	KindStakeStart = "stakeStart"
	KindStakeEnd   = "stakeEnd"
)

type KafkaClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

type Client struct {
	kcl    KafkaClient
	logger *zap.SugaredLogger
}

func NewClient(kafkaClient KafkaClient, logger *zap.SugaredLogger) *Client {
	return &Client{
		kcl:    kafkaClient,
		logger: logger,
	}
}

// StakeEvent is the change feed message. Exactly one of Start and End is set, matching Kind.
type StakeEvent struct {
	Kind    string               `json:"kind"`
	Network entities.Network     `json:"network"`
	StakeID string               `json:"stakeId"`
	Start   *entities.StakeStart `json:"stakeStart,omitempty"`
	End     *entities.StakeEnd   `json:"stakeEnd,omitempty"`
}

// PublishPage produces one record per stake start and stake end of a committed page and waits for all
// promises. Global infos are not part of the feed.
func (kc *Client) PublishPage(ctx context.Context, page *entities.Page) error {
	records := make([]*kgo.Record, 0, len(page.StakeStarts)+len(page.StakeEnds))
	for i := range page.StakeStarts {
		start := page.StakeStarts[i]
		record, err := createRecord(StakeEvent{Kind: KindStakeStart, Network: start.Network, StakeID: start.StakeID, Start: &start})
		if err != nil {
			return errors.Wrap(err, "creating stake start record")
		}
		records = append(records, record)
	}
	for i := range page.StakeEnds {
		end := page.StakeEnds[i]
		record, err := createRecord(StakeEvent{Kind: KindStakeEnd, Network: end.Network, StakeID: end.StakeID, End: &end})
		if err != nil {
			return errors.Wrap(err, "creating stake end record")
		}
		records = append(records, record)
	}
	if len(records) == 0 {
		return nil
	}

	wg := sync.WaitGroup{}
	errorChannel := make(chan error, len(records))
	for _, record := range records {
		wg.Add(1)
		kc.kcl.Produce(ctx, record, func(r *kgo.Record, err error) {
			defer wg.Done()
			if err != nil {
				kc.logger.Errorw("Error while producing stake record", "key", string(record.Key), "error", err)
				errorChannel <- err
				return
			}
			errorChannel <- nil
		})
	}

	wg.Wait()
	close(errorChannel)

	var failed int
	for err := range errorChannel {
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		return errors.Errorf("encountered %d errors while producing %d stake records", failed, len(records))
	}
	return nil
}

func createRecord(event StakeEvent) (*kgo.Record, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling stake event to json")
	}

	return &kgo.Record{
		Key:   []byte(event.Network.String() + "/" + event.StakeID),
		Value: payload,
	}, nil
}
