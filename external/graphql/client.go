package graphql

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/stakeledger/stake-sync/entities"
	"go.uber.org/zap"
)

const (
	MinPageSize = 1
	MaxPageSize = 1000
)

const pageQuery = `query StakePage($first: Int!, $stakeId: BigInt!, $block: BigInt!, $day: BigInt!) {
  stakeStarts(first: $first, orderBy: stakeId, orderDirection: asc, where: {stakeId_gt: $stakeId}) {
    stakeId stakerAddr stakedHearts stakeShares startDay endDay stakedDays timestamp isAutoStake transactionHash blockNumber
  }
  stakeEnds(first: $first, orderBy: blockNumber, orderDirection: asc, where: {blockNumber_gte: $block}) {
    stakeId stakerAddr payout penalty servedDays closeDay timestamp transactionHash blockNumber
  }
  dailyGlobalInfos(first: $first, orderBy: day, orderDirection: asc, where: {day_gte: $day}) {
    day lockedHeartsTotal stakeSharesTotal stakePenaltyTotal timestamp
  }
}`

type Config struct {
	URL          string
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
}

// Client fetches pages of staking events of one network from its GraphQL endpoint.
type Client struct {
	network    entities.Network
	url        string
	httpClient *resty.Client
	logger     *zap.SugaredLogger
}

func retryOnErrOr5xx(r *resty.Response, err error) bool {
	return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
}

func retryOnTooManyRequests(r *resty.Response, _ error) bool {
	return r != nil && r.StatusCode() == http.StatusTooManyRequests
}

func NewClient(network entities.Network, cfg Config, logger *zap.SugaredLogger) *Client {
	if cfg.RetryMaxWait < cfg.RetryWait {
		cfg.RetryMaxWait = cfg.RetryWait
	}
	httpClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(retryOnErrOr5xx).
		AddRetryCondition(retryOnTooManyRequests).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		network:    network,
		url:        cfg.URL,
		httpClient: httpClient,
		logger:     logger.With("network", network.String()),
	}
}

func ClampPageSize(pageSize int) int {
	return min(max(pageSize, MinPageSize), MaxPageSize)
}

// FetchPage fetches the next page of all three event streams after cursor. Records that cannot be
// decoded or normalized are skipped and counted. Transport failures that survive the retries are
// reported as entities.ErrSourceUnavailable, a response that is not a page at all as
// entities.ErrSourceDataInvalid.
func (c *Client) FetchPage(ctx context.Context, cursor entities.SourceCursor, pageSize int) (*entities.Page, error) {
	pageSize = ClampPageSize(pageSize)

	stakeIDAfter := cursor.StakeID
	if stakeIDAfter == "" {
		stakeIDAfter = "-1"
	}
	request := pageRequest{
		Query: pageQuery,
		Variables: map[string]any{
			"first":   pageSize,
			"stakeId": stakeIDAfter,
			"block":   strconv.FormatUint(cursor.Block, 10),
			"day":     strconv.FormatUint(uint64(cursor.Day), 10),
		},
	}

	// the body is decoded here rather than by resty so that bad data is never retried as an outage
	res, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		Post(c.url)
	if err != nil {
		return nil, errors.Wrapf(entities.ErrSourceUnavailable, "posting page query: %v", err)
	}
	if res.StatusCode() != http.StatusOK {
		return nil, errors.Wrapf(entities.ErrSourceUnavailable, "unexpected status code [%d]", res.StatusCode())
	}
	var response pageResponse
	if err = json.Unmarshal(res.Body(), &response); err != nil {
		return nil, errors.Wrapf(entities.ErrSourceDataInvalid, "decoding page response: %v", err)
	}
	if len(response.Errors) > 0 {
		messages := make([]string, 0, len(response.Errors))
		for _, e := range response.Errors {
			messages = append(messages, e.Message)
		}
		return nil, errors.Wrapf(entities.ErrSourceUnavailable, "graphql errors: %s", strings.Join(messages, "; "))
	}

	return c.normalize(cursor, pageSize, &response)
}

func (c *Client) normalize(cursor entities.SourceCursor, pageSize int, response *pageResponse) (*entities.Page, error) {
	page := &entities.Page{Next: cursor}
	data := response.Data

	for _, raw := range data.StakeStarts {
		// advance past every returned id, even when the rest of the record is unusable
		if id, ok := positionOf(raw).stakeID(); ok &&
			(page.Next.StakeID == "" || entities.CompareStakeIDs(id, page.Next.StakeID) > 0) {
			page.Next.StakeID = id
		}
		var stake entities.StakeStart
		dto, err := decode[stakeStartDTO](raw)
		if err == nil {
			stake, err = dto.toEntity(c.network)
		}
		if err != nil {
			c.skip("stake start", err)
			page.Skipped++
			continue
		}
		page.StakeStarts = append(page.StakeStarts, stake)
	}

	for _, raw := range data.StakeEnds {
		if block, ok := positionOf(raw).block(); ok && block > page.Next.Block {
			page.Next.Block = block
		}
		var end entities.StakeEnd
		dto, err := decode[stakeEndDTO](raw)
		if err == nil {
			end, err = dto.toEntity(c.network)
		}
		if err != nil {
			c.skip("stake end", err)
			page.Skipped++
			continue
		}
		page.StakeEnds = append(page.StakeEnds, end)
	}

	for _, raw := range data.DailyGlobalInfos {
		if day, ok := positionOf(raw).day(); ok && day > page.Next.Day {
			page.Next.Day = day
		}
		var info entities.GlobalInfo
		dto, err := decode[globalInfoDTO](raw)
		if err == nil {
			info, err = dto.toEntity(c.network)
		}
		if err != nil {
			c.skip("global info", err)
			page.Skipped++
			continue
		}
		page.GlobalInfos = append(page.GlobalInfos, info)
	}

	fullStarts := len(data.StakeStarts) >= pageSize
	fullEnds := len(data.StakeEnds) >= pageSize
	fullInfos := len(data.DailyGlobalInfos) >= pageSize

	// inclusive streams: a full page that does not move past the cursor would be fetched forever
	if fullEnds && page.Next.Block == cursor.Block {
		return nil, errors.Wrapf(entities.ErrSourceDataInvalid, "page of %d stake ends stuck at block [%d]", pageSize, cursor.Block)
	}
	if fullInfos && page.Next.Day == cursor.Day {
		return nil, errors.Wrapf(entities.ErrSourceDataInvalid, "page of %d global infos stuck at day [%d]", pageSize, cursor.Day)
	}

	page.HasMore = fullStarts || fullEnds || fullInfos
	return page, nil
}

func (c *Client) skip(kind string, err error) {
	c.logger.Warnw("Skipping invalid source record", "kind", kind, "error", err)
}
