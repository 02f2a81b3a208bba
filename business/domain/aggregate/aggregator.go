package aggregate

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/stakeledger/stake-sync/business/domain/snapshot"
	"github.com/stakeledger/stake-sync/business/domain/stakes"
	"github.com/stakeledger/stake-sync/entities"
	"github.com/stakeledger/stake-sync/infrastructure/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultMaxTopStakes = 1000

type Store interface {
	QueryActive(ctx context.Context, network entities.Network, currentDay uint32, limit, offset int) ([]entities.StakeStart, error)
	ActiveSummary(ctx context.Context, network entities.Network, currentDay uint32) (entities.Summary, error)
	LatestGlobalInfo(ctx context.Context, network entities.Network) (entities.GlobalInfo, error)
}

// Aggregator answers the ranking and metrics queries. Reads go to the store first and fall back to the
// last snapshot of a network when the store is unavailable.
type Aggregator struct {
	store        Store
	cache        *snapshot.Cache
	metrics      *metrics.Metrics
	maxTopStakes int
	logger       *zap.SugaredLogger
	now          func() time.Time
}

func NewAggregator(store Store, cache *snapshot.Cache, m *metrics.Metrics, maxTopStakes int, logger *zap.SugaredLogger) *Aggregator {
	if maxTopStakes <= 0 {
		maxTopStakes = DefaultMaxTopStakes
	}
	return &Aggregator{
		store:        store,
		cache:        cache,
		metrics:      m,
		maxTopStakes: maxTopStakes,
		logger:       logger,
		now:          time.Now,
	}
}

// networkView is what one network contributes to a response.
type networkView struct {
	network entities.Network
	day     entities.CurrentDay
	stakes  []entities.ClassifiedStake
	summary entities.Summary
	source  string
	stale   bool
	takenAt *time.Time
}

// Refresh reloads the full active set of a network and replaces its snapshot.
func (a *Aggregator) Refresh(ctx context.Context, network entities.Network) error {
	snap, err := a.loadSnapshot(ctx, network)
	if err != nil {
		return errors.Wrapf(err, "loading snapshot of [%s]", network)
	}
	a.cache.Put(snap)
	if snap.CurrentDay.Known {
		a.metrics.SetCurrentVirtualDay(network, snap.CurrentDay.Day)
	}
	a.logger.Infow("Refreshed snapshot", "network", network.String(), "activeStakes", snap.Summary.ActiveStakes,
		"currentDay", snap.CurrentDay.Day, "currentDayKnown", snap.CurrentDay.Known)
	return nil
}

// Forget drops the snapshot of a network, after a reset it must not be served anymore.
func (a *Aggregator) Forget(network entities.Network) {
	a.cache.Delete(network)
}

func (a *Aggregator) loadSnapshot(ctx context.Context, network entities.Network) (*snapshot.Snapshot, error) {
	day, err := stakes.CurrentDayOf(a.store.LatestGlobalInfo(ctx, network))
	if err != nil {
		return nil, errors.Wrap(err, "getting current day")
	}

	snap := &snapshot.Snapshot{
		Network:    network,
		CurrentDay: day,
		Active:     []entities.ClassifiedStake{},
		TakenAt:    a.now(),
	}
	if !day.Known {
		return snap, nil
	}

	starts, err := a.store.QueryActive(ctx, network, day.Day, 0, 0)
	if err != nil {
		return nil, errors.Wrap(err, "querying active stakes")
	}
	summary, err := a.store.ActiveSummary(ctx, network, day.Day)
	if err != nil {
		return nil, errors.Wrap(err, "summarizing active stakes")
	}
	snap.Active = stakes.ActiveOnly(starts, day)
	snap.Summary = summary
	return snap, nil
}

// TopStakes ranks the active stakes of all networks. n is bounded to [1, max top stakes]. Any network
// that can neither be read nor served from a snapshot fails the whole request.
func (a *Aggregator) TopStakes(ctx context.Context, n int) (*entities.TopStakesResult, error) {
	n = min(max(n, 1), a.maxTopStakes)

	views := make([]networkView, len(entities.Networks))
	g, gctx := errgroup.WithContext(ctx)
	for i, network := range entities.Networks {
		g.Go(func() error {
			view, err := a.view(gctx, network, n)
			if err != nil {
				return err
			}
			views[i] = view
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := entities.TopStakesResult{
		PerNetwork: make(map[entities.Network]entities.NetworkTopStakes, len(views)),
		Source:     entities.SourceStore,
	}
	lists := make([][]entities.ClassifiedStake, 0, len(views))
	var summary entities.Summary
	for _, view := range views {
		lists = append(lists, view.stakes)
		summary = summary.Add(view.summary)
		if view.stale {
			result.Stale = true
			result.Source = entities.SourceCache
		}
		result.PerNetwork[view.network] = entities.NetworkTopStakes{
			Stakes:                view.stakes,
			Totals:                entities.TotalsOf(view.summary),
			CurrentDay:            view.day.Day,
			CurrentDayUnavailable: !view.day.Known,
			Source:                view.source,
			Stale:                 view.stale,
		}
	}
	result.Combined = mergeRanked(lists, n)
	result.Totals = entities.TotalsOf(summary)
	return &result, nil
}

func (a *Aggregator) NetworkMetrics(ctx context.Context, network entities.Network) (*entities.NetworkMetrics, error) {
	view, err := a.view(ctx, network, 0)
	if err != nil {
		return nil, err
	}
	return &entities.NetworkMetrics{
		Network:               network,
		Totals:                entities.TotalsOf(view.summary),
		CurrentDay:            view.day.Day,
		CurrentDayUnavailable: !view.day.Known,
		Source:                view.source,
		Stale:                 view.stale,
		SnapshotTakenAt:       view.takenAt,
	}, nil
}

// view reads the top limit stakes and the summary of a network. limit 0 reads the summary only.
func (a *Aggregator) view(ctx context.Context, network entities.Network, limit int) (networkView, error) {
	view, err := a.readStore(ctx, network, limit)
	if errors.Is(err, entities.ErrStoreUnavailable) {
		return a.readSnapshot(network, limit, err)
	}
	if err != nil {
		return networkView{}, errors.Wrapf(err, "reading [%s]", network)
	}

	if !a.cache.Has(network) {
		if err := a.Refresh(ctx, network); err != nil {
			a.logger.Warnw("Creating initial snapshot failed", "network", network.String(), "error", err)
		}
	}
	return view, nil
}

func (a *Aggregator) readStore(ctx context.Context, network entities.Network, limit int) (networkView, error) {
	day, err := stakes.CurrentDayOf(a.store.LatestGlobalInfo(ctx, network))
	if err != nil {
		return networkView{}, errors.Wrap(err, "getting current day")
	}

	view := networkView{
		network: network,
		day:     day,
		stakes:  []entities.ClassifiedStake{},
		source:  entities.SourceStore,
	}
	if !day.Known {
		return view, nil
	}
	a.metrics.SetCurrentVirtualDay(network, day.Day)

	if limit > 0 {
		starts, err := a.store.QueryActive(ctx, network, day.Day, limit, 0)
		if err != nil {
			return networkView{}, errors.Wrap(err, "querying active stakes")
		}
		view.stakes = stakes.ActiveOnly(starts, day)
	}
	view.summary, err = a.store.ActiveSummary(ctx, network, day.Day)
	if err != nil {
		return networkView{}, errors.Wrap(err, "summarizing active stakes")
	}
	return view, nil
}

func (a *Aggregator) readSnapshot(network entities.Network, limit int, cause error) (networkView, error) {
	snap, found := a.cache.Get(network)
	if !found {
		a.logger.Errorw("Store unavailable and no snapshot", "network", network.String(), "error", cause)
		return networkView{}, &entities.NoDataError{Network: network, Reason: entities.ReasonStoreUnavailableNoSnapshot}
	}

	a.logger.Warnw("Serving snapshot", "network", network.String(), "takenAt", snap.TakenAt, "error", cause)
	a.metrics.IncDegradedResponse(network)
	takenAt := snap.TakenAt
	return networkView{
		network: network,
		day:     snap.CurrentDay,
		stakes:  snap.Top(limit),
		summary: snap.Summary,
		source:  entities.SourceCache,
		stale:   true,
		takenAt: &takenAt,
	}, nil
}
