package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stakeledger/stake-sync/entities"
	"github.com/stakeledger/stake-sync/infrastructure/metrics"
	"go.uber.org/zap"
)

type Source interface {
	FetchPage(ctx context.Context, cursor entities.SourceCursor, pageSize int) (*entities.Page, error)
}

type Store interface {
	TryStartSync(ctx context.Context, network entities.Network, now time.Time, staleAfter time.Duration) (entities.SyncCursor, entities.StartOutcome, error)
	CommitPage(ctx context.Context, network entities.Network, page *entities.Page) (entities.CommitResult, error)
	FinishSync(ctx context.Context, network entities.Network, now time.Time, errorMessage string) error
}

// Publisher receives every committed page. Failures never roll back a commit.
type Publisher interface {
	PublishPage(ctx context.Context, page *entities.Page) error
}

// Refresher rebuilds the query snapshot of a network after a completed run.
type Refresher interface {
	Refresh(ctx context.Context, network entities.Network) error
}

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

type RunResult struct {
	State     State
	Pages     int
	Records   int
	Skipped   int
	Recovered bool
}

type Config struct {
	PageSize        int
	StaleRunTimeout time.Duration
	FetchTimeout    time.Duration
}

const finishTimeout = 10 * time.Second

// Orchestrator drives the sync runs of one network. It owns no loop: every Run is one pass from the
// stored cursor until the source reports no more pages.
type Orchestrator struct {
	network   entities.Network
	source    Source
	store     Store
	publisher Publisher
	refresher Refresher
	metrics   *metrics.Metrics
	cfg       Config
	logger    *zap.SugaredLogger
	now       func() time.Time

	background sync.WaitGroup
	mutex      sync.Mutex
	state      State
}

func NewOrchestrator(
	network entities.Network,
	source Source,
	store Store,
	publisher Publisher,
	refresher Refresher,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.SugaredLogger,
) *Orchestrator {
	return &Orchestrator{
		network:   network,
		source:    source,
		store:     store,
		publisher: publisher,
		refresher: refresher,
		metrics:   m,
		cfg:       cfg,
		logger:    logger.With("network", network.String()),
		now:       time.Now,
		state:     StateIdle,
	}
}

func (o *Orchestrator) Network() entities.Network {
	return o.network
}

// State returns the state of the latest run started by this process.
func (o *Orchestrator) State() State {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.state
}

func (o *Orchestrator) setState(state State) {
	o.mutex.Lock()
	o.state = state
	o.mutex.Unlock()
}

// Run executes one sync run and blocks until it finished. A run that finds another run in progress is
// skipped without error.
func (o *Orchestrator) Run(ctx context.Context) (RunResult, error) {
	cursor, outcome, err := o.acquire(ctx)
	if err != nil {
		return RunResult{State: StateFailed}, err
	}
	if outcome == entities.StartBusy {
		return RunResult{State: StateSkipped}, nil
	}
	return o.execute(ctx, cursor, outcome == entities.StartRecovered)
}

// Start acquires the run synchronously and executes it in the background. The returned state is either
// running or skipped.
func (o *Orchestrator) Start(ctx context.Context) (State, error) {
	cursor, outcome, err := o.acquire(ctx)
	if err != nil {
		return StateFailed, err
	}
	if outcome == entities.StartBusy {
		return StateSkipped, nil
	}

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		_, err := o.execute(ctx, cursor, outcome == entities.StartRecovered)
		if err != nil {
			o.logger.Errorw("Triggered sync run failed", "error", err)
		}
	}()
	return StateRunning, nil
}

// Wait blocks until all runs started with Start returned.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

func (o *Orchestrator) acquire(ctx context.Context) (entities.SyncCursor, entities.StartOutcome, error) {
	cursor, outcome, err := o.store.TryStartSync(ctx, o.network, o.now(), o.cfg.StaleRunTimeout)
	if err != nil {
		o.metrics.IncSyncRun(o.network, string(StateFailed))
		return entities.SyncCursor{}, entities.StartBusy, errors.Wrap(err, "starting sync")
	}

	switch outcome {
	case entities.StartBusy:
		o.logger.Infow("Sync already in progress. Skipping run.", "startedAt", cursor.LastSyncStartedAt)
		o.metrics.IncSyncRun(o.network, string(StateSkipped))
	case entities.StartRecovered:
		o.logger.Warnw("Taking over stale sync run", "staleAfter", o.cfg.StaleRunTimeout, "error", entities.ErrStaleRun)
		o.metrics.IncRecoveredRun(o.network)
	}
	return cursor, outcome, nil
}

func (o *Orchestrator) execute(ctx context.Context, cursor entities.SyncCursor, recovered bool) (RunResult, error) {
	o.setState(StateRunning)
	result := RunResult{State: StateRunning, Recovered: recovered}
	position := cursor.Position
	o.logger.Infow("Starting sync run", "stakeId", position.StakeID, "block", position.Block, "day", position.Day)

	for {
		page, err := o.fetch(ctx, position)
		if err != nil {
			return o.fail(ctx, result, errors.Wrap(err, "fetching page"))
		}
		if page.HasMore && page.Next == position {
			return o.fail(ctx, result, errors.Wrapf(entities.ErrSourceDataInvalid, "source cursor did not advance from %+v", position))
		}

		commit, err := o.store.CommitPage(ctx, o.network, page)
		if err != nil {
			return o.fail(ctx, result, errors.Wrap(err, "committing page"))
		}
		result.Pages++
		result.Records += page.Size()
		result.Skipped += page.Skipped
		o.metrics.AddCommittedPage(o.network, commit, page.Skipped)
		o.logger.Infow("Committed page", "stakeStarts", len(page.StakeStarts), "stakeEnds", len(page.StakeEnds),
			"globalInfos", len(page.GlobalInfos), "skipped", page.Skipped, "overwritten",
			commit.StakeStarts.Overwritten+commit.StakeEnds.Overwritten+commit.GlobalInfos.Overwritten)

		o.publish(ctx, page)
		position = commit.Cursor.Position

		if !page.HasMore {
			break
		}
		if err = ctx.Err(); err != nil {
			return o.fail(ctx, result, errors.Wrap(err, "run interrupted"))
		}
	}

	finishCtx, cancel := finishContext(ctx)
	defer cancel()
	completedAt := o.now()
	if err := o.store.FinishSync(finishCtx, o.network, completedAt, ""); err != nil {
		// the flag stays set and is recovered by the next run after the stale timeout
		result.State = StateFailed
		o.setState(StateFailed)
		o.metrics.IncSyncRun(o.network, string(StateFailed))
		return result, errors.Wrap(err, "finishing sync")
	}

	result.State = StateCompleted
	o.setState(StateCompleted)
	o.metrics.IncSyncRun(o.network, string(StateCompleted))
	o.metrics.SetLastSyncCompleted(o.network, completedAt)
	o.logger.Infow("Sync run completed", "pages", result.Pages, "records", result.Records, "skipped", result.Skipped)

	o.refresh(finishCtx)
	return result, nil
}

func (o *Orchestrator) refresh(ctx context.Context) {
	if o.refresher == nil {
		return
	}
	if err := o.refresher.Refresh(ctx, o.network); err != nil {
		o.logger.Warnw("Refreshing snapshot failed", "error", err)
	}
}

func (o *Orchestrator) fetch(ctx context.Context, position entities.SourceCursor) (*entities.Page, error) {
	if o.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.FetchTimeout)
		defer cancel()
	}
	return o.source.FetchPage(ctx, position, o.cfg.PageSize)
}

func (o *Orchestrator) publish(ctx context.Context, page *entities.Page) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishPage(ctx, page); err != nil {
		o.logger.Warnw("Publishing committed page failed", "error", err)
		o.metrics.IncPublishFailure(o.network)
	}
}

// fail records the error on the cursor row and clears the in progress flag. The cursor itself stays at
// the last committed page, and the snapshot is refreshed when any page was committed.
func (o *Orchestrator) fail(ctx context.Context, result RunResult, cause error) (RunResult, error) {
	result.State = StateFailed
	o.setState(StateFailed)
	o.metrics.IncSyncRun(o.network, string(StateFailed))
	o.logger.Errorw("Sync run failed", "pages", result.Pages, "error", cause)

	finishCtx, cancel := finishContext(ctx)
	defer cancel()
	if err := o.store.FinishSync(finishCtx, o.network, o.now(), cause.Error()); err != nil {
		o.logger.Errorw("Recording sync failure failed", "error", err)
	}
	if result.Pages > 0 {
		o.refresh(finishCtx)
	}
	return result, cause
}

// finishContext outlives a cancelled run context so the run can still be closed on shutdown.
func finishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
}
