package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/stakeledger/stake-sync/entities"
	"go.uber.org/zap"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.SugaredLogger
}

func NewLedgerStore(ctx context.Context, connString string, logger *zap.SugaredLogger) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errors.Wrapf(entities.ErrStoreUnavailable, "creating connection pool: %v", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrapf(entities.ErrStoreUnavailable, "pinging postgres: %v", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storeError(err, "pinging postgres")
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const upsertStakeStartSQL = `
INSERT INTO stake_starts (network, stake_id, staker_address, staked_amount, share_amount, start_day, end_day,
	staked_days, timestamp, is_auto_stake, source_tx_hash, source_block)
VALUES ($1, $2::text::numeric, $3, $4::text::numeric, $5::text::numeric, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (network, stake_id) DO UPDATE SET
	staker_address = EXCLUDED.staker_address,
	staked_amount  = EXCLUDED.staked_amount,
	share_amount   = EXCLUDED.share_amount,
	start_day      = EXCLUDED.start_day,
	end_day        = EXCLUDED.end_day,
	staked_days    = EXCLUDED.staked_days,
	timestamp      = EXCLUDED.timestamp,
	is_auto_stake  = EXCLUDED.is_auto_stake,
	source_tx_hash = EXCLUDED.source_tx_hash,
	source_block   = EXCLUDED.source_block
WHERE (stake_starts.*) IS DISTINCT FROM (EXCLUDED.*)
RETURNING (xmax = 0)`

const upsertStakeEndSQL = `
INSERT INTO stake_ends (network, stake_id, staker_address, payout, penalty, served_days, close_day, timestamp,
	source_tx_hash, source_block)
VALUES ($1, $2::text::numeric, $3, $4::text::numeric, $5::text::numeric, $6, $7, $8, $9, $10)
ON CONFLICT (network, stake_id) DO UPDATE SET
	staker_address = EXCLUDED.staker_address,
	payout         = EXCLUDED.payout,
	penalty        = EXCLUDED.penalty,
	served_days    = EXCLUDED.served_days,
	close_day      = EXCLUDED.close_day,
	timestamp      = EXCLUDED.timestamp,
	source_tx_hash = EXCLUDED.source_tx_hash,
	source_block   = EXCLUDED.source_block
WHERE (stake_ends.*) IS DISTINCT FROM (EXCLUDED.*)
RETURNING (xmax = 0)`

const upsertGlobalInfoSQL = `
INSERT INTO global_infos (network, virtual_day, locked_amount, share_total, penalty_total, timestamp)
VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5::text::numeric, $6)
ON CONFLICT (network, virtual_day) DO UPDATE SET
	locked_amount = EXCLUDED.locked_amount,
	share_total   = EXCLUDED.share_total,
	penalty_total = EXCLUDED.penalty_total,
	timestamp     = EXCLUDED.timestamp
WHERE (global_infos.*) IS DISTINCT FROM (EXCLUDED.*)
RETURNING (xmax = 0)`

type upsert struct {
	key  string
	sql  string
	args []any
}

func stakeStartUpserts(records []entities.StakeStart) ([]upsert, error) {
	ups := make([]upsert, 0, len(records))
	for _, r := range records {
		if err := validKey(r.Network, r.StakeID); err != nil {
			return nil, err
		}
		ups = append(ups, upsert{
			key: r.Network.String() + "/" + r.StakeID,
			sql: upsertStakeStartSQL,
			args: []any{int16(r.Network), r.StakeID, r.StakerAddress, r.StakedAmount.String(), r.ShareAmount.String(),
				int64(r.StartDay), int64(r.EndDay), int64(r.StakedDays), int64(r.Timestamp), r.IsAutoStake,
				r.SourceTxHash, int64(r.SourceBlock)},
		})
	}
	return ups, nil
}

func stakeEndUpserts(records []entities.StakeEnd) ([]upsert, error) {
	ups := make([]upsert, 0, len(records))
	for _, r := range records {
		if err := validKey(r.Network, r.StakeID); err != nil {
			return nil, err
		}
		ups = append(ups, upsert{
			key: r.Network.String() + "/" + r.StakeID,
			sql: upsertStakeEndSQL,
			args: []any{int16(r.Network), r.StakeID, r.StakerAddress, r.Payout.String(), r.Penalty.String(),
				int64(r.ServedDays), int64(r.CloseDay), int64(r.Timestamp), r.SourceTxHash, int64(r.SourceBlock)},
		})
	}
	return ups, nil
}

func globalInfoUpserts(records []entities.GlobalInfo) ([]upsert, error) {
	ups := make([]upsert, 0, len(records))
	for _, r := range records {
		if !r.Network.Valid() {
			return nil, errors.Errorf("invalid network [%d]", r.Network)
		}
		ups = append(ups, upsert{
			key: fmt.Sprintf("%s/day/%d", r.Network, r.VirtualDay),
			sql: upsertGlobalInfoSQL,
			args: []any{int16(r.Network), int64(r.VirtualDay), r.LockedAmount.String(), r.ShareTotal.String(),
				r.PenaltyTotal.String(), int64(r.Timestamp)},
		})
	}
	return ups, nil
}

func validKey(network entities.Network, stakeID string) error {
	if !network.Valid() {
		return errors.Errorf("invalid network [%d]", network)
	}
	if !entities.ValidStakeID(stakeID) {
		return errors.Errorf("invalid stake id [%s]", stakeID)
	}
	return nil
}

func (s *Store) UpsertStakeStarts(ctx context.Context, records []entities.StakeStart) (entities.UpsertResult, error) {
	ups, err := stakeStartUpserts(records)
	if err != nil {
		return entities.UpsertResult{}, err
	}
	return s.upsertInTx(ctx, "stake start", ups)
}

func (s *Store) UpsertStakeEnds(ctx context.Context, records []entities.StakeEnd) (entities.UpsertResult, error) {
	ups, err := stakeEndUpserts(records)
	if err != nil {
		return entities.UpsertResult{}, err
	}
	return s.upsertInTx(ctx, "stake end", ups)
}

func (s *Store) UpsertGlobalInfos(ctx context.Context, records []entities.GlobalInfo) (entities.UpsertResult, error) {
	ups, err := globalInfoUpserts(records)
	if err != nil {
		return entities.UpsertResult{}, err
	}
	return s.upsertInTx(ctx, "global info", ups)
}

func (s *Store) upsertInTx(ctx context.Context, kind string, ups []upsert) (entities.UpsertResult, error) {
	var result entities.UpsertResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		result, err = s.runUpserts(ctx, tx, kind, ups)
		return err
	})
	return result, err
}

// runUpserts sends all upserts as one batch. A statement returning no row left an identical record
// untouched; otherwise xmax tells an insert from an overwrite.
func (s *Store) runUpserts(ctx context.Context, tx pgx.Tx, kind string, ups []upsert) (entities.UpsertResult, error) {
	if len(ups) == 0 {
		return entities.UpsertResult{}, nil
	}

	batch := &pgx.Batch{}
	for _, u := range ups {
		batch.Queue(u.sql, u.args...)
	}
	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	seen := make(map[string]struct{}, len(ups))
	var result entities.UpsertResult
	for _, u := range ups {
		seen[u.key] = struct{}{}

		var inserted bool
		err := results.QueryRow().Scan(&inserted)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return entities.UpsertResult{}, storeError(err, "upserting %s [%s]", kind, u.key)
		}
		if inserted {
			result.Inserted++
			continue
		}
		result.Overwritten++
		s.logger.Warnw("Overwriting stored record with differing payload", "kind", kind, "key", u.key,
			"error", entities.ErrIdentityConflict)
	}
	result.Count = len(seen)
	return result, nil
}

const cursorColumns = `network, last_synced_stake_id, last_synced_block, last_synced_day, total_stakes_synced,
	total_ends_synced, sync_in_progress, last_sync_started_at, last_sync_completed_at, error_message`

// CommitPage writes all records of a page and advances the cursor in one transaction.
func (s *Store) CommitPage(ctx context.Context, network entities.Network, page *entities.Page) (entities.CommitResult, error) {
	if err := page.CheckNetwork(network); err != nil {
		return entities.CommitResult{}, err
	}
	starts, err := stakeStartUpserts(page.StakeStarts)
	if err != nil {
		return entities.CommitResult{}, err
	}
	ends, err := stakeEndUpserts(page.StakeEnds)
	if err != nil {
		return entities.CommitResult{}, err
	}
	infos, err := globalInfoUpserts(page.GlobalInfos)
	if err != nil {
		return entities.CommitResult{}, err
	}

	var result entities.CommitResult
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if result.StakeStarts, err = s.runUpserts(ctx, tx, "stake start", starts); err != nil {
			return errors.Wrap(err, "staging stake starts")
		}
		if result.StakeEnds, err = s.runUpserts(ctx, tx, "stake end", ends); err != nil {
			return errors.Wrap(err, "staging stake ends")
		}
		if result.GlobalInfos, err = s.runUpserts(ctx, tx, "global info", infos); err != nil {
			return errors.Wrap(err, "staging global infos")
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO sync_cursors (network, last_synced_stake_id, last_synced_block, last_synced_day,
				total_stakes_synced, total_ends_synced)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (network) DO UPDATE SET
				last_synced_stake_id = EXCLUDED.last_synced_stake_id,
				last_synced_block    = EXCLUDED.last_synced_block,
				last_synced_day      = EXCLUDED.last_synced_day,
				total_stakes_synced  = sync_cursors.total_stakes_synced + EXCLUDED.total_stakes_synced,
				total_ends_synced    = sync_cursors.total_ends_synced + EXCLUDED.total_ends_synced
			RETURNING `+cursorColumns,
			int16(network), page.Next.StakeID, int64(page.Next.Block), int64(page.Next.Day),
			int64(result.StakeStarts.Inserted), int64(result.StakeEnds.Inserted))
		result.Cursor, err = scanCursor(row)
		if err != nil {
			return storeError(err, "advancing cursor")
		}
		return nil
	})
	if err != nil {
		return entities.CommitResult{}, err
	}
	return result, nil
}

func (s *Store) GetCursor(ctx context.Context, network entities.Network) (entities.SyncCursor, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+cursorColumns+` FROM sync_cursors WHERE network = $1`, int16(network))
	cursor, err := scanCursor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.SyncCursor{Network: network}, nil
	}
	if err != nil {
		return entities.SyncCursor{}, storeError(err, "getting cursor for [%s]", network)
	}
	return cursor, nil
}

func (s *Store) AdvanceCursor(ctx context.Context, network entities.Network, position entities.SourceCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (network, last_synced_stake_id, last_synced_block, last_synced_day)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (network) DO UPDATE SET
			last_synced_stake_id = EXCLUDED.last_synced_stake_id,
			last_synced_block    = EXCLUDED.last_synced_block,
			last_synced_day      = EXCLUDED.last_synced_day`,
		int16(network), position.StakeID, int64(position.Block), int64(position.Day))
	if err != nil {
		return storeError(err, "advancing cursor for [%s]", network)
	}
	return nil
}

// TryStartSync takes the in progress flag with a conditional update on the locked cursor row. A run
// still flagged after staleAfter is taken over.
func (s *Store) TryStartSync(ctx context.Context, network entities.Network, now time.Time, staleAfter time.Duration) (entities.SyncCursor, entities.StartOutcome, error) {
	var cursor entities.SyncCursor
	outcome := entities.StartBusy
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO sync_cursors (network) VALUES ($1) ON CONFLICT (network) DO NOTHING`, int16(network))
		if err != nil {
			return storeError(err, "creating cursor")
		}

		row := tx.QueryRow(ctx, `SELECT `+cursorColumns+` FROM sync_cursors WHERE network = $1 FOR UPDATE`, int16(network))
		current, err := scanCursor(row)
		if err != nil {
			return storeError(err, "locking cursor")
		}

		row = tx.QueryRow(ctx, `
			UPDATE sync_cursors SET sync_in_progress = TRUE, last_sync_started_at = $2
			WHERE network = $1 AND (NOT sync_in_progress OR last_sync_started_at IS NULL OR last_sync_started_at < $3)
			RETURNING `+cursorColumns,
			int16(network), now, now.Add(-staleAfter))
		cursor, err = scanCursor(row)
		if errors.Is(err, pgx.ErrNoRows) {
			cursor = current
			return nil
		}
		if err != nil {
			return storeError(err, "flagging sync in progress")
		}

		outcome = entities.StartAcquired
		if current.SyncInProgress {
			outcome = entities.StartRecovered
		}
		return nil
	})
	if err != nil {
		return entities.SyncCursor{}, entities.StartBusy, err
	}
	return cursor, outcome, nil
}

// FinishSync clears the in progress flag. An empty errorMessage marks the run as completed.
func (s *Store) FinishSync(ctx context.Context, network entities.Network, now time.Time, errorMessage string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (network, error_message, last_sync_completed_at)
		VALUES ($1, $2::text, CASE WHEN $2::text = '' THEN $3::timestamptz END)
		ON CONFLICT (network) DO UPDATE SET
			sync_in_progress       = FALSE,
			error_message          = EXCLUDED.error_message,
			last_sync_completed_at = COALESCE(EXCLUDED.last_sync_completed_at, sync_cursors.last_sync_completed_at)`,
		int16(network), errorMessage, now)
	if err != nil {
		return storeError(err, "finishing sync for [%s]", network)
	}
	return nil
}

func (s *Store) CountByNetwork(ctx context.Context) (map[entities.Network]entities.RecordCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT 'starts', network, COUNT(*) FROM stake_starts GROUP BY network
		UNION ALL SELECT 'ends', network, COUNT(*) FROM stake_ends GROUP BY network
		UNION ALL SELECT 'infos', network, COUNT(*) FROM global_infos GROUP BY network`)
	if err != nil {
		return nil, storeError(err, "counting records")
	}
	defer rows.Close()

	counts := make(map[entities.Network]entities.RecordCounts, len(entities.Networks))
	for _, network := range entities.Networks {
		counts[network] = entities.RecordCounts{}
	}
	for rows.Next() {
		var kind string
		var network int16
		var n int64
		if err = rows.Scan(&kind, &network, &n); err != nil {
			return nil, storeError(err, "scanning record count")
		}
		c := counts[entities.Network(network)]
		switch kind {
		case "starts":
			c.StakeStarts = uint64(n)
		case "ends":
			c.StakeEnds = uint64(n)
		case "infos":
			c.GlobalInfos = uint64(n)
		}
		counts[entities.Network(network)] = c
	}
	if err = rows.Err(); err != nil {
		return nil, storeError(err, "counting records")
	}
	return counts, nil
}

const activeFilter = `
	FROM stake_starts s
	WHERE s.network = $1 AND s.end_day > $2
	AND NOT EXISTS (SELECT 1 FROM stake_ends e WHERE e.network = s.network AND e.stake_id = s.stake_id)`

// QueryActive returns the stakes with endDay > currentDay and no observed stake end, ranked by staked
// amount. A limit <= 0 returns all of them.
func (s *Store) QueryActive(ctx context.Context, network entities.Network, currentDay uint32, limit, offset int) ([]entities.StakeStart, error) {
	var limitArg any
	if limit > 0 {
		limitArg = int64(limit)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT s.network, s.stake_id::text, s.staker_address, s.staked_amount::text, s.share_amount::text,
			s.start_day, s.end_day, s.staked_days, s.timestamp, s.is_auto_stake, s.source_tx_hash, s.source_block`+
		activeFilter+`
		ORDER BY s.staked_amount DESC, s.stake_id ASC
		LIMIT $3 OFFSET $4`,
		int16(network), int64(currentDay), limitArg, int64(max(offset, 0)))
	if err != nil {
		return nil, storeError(err, "querying active stakes")
	}

	stakes, err := pgx.CollectRows(rows, scanStakeStart)
	if err != nil {
		return nil, storeError(err, "scanning active stakes")
	}
	return stakes, nil
}

func (s *Store) ActiveSummary(ctx context.Context, network entities.Network, currentDay uint32) (entities.Summary, error) {
	var count, stakedDays int64
	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(s.staked_amount), 0)::text, COALESCE(SUM(s.staked_days), 0)::bigint`+activeFilter,
		int16(network), int64(currentDay)).Scan(&count, &total, &stakedDays)
	if err != nil {
		return entities.Summary{}, storeError(err, "summarizing active stakes")
	}

	amount, err := entities.ParseAmount(total)
	if err != nil {
		return entities.Summary{}, errors.Wrap(err, "parsing total staked")
	}
	return entities.Summary{ActiveStakes: uint64(count), TotalStaked: amount, TotalStakedDays: uint64(stakedDays)}, nil
}

func (s *Store) LatestGlobalInfo(ctx context.Context, network entities.Network) (entities.GlobalInfo, error) {
	var virtualDay, timestamp int64
	var locked, shares, penalties string
	err := s.pool.QueryRow(ctx, `
		SELECT virtual_day, locked_amount::text, share_total::text, penalty_total::text, timestamp
		FROM global_infos WHERE network = $1 ORDER BY virtual_day DESC LIMIT 1`,
		int16(network)).Scan(&virtualDay, &locked, &shares, &penalties, &timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.GlobalInfo{}, entities.ErrNotFound
	}
	if err != nil {
		return entities.GlobalInfo{}, storeError(err, "getting latest global info for [%s]", network)
	}

	info := entities.GlobalInfo{Network: network, VirtualDay: uint32(virtualDay), Timestamp: uint64(timestamp)}
	if info.LockedAmount, err = entities.ParseAmount(locked); err != nil {
		return entities.GlobalInfo{}, errors.Wrap(err, "parsing locked amount")
	}
	if info.ShareTotal, err = entities.ParseAmount(shares); err != nil {
		return entities.GlobalInfo{}, errors.Wrap(err, "parsing share total")
	}
	if info.PenaltyTotal, err = entities.ParseAmount(penalties); err != nil {
		return entities.GlobalInfo{}, errors.Wrap(err, "parsing penalty total")
	}
	return info, nil
}

// ResetNetwork deletes all records and the cursor of a network. Refused while a run is in progress.
func (s *Store) ResetNetwork(ctx context.Context, network entities.Network) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var inProgress bool
		err := tx.QueryRow(ctx, `SELECT sync_in_progress FROM sync_cursors WHERE network = $1 FOR UPDATE`, int16(network)).Scan(&inProgress)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return storeError(err, "locking cursor")
		}
		if inProgress {
			return entities.ErrSyncInProgress
		}

		for _, table := range []string{"stake_starts", "stake_ends", "global_infos", "sync_cursors"} {
			if _, err = tx.Exec(ctx, `DELETE FROM `+table+` WHERE network = $1`, int16(network)); err != nil {
				return storeError(err, "deleting from %s", table)
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeError(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return storeError(err, "committing transaction")
	}
	return nil
}

func scanCursor(row pgx.Row) (entities.SyncCursor, error) {
	var network int16
	var block, day, stakes, ends int64
	var started, completed *time.Time
	var cursor entities.SyncCursor
	err := row.Scan(&network, &cursor.Position.StakeID, &block, &day, &stakes, &ends, &cursor.SyncInProgress,
		&started, &completed, &cursor.ErrorMessage)
	if err != nil {
		return entities.SyncCursor{}, err
	}

	cursor.Network = entities.Network(network)
	cursor.Position.Block = uint64(block)
	cursor.Position.Day = uint32(day)
	cursor.TotalStakesSynced = uint64(stakes)
	cursor.TotalEndsSynced = uint64(ends)
	if started != nil {
		cursor.LastSyncStartedAt = *started
	}
	if completed != nil {
		cursor.LastSyncCompletedAt = *completed
	}
	return cursor, nil
}

func scanStakeStart(row pgx.CollectableRow) (entities.StakeStart, error) {
	var network int16
	var stakeID, staked, shares string
	var startDay, endDay, stakedDays, timestamp, block int64
	var stake entities.StakeStart
	err := row.Scan(&network, &stakeID, &stake.StakerAddress, &staked, &shares, &startDay, &endDay, &stakedDays,
		&timestamp, &stake.IsAutoStake, &stake.SourceTxHash, &block)
	if err != nil {
		return entities.StakeStart{}, err
	}

	stake.Network = entities.Network(network)
	stake.StakeID = stakeID
	if stake.StakedAmount, err = entities.ParseAmount(staked); err != nil {
		return entities.StakeStart{}, errors.Wrap(err, "parsing staked amount")
	}
	if stake.ShareAmount, err = entities.ParseAmount(shares); err != nil {
		return entities.StakeStart{}, errors.Wrap(err, "parsing share amount")
	}
	stake.StartDay = uint32(startDay)
	stake.EndDay = uint32(endDay)
	stake.StakedDays = uint32(stakedDays)
	stake.Timestamp = uint64(timestamp)
	stake.SourceBlock = uint64(block)
	return stake, nil
}

// storeError keeps errors reported by postgres itself as regular errors. Everything else (connection
// refused, closed pool, timeouts) means the store cannot be reached.
func storeError(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return errors.Wrap(err, msg)
	}
	return errors.Wrapf(entities.ErrStoreUnavailable, "%s: %v", msg, err)
}
