package postgres

import (
	"context"

	"github.com/pkg/errors"
)

// The composite (network, stake_id) primary keys are the only place the identity rule is declared.
// Stake ids and amounts exceed 64 bits and are stored as NUMERIC.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS stake_starts (
		network        SMALLINT       NOT NULL,
		stake_id       NUMERIC(78, 0) NOT NULL,
		staker_address TEXT           NOT NULL,
		staked_amount  NUMERIC(78, 0) NOT NULL,
		share_amount   NUMERIC(78, 0) NOT NULL,
		start_day      BIGINT         NOT NULL,
		end_day        BIGINT         NOT NULL,
		staked_days    BIGINT         NOT NULL,
		timestamp      BIGINT         NOT NULL,
		is_auto_stake  BOOLEAN        NOT NULL,
		source_tx_hash TEXT           NOT NULL,
		source_block   BIGINT         NOT NULL,
		PRIMARY KEY (network, stake_id)
	)`,
	`CREATE INDEX IF NOT EXISTS stake_starts_active_idx ON stake_starts (network, end_day, staked_amount DESC)`,
	`CREATE TABLE IF NOT EXISTS stake_ends (
		network        SMALLINT       NOT NULL,
		stake_id       NUMERIC(78, 0) NOT NULL,
		staker_address TEXT           NOT NULL,
		payout         NUMERIC(78, 0) NOT NULL,
		penalty        NUMERIC(78, 0) NOT NULL,
		served_days    BIGINT         NOT NULL,
		close_day      BIGINT         NOT NULL,
		timestamp      BIGINT         NOT NULL,
		source_tx_hash TEXT           NOT NULL,
		source_block   BIGINT         NOT NULL,
		PRIMARY KEY (network, stake_id)
	)`,
	`CREATE TABLE IF NOT EXISTS global_infos (
		network       SMALLINT       NOT NULL,
		virtual_day   BIGINT         NOT NULL,
		locked_amount NUMERIC(78, 0) NOT NULL,
		share_total   NUMERIC(78, 0) NOT NULL,
		penalty_total NUMERIC(78, 0) NOT NULL,
		timestamp     BIGINT         NOT NULL,
		PRIMARY KEY (network, virtual_day)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_cursors (
		network                SMALLINT    PRIMARY KEY,
		last_synced_stake_id   TEXT        NOT NULL DEFAULT '',
		last_synced_block      BIGINT      NOT NULL DEFAULT 0,
		last_synced_day        BIGINT      NOT NULL DEFAULT 0,
		total_stakes_synced    BIGINT      NOT NULL DEFAULT 0,
		total_ends_synced      BIGINT      NOT NULL DEFAULT 0,
		sync_in_progress       BOOLEAN     NOT NULL DEFAULT FALSE,
		last_sync_started_at   TIMESTAMPTZ,
		last_sync_completed_at TIMESTAMPTZ,
		error_message          TEXT        NOT NULL DEFAULT ''
	)`,
}

// Migrate creates the schema if it does not exist yet. It is safe to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return storeError(err, "running migration %d", i)
		}
	}
	return nil
}
