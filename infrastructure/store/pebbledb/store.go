package pebbledb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/stakeledger/stake-sync/entities"
	"go.uber.org/zap"
)

// Key layout. Every record key carries the network byte right after the prefix, so identical stake ids
// of different networks never share a key.
//
//	stake start:  0x01 | network | len(id) | id
//	stake end:    0x02 | network | len(id) | id
//	global info:  0x03 | network | virtualDay (uint32 big endian)
//	sync cursor:  0x04 | network
const (
	stakeStartPrefix = 0x01
	stakeEndPrefix   = 0x02
	globalInfoPrefix = 0x03
	syncCursorPrefix = 0x04
)

const maxStakeIDLength = 255

type Store struct {
	db     *pebble.DB
	logger *zap.SugaredLogger
	closed atomic.Bool
	// serializes read-check-write sequences. pebble locks the directory, so this process is the only writer.
	mu sync.Mutex
}

func NewLedgerStore(storeDir string, logger *zap.SugaredLogger) (*Store, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "stake-ledger-store"), &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(entities.ErrStoreUnavailable, "opening pebble db: %v", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Ping(_ context.Context) error {
	return s.checkOpen()
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return errors.Wrap(entities.ErrStoreUnavailable, "store closed")
	}
	return nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) UpsertStakeStarts(ctx context.Context, records []entities.StakeStart) (entities.UpsertResult, error) {
	return s.upsert(ctx, func(batch *pebble.Batch) (entities.UpsertResult, error) {
		return s.stageStakeStarts(batch, records)
	})
}

func (s *Store) UpsertStakeEnds(ctx context.Context, records []entities.StakeEnd) (entities.UpsertResult, error) {
	return s.upsert(ctx, func(batch *pebble.Batch) (entities.UpsertResult, error) {
		return s.stageStakeEnds(batch, records)
	})
}

func (s *Store) UpsertGlobalInfos(ctx context.Context, records []entities.GlobalInfo) (entities.UpsertResult, error) {
	return s.upsert(ctx, func(batch *pebble.Batch) (entities.UpsertResult, error) {
		return s.stageGlobalInfos(batch, records)
	})
}

func (s *Store) upsert(_ context.Context, stage func(batch *pebble.Batch) (entities.UpsertResult, error)) (entities.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return entities.UpsertResult{}, err
	}

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	result, err := stage(batch)
	if err != nil {
		return entities.UpsertResult{}, err
	}
	if err = batch.Commit(pebble.Sync); err != nil {
		return entities.UpsertResult{}, errors.Wrapf(entities.ErrStoreUnavailable, "committing batch: %v", err)
	}
	return result, nil
}

// CommitPage writes all records of a page and advances the cursor in one atomic batch.
func (s *Store) CommitPage(_ context.Context, network entities.Network, page *entities.Page) (entities.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return entities.CommitResult{}, err
	}
	if err := page.CheckNetwork(network); err != nil {
		return entities.CommitResult{}, err
	}

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	var result entities.CommitResult
	var err error
	if result.StakeStarts, err = s.stageStakeStarts(batch, page.StakeStarts); err != nil {
		return entities.CommitResult{}, errors.Wrap(err, "staging stake starts")
	}
	if result.StakeEnds, err = s.stageStakeEnds(batch, page.StakeEnds); err != nil {
		return entities.CommitResult{}, errors.Wrap(err, "staging stake ends")
	}
	if result.GlobalInfos, err = s.stageGlobalInfos(batch, page.GlobalInfos); err != nil {
		return entities.CommitResult{}, errors.Wrap(err, "staging global infos")
	}

	cursor, err := s.getCursor(network)
	if err != nil {
		return entities.CommitResult{}, errors.Wrap(err, "getting cursor")
	}
	cursor.Position = page.Next
	cursor.TotalStakesSynced += uint64(result.StakeStarts.Inserted)
	cursor.TotalEndsSynced += uint64(result.StakeEnds.Inserted)
	if err = stageCursor(batch, cursor); err != nil {
		return entities.CommitResult{}, err
	}

	if err = batch.Commit(pebble.Sync); err != nil {
		return entities.CommitResult{}, errors.Wrapf(entities.ErrStoreUnavailable, "committing page: %v", err)
	}
	result.Cursor = cursor
	return result, nil
}

func (s *Store) stageStakeStarts(batch *pebble.Batch, records []entities.StakeStart) (entities.UpsertResult, error) {
	tracker := newUpsertTracker(batch, s.logger, "stake start")
	for _, r := range records {
		key, err := stakeKey(stakeStartPrefix, r.Network, r.StakeID)
		if err != nil {
			return entities.UpsertResult{}, err
		}
		if err = tracker.put(key, r); err != nil {
			return entities.UpsertResult{}, err
		}
	}
	return tracker.result(), nil
}

func (s *Store) stageStakeEnds(batch *pebble.Batch, records []entities.StakeEnd) (entities.UpsertResult, error) {
	tracker := newUpsertTracker(batch, s.logger, "stake end")
	for _, r := range records {
		key, err := stakeKey(stakeEndPrefix, r.Network, r.StakeID)
		if err != nil {
			return entities.UpsertResult{}, err
		}
		if err = tracker.put(key, r); err != nil {
			return entities.UpsertResult{}, err
		}
	}
	return tracker.result(), nil
}

func (s *Store) stageGlobalInfos(batch *pebble.Batch, records []entities.GlobalInfo) (entities.UpsertResult, error) {
	tracker := newUpsertTracker(batch, s.logger, "global info")
	for _, r := range records {
		if !r.Network.Valid() {
			return entities.UpsertResult{}, errors.Errorf("invalid network [%d]", r.Network)
		}
		if err := tracker.put(globalInfoKey(r.Network, r.VirtualDay), r); err != nil {
			return entities.UpsertResult{}, err
		}
	}
	return tracker.result(), nil
}

func (s *Store) GetCursor(_ context.Context, network entities.Network) (entities.SyncCursor, error) {
	if err := s.checkOpen(); err != nil {
		return entities.SyncCursor{}, err
	}
	return s.getCursor(network)
}

func (s *Store) AdvanceCursor(_ context.Context, network entities.Network, position entities.SourceCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	cursor, err := s.getCursor(network)
	if err != nil {
		return errors.Wrap(err, "getting cursor")
	}
	cursor.Position = position
	return s.setCursor(cursor)
}

// TryStartSync flags a run as in progress unless another, not yet stale, run holds the flag.
func (s *Store) TryStartSync(_ context.Context, network entities.Network, now time.Time, staleAfter time.Duration) (entities.SyncCursor, entities.StartOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return entities.SyncCursor{}, entities.StartBusy, err
	}

	cursor, err := s.getCursor(network)
	if err != nil {
		return entities.SyncCursor{}, entities.StartBusy, errors.Wrap(err, "getting cursor")
	}
	if cursor.SyncInProgress && !cursor.IsStale(now, staleAfter) {
		return cursor, entities.StartBusy, nil
	}

	outcome := entities.StartAcquired
	if cursor.SyncInProgress {
		outcome = entities.StartRecovered
	}
	cursor.SyncInProgress = true
	cursor.LastSyncStartedAt = now
	if err = s.setCursor(cursor); err != nil {
		return entities.SyncCursor{}, entities.StartBusy, err
	}
	return cursor, outcome, nil
}

// FinishSync clears the in progress flag. An empty errorMessage marks the run as completed.
func (s *Store) FinishSync(_ context.Context, network entities.Network, now time.Time, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	cursor, err := s.getCursor(network)
	if err != nil {
		return errors.Wrap(err, "getting cursor")
	}
	cursor.SyncInProgress = false
	cursor.ErrorMessage = errorMessage
	if errorMessage == "" {
		cursor.LastSyncCompletedAt = now
	}
	return s.setCursor(cursor)
}

func (s *Store) CountByNetwork(_ context.Context) (map[entities.Network]entities.RecordCounts, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	counts := make(map[entities.Network]entities.RecordCounts, len(entities.Networks))
	for _, network := range entities.Networks {
		var c entities.RecordCounts
		var err error
		if c.StakeStarts, err = s.count(stakeStartPrefix, network); err != nil {
			return nil, err
		}
		if c.StakeEnds, err = s.count(stakeEndPrefix, network); err != nil {
			return nil, err
		}
		if c.GlobalInfos, err = s.count(globalInfoPrefix, network); err != nil {
			return nil, err
		}
		counts[network] = c
	}
	return counts, nil
}

func (s *Store) count(prefix byte, network entities.Network) (uint64, error) {
	var n uint64
	err := s.forEach(prefix, network, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// QueryActive returns the stakes with endDay > currentDay and no observed stake end, ranked by staked
// amount. A limit <= 0 returns all of them.
func (s *Store) QueryActive(_ context.Context, network entities.Network, currentDay uint32, limit, offset int) ([]entities.StakeStart, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	active, err := s.activeStakes(network, currentDay)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(active, entities.CompareByRank)

	offset = max(offset, 0)
	if offset >= len(active) {
		return []entities.StakeStart{}, nil
	}
	active = active[offset:]
	if limit > 0 && limit < len(active) {
		active = active[:limit]
	}
	return active, nil
}

func (s *Store) ActiveSummary(_ context.Context, network entities.Network, currentDay uint32) (entities.Summary, error) {
	if err := s.checkOpen(); err != nil {
		return entities.Summary{}, err
	}

	active, err := s.activeStakes(network, currentDay)
	if err != nil {
		return entities.Summary{}, err
	}
	var summary entities.Summary
	for _, stake := range active {
		summary.ActiveStakes++
		summary.TotalStaked = summary.TotalStaked.Add(stake.StakedAmount)
		summary.TotalStakedDays += uint64(stake.StakedDays)
	}
	return summary, nil
}

func (s *Store) activeStakes(network entities.Network, currentDay uint32) ([]entities.StakeStart, error) {
	ended := make(map[string]struct{})
	err := s.forEach(stakeEndPrefix, network, func(key, _ []byte) error {
		ended[string(key[3:])] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "loading ended stakes")
	}

	var active []entities.StakeStart
	err = s.forEach(stakeStartPrefix, network, func(_, value []byte) error {
		var stake entities.StakeStart
		if err := json.Unmarshal(value, &stake); err != nil {
			return errors.Wrap(err, "decoding stake start")
		}
		if stake.EndDay <= currentDay {
			return nil
		}
		if _, ok := ended[stake.StakeID]; ok {
			return nil
		}
		active = append(active, stake)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "loading stake starts")
	}
	return active, nil
}

func (s *Store) LatestGlobalInfo(_ context.Context, network entities.Network) (entities.GlobalInfo, error) {
	if err := s.checkOpen(); err != nil {
		return entities.GlobalInfo{}, err
	}

	lower, upper := networkBounds(globalInfoPrefix, network)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return entities.GlobalInfo{}, errors.Wrapf(entities.ErrStoreUnavailable, "creating iterator: %v", err)
	}
	defer iter.Close()

	if !iter.Last() {
		if err = iter.Error(); err != nil {
			return entities.GlobalInfo{}, errors.Wrapf(entities.ErrStoreUnavailable, "iterating global infos: %v", err)
		}
		return entities.GlobalInfo{}, entities.ErrNotFound
	}
	value, err := iter.ValueAndErr()
	if err != nil {
		return entities.GlobalInfo{}, errors.Wrapf(entities.ErrStoreUnavailable, "getting value from iter: %v", err)
	}
	var info entities.GlobalInfo
	if err = json.Unmarshal(value, &info); err != nil {
		return entities.GlobalInfo{}, errors.Wrap(err, "decoding global info")
	}
	return info, nil
}

// ResetNetwork deletes all records and the cursor of a network. Refused while a run is in progress.
func (s *Store) ResetNetwork(_ context.Context, network entities.Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	cursor, err := s.getCursor(network)
	if err != nil {
		return errors.Wrap(err, "getting cursor")
	}
	if cursor.SyncInProgress {
		return entities.ErrSyncInProgress
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, prefix := range []byte{stakeStartPrefix, stakeEndPrefix, globalInfoPrefix} {
		lower, upper := networkBounds(prefix, network)
		if err = batch.DeleteRange(lower, upper, nil); err != nil {
			return errors.Wrapf(err, "deleting range [%x]", prefix)
		}
	}
	if err = batch.Delete(cursorKey(network), nil); err != nil {
		return errors.Wrap(err, "deleting cursor")
	}
	if err = batch.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(entities.ErrStoreUnavailable, "committing reset: %v", err)
	}
	return nil
}

func (s *Store) getCursor(network entities.Network) (entities.SyncCursor, error) {
	key := cursorKey(network)
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return entities.SyncCursor{Network: network}, nil
	}
	if err != nil {
		return entities.SyncCursor{}, errors.Wrapf(entities.ErrStoreUnavailable, "getting value for key [%x]: %v", key, err)
	}
	defer closer.Close()

	var cursor entities.SyncCursor
	if err = json.Unmarshal(value, &cursor); err != nil {
		return entities.SyncCursor{}, errors.Wrap(err, "decoding sync cursor")
	}
	return cursor, nil
}

func (s *Store) setCursor(cursor entities.SyncCursor) error {
	value, err := json.Marshal(cursor)
	if err != nil {
		return errors.Wrap(err, "encoding sync cursor")
	}
	err = s.db.Set(cursorKey(cursor.Network), value, pebble.Sync)
	if err != nil {
		return errors.Wrapf(entities.ErrStoreUnavailable, "setting cursor for [%s]: %v", cursor.Network, err)
	}
	return nil
}

func stageCursor(batch *pebble.Batch, cursor entities.SyncCursor) error {
	value, err := json.Marshal(cursor)
	if err != nil {
		return errors.Wrap(err, "encoding sync cursor")
	}
	if err = batch.Set(cursorKey(cursor.Network), value, nil); err != nil {
		return errors.Wrap(err, "staging cursor")
	}
	return nil
}

func (s *Store) forEach(prefix byte, network entities.Network, fn func(key, value []byte) error) error {
	lower, upper := networkBounds(prefix, network)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return errors.Wrapf(entities.ErrStoreUnavailable, "creating iterator: %v", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return errors.Wrapf(entities.ErrStoreUnavailable, "getting value from iter: %v", err)
		}
		if err = fn(iter.Key(), value); err != nil {
			return err
		}
	}
	if err = iter.Error(); err != nil {
		return errors.Wrapf(entities.ErrStoreUnavailable, "iterating: %v", err)
	}
	return nil
}

type upsertTracker struct {
	batch       *pebble.Batch
	logger      *zap.SugaredLogger
	kind        string
	seen        map[string]struct{}
	inserted    int
	overwritten int
}

func newUpsertTracker(batch *pebble.Batch, logger *zap.SugaredLogger, kind string) *upsertTracker {
	return &upsertTracker{batch: batch, logger: logger, kind: kind, seen: make(map[string]struct{})}
}

// put stages the record unless the stored payload is identical. A differing payload under the same
// key is overwritten and logged as an identity conflict.
func (t *upsertTracker) put(key []byte, record any) error {
	value, err := json.Marshal(record)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", t.kind)
	}
	t.seen[string(key)] = struct{}{}

	existing, closer, err := t.batch.Get(key)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		t.inserted++
	case err != nil:
		return errors.Wrapf(entities.ErrStoreUnavailable, "reading key [%x]: %v", key, err)
	default:
		same := bytes.Equal(existing, value)
		_ = closer.Close()
		if same {
			return nil
		}
		t.overwritten++
		if t.logger != nil {
			t.logger.Warnw("Overwriting stored record with differing payload", "kind", t.kind,
				"key", describeKey(key), "error", entities.ErrIdentityConflict)
		}
	}

	if err = t.batch.Set(key, value, nil); err != nil {
		return errors.Wrapf(err, "staging %s", t.kind)
	}
	return nil
}

func (t *upsertTracker) result() entities.UpsertResult {
	return entities.UpsertResult{Count: len(t.seen), Inserted: t.inserted, Overwritten: t.overwritten}
}

func stakeKey(prefix byte, network entities.Network, stakeID string) ([]byte, error) {
	if !network.Valid() {
		return nil, errors.Errorf("invalid network [%d]", network)
	}
	if !entities.ValidStakeID(stakeID) || len(stakeID) > maxStakeIDLength {
		return nil, errors.Errorf("invalid stake id [%s]", stakeID)
	}
	key := make([]byte, 0, 3+len(stakeID))
	key = append(key, prefix, byte(network), byte(len(stakeID)))
	return append(key, stakeID...), nil
}

func globalInfoKey(network entities.Network, day uint32) []byte {
	key := []byte{globalInfoPrefix, byte(network)}
	return binary.BigEndian.AppendUint32(key, day)
}

func cursorKey(network entities.Network) []byte {
	return []byte{syncCursorPrefix, byte(network)}
}

func networkBounds(prefix byte, network entities.Network) ([]byte, []byte) {
	return []byte{prefix, byte(network)}, []byte{prefix, byte(network) + 1}
}

func describeKey(key []byte) string {
	if len(key) < 2 {
		return ""
	}
	network := entities.Network(key[1]).String()
	switch key[0] {
	case stakeStartPrefix, stakeEndPrefix:
		return network + "/" + string(key[3:])
	case globalInfoPrefix:
		return network + "/day/" + strconv.FormatUint(uint64(binary.BigEndian.Uint32(key[2:])), 10)
	default:
		return network
	}
}
