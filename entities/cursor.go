package entities

import (
	"fmt"
	"time"
)

// SourceCursor is the resumable position of the three event streams of one network. It is produced by
// the source client and stored unchanged.
type SourceCursor struct {
	StakeID string `json:"stakeId"` // last stake start id; empty means from the beginning
	Block   uint64 `json:"block"`   // stake end stream, inclusive lower bound
	Day     uint32 `json:"day"`     // global info stream, inclusive lower bound
}

// SyncCursor is the per network sync progress row.
type SyncCursor struct {
	Network             Network      `json:"network"`
	Position            SourceCursor `json:"position"`
	TotalStakesSynced   uint64       `json:"totalStakesSynced"`
	TotalEndsSynced     uint64       `json:"totalEndsSynced"`
	SyncInProgress      bool         `json:"syncInProgress"`
	LastSyncStartedAt   time.Time    `json:"lastSyncStartedAt"`
	LastSyncCompletedAt time.Time    `json:"lastSyncCompletedAt"`
	ErrorMessage        string       `json:"errorMessage"`
}

// IsStale reports whether a run flagged as in progress started before now-staleAfter.
func (c SyncCursor) IsStale(now time.Time, staleAfter time.Duration) bool {
	return c.SyncInProgress && c.LastSyncStartedAt.Before(now.Add(-staleAfter))
}

type StartOutcome int

const (
	StartBusy StartOutcome = iota
	StartAcquired
	StartRecovered
)

func (o StartOutcome) String() string {
	switch o {
	case StartAcquired:
		return "acquired"
	case StartRecovered:
		return "recovered"
	default:
		return "busy"
	}
}

// Page is one fetched page of normalized source records.
type Page struct {
	StakeStarts []StakeStart
	StakeEnds   []StakeEnd
	GlobalInfos []GlobalInfo
	Next        SourceCursor
	HasMore     bool
	Skipped     int // records dropped as invalid
}

func (p *Page) Size() int {
	return len(p.StakeStarts) + len(p.StakeEnds) + len(p.GlobalInfos)
}

// CheckNetwork verifies that every record of the page belongs to network.
func (p *Page) CheckNetwork(network Network) error {
	for _, r := range p.StakeStarts {
		if r.Network != network {
			return fmt.Errorf("stake start [%s] belongs to [%s], not [%s]", r.StakeID, r.Network, network)
		}
	}
	for _, r := range p.StakeEnds {
		if r.Network != network {
			return fmt.Errorf("stake end [%s] belongs to [%s], not [%s]", r.StakeID, r.Network, network)
		}
	}
	for _, r := range p.GlobalInfos {
		if r.Network != network {
			return fmt.Errorf("global info [%d] belongs to [%s], not [%s]", r.VirtualDay, r.Network, network)
		}
	}
	return nil
}

// UpsertResult describes one idempotent batch write. Count is the number of distinct keys in the batch,
// so writing the same batch twice reports the same Count.
type UpsertResult struct {
	Count       int
	Inserted    int
	Overwritten int
}

// CommitResult describes a committed page.
type CommitResult struct {
	StakeStarts UpsertResult
	StakeEnds   UpsertResult
	GlobalInfos UpsertResult
	Cursor      SyncCursor
}
