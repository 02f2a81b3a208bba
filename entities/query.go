package entities

import "time"

// Data sources of a query response.
const (
	SourceStore = "store"
	SourceCache = "cache"
)

type Totals struct {
	TotalActiveStakes  uint64  `json:"totalActiveStakes"`
	TotalStakedAmount  Amount  `json:"totalStakedAmount"`
	AverageStakeLength float64 `json:"averageStakeLength"`
}

func TotalsOf(s Summary) Totals {
	return Totals{
		TotalActiveStakes:  s.ActiveStakes,
		TotalStakedAmount:  s.TotalStaked,
		AverageStakeLength: s.AverageStakeLength(),
	}
}

type NetworkMetrics struct {
	Network Network `json:"network"`
	Totals
	CurrentDay            uint32     `json:"currentDay"`
	CurrentDayUnavailable bool       `json:"currentDayUnavailable"`
	Source                string     `json:"source"`
	Stale                 bool       `json:"stale"`
	SnapshotTakenAt       *time.Time `json:"snapshotTakenAt,omitempty"`
}

type NetworkTopStakes struct {
	Stakes []ClassifiedStake `json:"stakes"`
	Totals
	CurrentDay            uint32 `json:"currentDay"`
	CurrentDayUnavailable bool   `json:"currentDayUnavailable"`
	Source                string `json:"source"`
	Stale                 bool   `json:"stale"`
}

// TopStakesResult is the cross-network ranking. Totals are computed from the full active set of every
// network, not from the merged top list.
type TopStakesResult struct {
	PerNetwork map[Network]NetworkTopStakes `json:"perNetwork"`
	Combined   []ClassifiedStake            `json:"combined"`
	Totals     Totals                       `json:"totals"`
	Source     string                       `json:"source"`
	Stale      bool                         `json:"stale"`
}
