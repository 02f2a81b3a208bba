package entities

// StakeStart is one stake-open event. Identity is (StakeID, Network): both networks number their
// stakes independently from zero, so the same StakeID legitimately exists on each of them.
type StakeStart struct {
	StakeID       string  `json:"stakeId"`
	Network       Network `json:"network"`
	StakerAddress string  `json:"stakerAddress"`
	StakedAmount  Amount  `json:"stakedAmount"`
	ShareAmount   Amount  `json:"shareAmount"`
	StartDay      uint32  `json:"startDay"`
	EndDay        uint32  `json:"endDay"`
	StakedDays    uint32  `json:"stakedDays"`
	Timestamp     uint64  `json:"timestamp"`
	IsAutoStake   bool    `json:"isAutoStake"`
	SourceTxHash  string  `json:"sourceTxHash"`
	SourceBlock   uint64  `json:"sourceBlock"`
}

func (s StakeStart) Key() StakeKey {
	return StakeKey{Network: s.Network, StakeID: s.StakeID}
}

// StakeEnd is one stake-close event, associated to its StakeStart by (StakeID, Network).
type StakeEnd struct {
	StakeID       string  `json:"stakeId"`
	Network       Network `json:"network"`
	StakerAddress string  `json:"stakerAddress"`
	Payout        Amount  `json:"payout"`
	Penalty       Amount  `json:"penalty"`
	ServedDays    uint32  `json:"servedDays"`
	CloseDay      uint32  `json:"closeDay"`
	Timestamp     uint64  `json:"timestamp"`
	SourceTxHash  string  `json:"sourceTxHash"`
	SourceBlock   uint64  `json:"sourceBlock"`
}

func (e StakeEnd) Key() StakeKey {
	return StakeKey{Network: e.Network, StakeID: e.StakeID}
}

type StakeKey struct {
	Network Network
	StakeID string
}

// GlobalInfo is the protocol state of one network on one virtual day. The row with the highest
// virtual day is the network's current day.
type GlobalInfo struct {
	Network      Network `json:"network"`
	VirtualDay   uint32  `json:"virtualDay"`
	LockedAmount Amount  `json:"lockedAmount"`
	ShareTotal   Amount  `json:"shareTotal"`
	PenaltyTotal Amount  `json:"penaltyTotal"`
	Timestamp    uint64  `json:"timestamp"`
}

// CurrentDay is a network's virtual day as far as it is known.
type CurrentDay struct {
	Day   uint32
	Known bool
}

func KnownDay(day uint32) CurrentDay {
	return CurrentDay{Day: day, Known: true}
}

// Classification holds the read-time derived state of a stake. It is never persisted.
type Classification struct {
	IsActive              bool   `json:"isActive"`
	DaysServed            uint32 `json:"daysServed"`
	DaysLeft              uint32 `json:"daysLeft"`
	CurrentDayUnavailable bool   `json:"currentDayUnavailable,omitempty"`
}

type ClassifiedStake struct {
	StakeStart
	Classification
}

// Summary aggregates the active stakes of one network.
type Summary struct {
	ActiveStakes    uint64 `json:"totalActiveStakes"`
	TotalStaked     Amount `json:"totalStakedAmount"`
	TotalStakedDays uint64 `json:"-"`
}

func (s Summary) AverageStakeLength() float64 {
	if s.ActiveStakes == 0 {
		return 0
	}
	return float64(s.TotalStakedDays) / float64(s.ActiveStakes)
}

func (s Summary) Add(o Summary) Summary {
	return Summary{
		ActiveStakes:    s.ActiveStakes + o.ActiveStakes,
		TotalStaked:     s.TotalStaked.Add(o.TotalStaked),
		TotalStakedDays: s.TotalStakedDays + o.TotalStakedDays,
	}
}

// ValidStakeID reports whether id is a canonical non-negative decimal (no sign, no leading zeros).
func ValidStakeID(id string) bool {
	if !isDigits(id) {
		return false
	}
	return id == "0" || id[0] != '0'
}

// CompareStakeIDs orders canonical stake ids numerically without converting them.
func CompareStakeIDs(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// RecordCounts holds the number of stored records of one network.
type RecordCounts struct {
	StakeStarts uint64 `json:"stakeStarts"`
	StakeEnds   uint64 `json:"stakeEnds"`
	GlobalInfos uint64 `json:"globalInfos"`
}

