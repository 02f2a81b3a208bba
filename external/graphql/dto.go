package graphql

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"github.com/stakeledger/stake-sync/entities"
)

type pageRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type pageResponse struct {
	Data struct {
		StakeStarts      []json.RawMessage `json:"stakeStarts"`
		StakeEnds        []json.RawMessage `json:"stakeEnds"`
		DailyGlobalInfos []json.RawMessage `json:"dailyGlobalInfos"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type stakeStartDTO struct {
	StakeID         *string `json:"stakeId"`
	StakerAddr      *string `json:"stakerAddr"`
	StakedHearts    *string `json:"stakedHearts"`
	StakeShares     *string `json:"stakeShares"`
	StartDay        number  `json:"startDay"`
	EndDay          number  `json:"endDay"`
	StakedDays      number  `json:"stakedDays"`
	Timestamp       number  `json:"timestamp"`
	IsAutoStake     bool    `json:"isAutoStake"`
	TransactionHash string  `json:"transactionHash"`
	BlockNumber     number  `json:"blockNumber"`
}

type stakeEndDTO struct {
	StakeID         *string `json:"stakeId"`
	StakerAddr      *string `json:"stakerAddr"`
	Payout          *string `json:"payout"`
	Penalty         *string `json:"penalty"`
	ServedDays      number  `json:"servedDays"`
	CloseDay        number  `json:"closeDay"`
	Timestamp       number  `json:"timestamp"`
	TransactionHash string  `json:"transactionHash"`
	BlockNumber     number  `json:"blockNumber"`
}

type globalInfoDTO struct {
	Day               number  `json:"day"`
	LockedHeartsTotal *string `json:"lockedHeartsTotal"`
	StakeSharesTotal  *string `json:"stakeSharesTotal"`
	StakePenaltyTotal *string `json:"stakePenaltyTotal"`
	Timestamp         number  `json:"timestamp"`
}

// position holds the ordering fields of a record. It decodes even when the other fields of the
// record are malformed, so the cursor can move past records that get skipped.
type position struct {
	StakeID     json.RawMessage `json:"stakeId"`
	BlockNumber json.RawMessage `json:"blockNumber"`
	Day         json.RawMessage `json:"day"`
}

func positionOf(raw json.RawMessage) position {
	var p position
	_ = json.Unmarshal(raw, &p)
	return p
}

func (p position) stakeID() (string, bool) {
	var id string
	if err := json.Unmarshal(p.StakeID, &id); err != nil {
		id = string(p.StakeID)
	}
	return id, entities.ValidStakeID(id)
}

func (p position) block() (uint64, bool) {
	var n number
	if err := n.UnmarshalJSON(p.BlockNumber); err != nil {
		return 0, false
	}
	return n.value, n.set
}

func (p position) day() (uint32, bool) {
	var n number
	if err := n.UnmarshalJSON(p.Day); err != nil {
		return 0, false
	}
	return n.day()
}

func decode[T any](raw json.RawMessage) (T, error) {
	var dto T
	if err := json.Unmarshal(raw, &dto); err != nil {
		return dto, invalid("decoding record: %v", err)
	}
	return dto, nil
}

// number accepts subgraph integers sent either as JSON numbers or as BigInt strings.
type number struct {
	value uint64
	set   bool
}

func (n *number) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "parsing integer [%s]", raw)
	}
	n.value = v
	n.set = true
	return nil
}

func (n number) day() (uint32, bool) {
	if !n.set || n.value > uint64(^uint32(0)) {
		return 0, false
	}
	return uint32(n.value), true
}

func invalid(format string, args ...any) error {
	return errors.Wrapf(entities.ErrSourceDataInvalid, format, args...)
}

func amount(field string, value *string) (entities.Amount, error) {
	if value == nil {
		return entities.Amount{}, invalid("missing %s", field)
	}
	a, err := entities.ParseAmount(*value)
	if err != nil {
		return entities.Amount{}, invalid("%s: %v", field, err)
	}
	return a, nil
}

func stakeID(value *string) (string, error) {
	if value == nil {
		return "", invalid("missing stakeId")
	}
	if !entities.ValidStakeID(*value) {
		return "", invalid("malformed stakeId [%s]", *value)
	}
	return *value, nil
}

func (d stakeStartDTO) toEntity(network entities.Network) (entities.StakeStart, error) {
	id, err := stakeID(d.StakeID)
	if err != nil {
		return entities.StakeStart{}, err
	}
	if d.StakerAddr == nil || *d.StakerAddr == "" {
		return entities.StakeStart{}, invalid("missing stakerAddr")
	}
	staked, err := amount("stakedHearts", d.StakedHearts)
	if err != nil {
		return entities.StakeStart{}, err
	}
	shares, err := amount("stakeShares", d.StakeShares)
	if err != nil {
		return entities.StakeStart{}, err
	}
	startDay, ok := d.StartDay.day()
	if !ok {
		return entities.StakeStart{}, invalid("missing startDay")
	}
	stakedDays, ok := d.StakedDays.day()
	if !ok {
		return entities.StakeStart{}, invalid("missing stakedDays")
	}
	endDay, ok := d.EndDay.day()
	if !ok {
		endDay = startDay + stakedDays
	}
	if endDay < startDay {
		return entities.StakeStart{}, invalid("endDay [%d] before startDay [%d]", endDay, startDay)
	}

	return entities.StakeStart{
		StakeID:       id,
		Network:       network,
		StakerAddress: *d.StakerAddr,
		StakedAmount:  staked,
		ShareAmount:   shares,
		StartDay:      startDay,
		EndDay:        endDay,
		StakedDays:    stakedDays,
		Timestamp:     d.Timestamp.value,
		IsAutoStake:   d.IsAutoStake,
		SourceTxHash:  d.TransactionHash,
		SourceBlock:   d.BlockNumber.value,
	}, nil
}

func (d stakeEndDTO) toEntity(network entities.Network) (entities.StakeEnd, error) {
	id, err := stakeID(d.StakeID)
	if err != nil {
		return entities.StakeEnd{}, err
	}
	if d.StakerAddr == nil || *d.StakerAddr == "" {
		return entities.StakeEnd{}, invalid("missing stakerAddr")
	}
	payout, err := amount("payout", d.Payout)
	if err != nil {
		return entities.StakeEnd{}, err
	}
	penalty, err := amount("penalty", d.Penalty)
	if err != nil {
		return entities.StakeEnd{}, err
	}
	servedDays, ok := d.ServedDays.day()
	if !ok {
		return entities.StakeEnd{}, invalid("missing servedDays")
	}
	if !d.BlockNumber.set {
		return entities.StakeEnd{}, invalid("missing blockNumber")
	}
	closeDay, _ := d.CloseDay.day()

	return entities.StakeEnd{
		StakeID:       id,
		Network:       network,
		StakerAddress: *d.StakerAddr,
		Payout:        payout,
		Penalty:       penalty,
		ServedDays:    servedDays,
		CloseDay:      closeDay,
		Timestamp:     d.Timestamp.value,
		SourceTxHash:  d.TransactionHash,
		SourceBlock:   d.BlockNumber.value,
	}, nil
}

func (d globalInfoDTO) toEntity(network entities.Network) (entities.GlobalInfo, error) {
	day, ok := d.Day.day()
	if !ok {
		return entities.GlobalInfo{}, invalid("missing day")
	}
	locked, err := amount("lockedHeartsTotal", d.LockedHeartsTotal)
	if err != nil {
		return entities.GlobalInfo{}, err
	}
	shares, err := amount("stakeSharesTotal", d.StakeSharesTotal)
	if err != nil {
		return entities.GlobalInfo{}, err
	}
	penalties, err := amount("stakePenaltyTotal", d.StakePenaltyTotal)
	if err != nil {
		return entities.GlobalInfo{}, err
	}

	return entities.GlobalInfo{
		Network:      network,
		VirtualDay:   day,
		LockedAmount: locked,
		ShareTotal:   shares,
		PenaltyTotal: penalties,
		Timestamp:    d.Timestamp.value,
	}, nil
}
