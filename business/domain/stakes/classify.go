package stakes

import (
	"github.com/pkg/errors"
	"github.com/stakeledger/stake-sync/entities"
)

// Classify derives the active state of a stake from its network's current virtual day.
// A stake is active while endDay > day. Served days never exceed endDay-startDay.
func Classify(stake entities.StakeStart, day entities.CurrentDay) entities.Classification {
	if !day.Known {
		return entities.Classification{CurrentDayUnavailable: true}
	}

	served := min(day.Day, stake.EndDay)
	var daysServed uint32
	if served > stake.StartDay {
		daysServed = served - stake.StartDay
	}
	var daysLeft uint32
	if stake.EndDay > day.Day {
		daysLeft = stake.EndDay - day.Day
	}

	return entities.Classification{
		IsActive:   stake.EndDay > day.Day,
		DaysServed: daysServed,
		DaysLeft:   daysLeft,
	}
}

// CurrentDayOf maps the result of a latest global info lookup to a current day. A missing row yields
// an unknown day; any other error is returned.
func CurrentDayOf(info entities.GlobalInfo, err error) (entities.CurrentDay, error) {
	if errors.Is(err, entities.ErrNotFound) {
		return entities.CurrentDay{}, nil
	}
	if err != nil {
		return entities.CurrentDay{}, err
	}
	return entities.KnownDay(info.VirtualDay), nil
}

// ActiveOnly classifies stakes and keeps the active ones, preserving order.
func ActiveOnly(starts []entities.StakeStart, day entities.CurrentDay) []entities.ClassifiedStake {
	active := make([]entities.ClassifiedStake, 0, len(starts))
	for _, s := range starts {
		c := Classify(s, day)
		if c.IsActive {
			active = append(active, entities.ClassifiedStake{StakeStart: s, Classification: c})
		}
	}
	return active
}
