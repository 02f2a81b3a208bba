package entities

// CompareByRank orders stakes for ranking: staked amount descending (big integer order), then network
// ascending, then stake id ascending (numeric).
func CompareByRank(a, b StakeStart) int {
	if c := a.StakedAmount.Cmp(b.StakedAmount); c != 0 {
		return -c
	}
	if a.Network != b.Network {
		if a.Network < b.Network {
			return -1
		}
		return 1
	}
	return CompareStakeIDs(a.StakeID, b.StakeID)
}
