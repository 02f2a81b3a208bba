package aggregate

import (
	"container/heap"

	"github.com/stakeledger/stake-sync/entities"
)

type listHead struct {
	list []entities.ClassifiedStake
	pos  int
}

func (h listHead) current() entities.StakeStart {
	return h.list[h.pos].StakeStart
}

type headHeap []listHead

func (h headHeap) Len() int           { return len(h) }
func (h headHeap) Less(i, j int) bool { return entities.CompareByRank(h[i].current(), h[j].current()) < 0 }
func (h headHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *headHeap) Push(x any) {
	*h = append(*h, x.(listHead))
}

func (h *headHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	*h = old[:len(old)-1]
	return last
}

// mergeRanked merges lists that are each ranked and returns the first n stakes of the combined ranking.
func mergeRanked(lists [][]entities.ClassifiedStake, n int) []entities.ClassifiedStake {
	h := make(headHeap, 0, len(lists))
	total := 0
	for _, list := range lists {
		if len(list) > 0 {
			h = append(h, listHead{list: list})
			total += len(list)
		}
	}
	heap.Init(&h)

	merged := make([]entities.ClassifiedStake, 0, min(n, total))
	for h.Len() > 0 && len(merged) < n {
		head := h[0]
		merged = append(merged, head.list[head.pos])
		if head.pos+1 < len(head.list) {
			h[0].pos++
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}
	return merged
}
