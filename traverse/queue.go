package traverse

import (
	"container/heap"

	"github.com/hupe1980/fabricgo/model"
)

// frontierItem is one entry in the best-first frontier.
type frontierItem struct {
	id     model.ContainerID
	parent model.ContainerID
	score  float32 // cumulative path cost from the start container
	depth  int
	index  int
}

// frontier is a min-heap of frontier items ordered by score, with ties
// broken by ascending container id so traversal order is deterministic.
type frontier struct {
	items []*frontierItem
}

var _ heap.Interface = (*frontier)(nil)

func (f *frontier) Len() int { return len(f.items) }

func (f *frontier) Less(i, j int) bool {
	if f.items[i].score != f.items[j].score {
		return f.items[i].score < f.items[j].score
	}
	return f.items[i].id < f.items[j].id
}

func (f *frontier) Swap(i, j int) {
	f.items[i], f.items[j] = f.items[j], f.items[i]
	f.items[i].index = i
	f.items[j].index = j
}

func (f *frontier) Push(x any) {
	item, _ := x.(*frontierItem)
	item.index = len(f.items)
	f.items = append(f.items, item)
}

func (f *frontier) Pop() any {
	old := f.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	f.items = old[:n-1]
	return item
}

func (f *frontier) push(item *frontierItem) {
	heap.Push(f, item)
}

func (f *frontier) pop() *frontierItem {
	if len(f.items) == 0 {
		return nil
	}
	item, _ := heap.Pop(f).(*frontierItem)
	return item
}
