package searcher

import (
	"sort"

	"github.com/hupe1980/paperdex/model"
)

// worse reports whether a ranks after b: larger distance, then larger id.
func worse(a, b model.Neighbor) bool {
	if a.Distance != b.Distance {
		return a.Distance > b.Distance
	}
	return a.ID > b.ID
}

// TopK keeps the k best neighbors seen so far in a max-heap whose root is
// the current worst candidate. It does NOT implement container/heap to avoid
// interface overhead. The zero value is not usable; call NewTopK.
type TopK struct {
	k     int
	items []model.Neighbor
}

// NewTopK returns a selector for k results. k must be positive.
func NewTopK(k int) *TopK {
	return &TopK{k: k, items: make([]model.Neighbor, 0, min(k, 1024))}
}

// Reset clears the selector for reuse with a new k.
func (t *TopK) Reset(k int) {
	t.k = k
	t.items = t.items[:0]
}

// Len returns the number of retained neighbors.
func (t *TopK) Len() int { return len(t.items) }

// Full reports whether k neighbors are retained.
func (t *TopK) Full() bool { return len(t.items) >= t.k }

// Bound returns the distance of the worst retained neighbor. ok is false
// until the selector is full.
func (t *TopK) Bound() (float32, bool) {
	if !t.Full() {
		return 0, false
	}
	return t.items[0].Distance, true
}

// Push offers a candidate. It is retained if the selector is not full or the
// candidate ranks before the current worst.
func (t *TopK) Push(n model.Neighbor) {
	if len(t.items) < t.k {
		t.items = append(t.items, n)
		t.siftUp(len(t.items) - 1)
		return
	}
	if !worse(t.items[0], n) {
		return
	}
	t.items[0] = n
	t.siftDown(0)
}

// Sorted returns the retained neighbors ordered by ascending distance and
// then ascending id. The selector is left empty.
func (t *TopK) Sorted() []model.Neighbor {
	out := make([]model.Neighbor, len(t.items))
	copy(out, t.items)
	t.items = t.items[:0]
	sort.Slice(out, func(i, j int) bool { return worse(out[j], out[i]) })
	return out
}

func (t *TopK) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !worse(t.items[i], t.items[parent]) {
			return
		}
		t.items[i], t.items[parent] = t.items[parent], t.items[i]
		i = parent
	}
}

func (t *TopK) siftDown(i int) {
	n := len(t.items)
	for {
		largest := i
		l, r := 2*i+1, 2*i+2
		if l < n && worse(t.items[l], t.items[largest]) {
			largest = l
		}
		if r < n && worse(t.items[r], t.items[largest]) {
			largest = r
		}
		if largest == i {
			return
		}
		t.items[i], t.items[largest] = t.items[largest], t.items[i]
		i = largest
	}
}
