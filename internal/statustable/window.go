package statustable

import (
	"strconv"
	"sync"

	"github.com/wangjia184/sortedset"

	"github.com/derecho-go/derecho-core/internal/ids"
)

// Window tracks, for a single sender in a single subgroup, the message
// ids that have been sent but are not yet stable -- the "W slots
// outstanding" backpressure counter from spec.md §4.2. Kept sorted by
// msg id so "lowest outstanding" (needed once a sender wants to know
// whether the oldest slot freed up) is O(log n) instead of a linear
// scan over a plain set, the way the teacher's hpq package keeps its
// per-shard structures sorted rather than using a bare map.
type Window struct {
	mu   sync.Mutex
	set  *sortedset.SortedSet
	size int
}

// NewWindow creates an empty outstanding-message window.
func NewWindow() *Window {
	return &Window{set: sortedset.New()}
}

func key(id ids.MessageID) string {
	return strconv.FormatInt(int64(id), 10)
}

// Add records msgID as outstanding.
func (w *Window) Add(msgID ids.MessageID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.set.AddOrUpdate(key(msgID), sortedset.SCORE(msgID), msgID) {
		w.size++
	}
}

// Release removes msgID once it has become stable.
func (w *Window) Release(msgID ids.MessageID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.set.Remove(key(msgID)) != nil {
		w.size--
	}
}

// Outstanding reports how many message ids are currently unstable.
func (w *Window) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Oldest returns the lowest outstanding msg id and true, or (0, false)
// if the window is empty.
func (w *Window) Oldest() (ids.MessageID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	node := w.set.PeekMin()
	if node == nil {
		return 0, false
	}
	return node.Value.(ids.MessageID), true
}
