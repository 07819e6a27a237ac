// Package failure implements the Failure Detector from spec.md §4.6: a
// periodic heartbeat bump plus a staleness reader that sets suspicion
// bits in the status table.
package failure

import (
	"sync"
	"time"

	"github.com/derecho-go/derecho-core/internal/ids"
	"github.com/derecho-go/derecho-core/internal/statustable"
)

// Detector bumps this replica's own heartbeat column at heartbeatPeriod
// and, on the same cadence, checks every other member's heartbeat for
// staleness beyond suspicionThreshold.
type Detector struct {
	table     *statustable.Table
	heartbeat time.Duration
	suspicion time.Duration

	mu       sync.Mutex
	lastSeen map[ids.NodeID]time.Time
	lastBeat map[ids.NodeID]uint64
	now      func() time.Time

	onSuspect func(ids.NodeID)

	stop chan struct{}
	done chan struct{}
}

// New creates a Detector bound to table, with the two periods from
// spec.md §6's derecho.heartbeat_ms / derecho.suspicion_ms configuration
// keys. onSuspect is invoked the first time a member crosses the
// suspicion threshold; it is never invoked a second time for the same
// member within one view (the row's suspicion bit is sticky, per
// spec.md §4.6).
func New(table *statustable.Table, heartbeatPeriod, suspicionThreshold time.Duration, onSuspect func(ids.NodeID)) *Detector {
	return &Detector{
		table:     table,
		heartbeat: heartbeatPeriod,
		suspicion: suspicionThreshold,
		lastSeen:  make(map[ids.NodeID]time.Time),
		lastBeat:  make(map[ids.NodeID]uint64),
		now:       time.Now,
		onSuspect: onSuspect,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run is the failure detector's long-lived task (T4 in spec.md §5); it
// blocks until Stop is called.
func (d *Detector) Run() {
	defer close(d.done)
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// Stop ends the detector's loop and waits for it to exit.
func (d *Detector) Stop() {
	close(d.stop)
	<-d.done
}

// SetTable swaps the table this detector watches, used by the view
// manager's install hook after a reconfiguration pointer-swaps in a
// resized table (spec.md §4.1).
func (d *Detector) SetTable(table *statustable.Table) {
	d.mu.Lock()
	d.table = table
	d.mu.Unlock()
}

func (d *Detector) tick() {
	d.mu.Lock()
	table := d.table
	d.mu.Unlock()

	local := table.Local()
	local.BumpHeartbeat()
	table.Put()

	now := d.now()
	for _, node := range table.Members() {
		if node == table.LocalNode() {
			continue
		}
		row := table.Row(node)
		if row == nil {
			continue
		}
		beat := row.Heartbeat()

		d.mu.Lock()
		last, seen := d.lastBeat[node]
		if !seen || beat > last {
			d.lastBeat[node] = beat
			d.lastSeen[node] = now
			d.mu.Unlock()
			continue
		}
		since := now.Sub(d.lastSeen[node])
		d.mu.Unlock()

		if since >= d.suspicion && !local.Suspects(node) {
			local.SetSuspicion(node, true)
			table.Put()
			if d.onSuspect != nil {
				d.onSuspect(node)
			}
		}
	}
}
