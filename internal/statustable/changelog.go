package statustable

import (
	"github.com/pkg/errors"

	"github.com/derecho-go/derecho-core/internal/ids"
)

// ErrChangeLogTruncated is returned when a joiner asks for a committed
// change entry the bounded ring has already overwritten -- the resolution
// to SPEC_FULL.md §9's first open question.
var ErrChangeLogTruncated = errors.New("status table: requested change log entry has been truncated")

// ChangeEntry is one proposed membership delta: +Node for a join, -Node
// (Join=false) for a leave/removal.
type ChangeEntry struct {
	Seq  uint64
	Node ids.NodeID
	Join bool
}

// ChangeLog is a bounded ring buffer of ChangeEntry, keyed by the
// monotone Seq assigned when the entry is appended. Retention is the
// configured number of entries to keep (derecho.changelog_retention).
type ChangeLog struct {
	retention int
	entries   []ChangeEntry
	oldestSeq uint64
}

// NewChangeLog creates a ring buffer retaining at most retention entries.
func NewChangeLog(retention int) *ChangeLog {
	if retention <= 0 {
		retention = 4096
	}
	return &ChangeLog{retention: retention}
}

// Append adds entry, evicting the oldest entry if the ring is full.
func (c *ChangeLog) Append(entry ChangeEntry) {
	c.entries = append(c.entries, entry)
	if len(c.entries) > c.retention {
		c.oldestSeq = c.entries[1].Seq
		c.entries = c.entries[1:]
	} else if len(c.entries) == 1 {
		c.oldestSeq = entry.Seq
	}
}

// Since returns every retained entry with Seq > since, in order. If the
// entry with Seq since+1 has already been overwritten, the retained
// entries are returned together with ErrChangeLogTruncated.
func (c *ChangeLog) Since(since uint64) ([]ChangeEntry, error) {
	var out []ChangeEntry
	for _, e := range c.entries {
		if e.Seq > since {
			out = append(out, e)
		}
	}
	if len(c.entries) > 0 && since+1 < c.oldestSeq {
		return out, ErrChangeLogTruncated
	}
	return out, nil
}
