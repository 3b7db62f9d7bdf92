// Package document holds the canonical state of one room: a flat map of
// opaque JSON records merged last-writer-wins by logical clock.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"

	"altar/api/internal/apperr"
)

// MaxOpsPerPush bounds a single client push.
const MaxOpsPerPush = 1000

// Op is one element-level change. Exactly one of Put or Remove is set.
type Op struct {
	ID     string          `json:"id"`
	Put    json.RawMessage `json:"put,omitempty"`
	Remove bool            `json:"remove,omitempty"`
}

// Record is the stored value of one element with the stamp of the write that
// produced it.
type Record struct {
	State            json.RawMessage `json:"state"`
	LastChangedClock int64           `json:"lastChangedClock"`
	Origin           string          `json:"origin"`
}

type snapshot struct {
	Clock      int64             `json:"clock"`
	Documents  map[string]Record `json:"documents"`
	Tombstones map[string]int64  `json:"tombstones"`
}

// Document is not safe for concurrent use; the room actor owns it.
type Document struct {
	clock      int64
	records    map[string]Record
	tombstones map[string]int64
}

func New() *Document {
	return &Document{
		records:    map[string]Record{},
		tombstones: map[string]int64{},
	}
}

// Decode parses a stored snapshot. Empty input yields an empty document.
func Decode(data []byte) (*Document, error) {
	doc := New()
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	doc.clock = snap.Clock
	for id, rec := range snap.Documents {
		doc.records[id] = rec
		if rec.LastChangedClock > doc.clock {
			doc.clock = rec.LastChangedClock
		}
	}
	for id, clock := range snap.Tombstones {
		doc.tombstones[id] = clock
		if clock > doc.clock {
			doc.clock = clock
		}
	}
	return doc, nil
}

// Encode serializes the document. Map keys are emitted sorted and record
// states compacted, so Decode followed by Encode reproduces the same bytes.
func (d *Document) Encode() ([]byte, error) {
	data, err := json.Marshal(snapshot{
		Clock:      d.clock,
		Documents:  d.records,
		Tombstones: d.tombstones,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func (d *Document) Clock() int64 {
	return d.clock
}

func (d *Document) Len() int {
	return len(d.records)
}

func (d *Document) Get(id string) (json.RawMessage, bool) {
	rec, ok := d.records[id]
	if !ok {
		return nil, false
	}
	return rec.State, true
}

// Apply merges ops stamped with (clock, origin) and returns the ops that took
// effect, in order. A write takes effect when its stamp is not older than the
// element's current stamp; ties on clock are broken by origin, and a removal
// loses a tie against a put. Later ops in the same batch therefore override
// earlier ones.
func (d *Document) Apply(origin string, clock int64, ops []Op) []Op {
	applied := make([]Op, 0, len(ops))
	for _, op := range ops {
		if !d.wins(op.ID, clock, origin, op.Remove) {
			continue
		}
		if op.Remove {
			delete(d.records, op.ID)
			d.tombstones[op.ID] = clock
		} else {
			delete(d.tombstones, op.ID)
			d.records[op.ID] = Record{State: op.Put, LastChangedClock: clock, Origin: origin}
		}
		applied = append(applied, op)
	}
	if clock > d.clock {
		d.clock = clock
	}
	return applied
}

// wins reports whether a write stamped (clock, origin) replaces the element's
// current state. On an equal clock a put from another origin is never
// displaced by a removal; only the origin that wrote it, later in the same
// batch, may remove it.
func (d *Document) wins(id string, clock int64, origin string, remove bool) bool {
	if rec, ok := d.records[id]; ok {
		if clock != rec.LastChangedClock {
			return clock > rec.LastChangedClock
		}
		if origin == rec.Origin {
			return true
		}
		return !remove && origin > rec.Origin
	}
	if removed, ok := d.tombstones[id]; ok {
		return clock >= removed
	}
	return true
}

// Validate checks a client push before it reaches the actor.
func Validate(ops []Op) error {
	if len(ops) == 0 {
		return apperr.InvalidInput("push carries no operations")
	}
	if len(ops) > MaxOpsPerPush {
		return apperr.InvalidInput("push carries %d operations, max %d", len(ops), MaxOpsPerPush)
	}
	for i, op := range ops {
		if op.ID == "" {
			return apperr.InvalidInput("op %d: missing id", i)
		}
		hasPut := len(op.Put) > 0
		if hasPut == op.Remove {
			return apperr.InvalidInput("op %d: exactly one of put or remove is required", i)
		}
		if hasPut && !json.Valid(op.Put) {
			return apperr.InvalidInput("op %d: put is not valid JSON", i)
		}
	}
	return nil
}
