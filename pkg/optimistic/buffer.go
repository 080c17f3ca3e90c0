package optimistic

import (
	"sort"
	"sync"
	"time"

	"github.com/runwayhq/runway/pkg/types"
)

// DefaultTimeout is how long an edit may wait for the store before it is
// reported overdue
const DefaultTimeout = 10 * time.Second

// Buffer holds in-flight optimistic edits, at most one per record id
type Buffer struct {
	mu      sync.Mutex
	edits   map[string]types.OptimisticEdit
	seq     uint64
	timeout time.Duration
	now     func() time.Time
}

// NewBuffer creates an edit buffer. A non-positive timeout uses
// DefaultTimeout.
func NewBuffer(timeout time.Duration) *Buffer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Buffer{
		edits:   make(map[string]types.OptimisticEdit),
		timeout: timeout,
		now:     time.Now,
	}
}

// Timeout returns the overdue threshold
func (b *Buffer) Timeout() time.Duration {
	return b.timeout
}

// Apply records an edit, superseding any edit already held for the same
// record:
//
//	update over create  -> create with merged payload
//	update over update  -> update with merged payload
//	update over delete  -> delete
//	delete over any     -> delete
//	create over any     -> create (replaces)
//
// The stored edit gets a fresh Seq and is returned.
func (b *Buffer) Apply(edit types.OptimisticEdit) types.OptimisticEdit {
	b.mu.Lock()
	defer b.mu.Unlock()

	if edit.SubmittedAt.IsZero() {
		edit.SubmittedAt = b.now()
	}
	edit.Payload = edit.Payload.Clone()

	if prev, ok := b.edits[edit.RecordID]; ok && edit.Kind == types.EditUpdate {
		switch prev.Kind {
		case types.EditCreate, types.EditUpdate:
			edit.Kind = prev.Kind
			edit.Payload = mergePayload(prev.Payload, edit.Payload)
			if prev.BaseUpdatedAt.After(edit.BaseUpdatedAt) {
				edit.BaseUpdatedAt = prev.BaseUpdatedAt
			}
		case types.EditDelete:
			edit.Kind = types.EditDelete
			edit.Payload = nil
			edit.BaseUpdatedAt = prev.BaseUpdatedAt
		}
	}
	if edit.Kind == types.EditDelete {
		edit.Payload = nil
	}

	b.seq++
	edit.Seq = b.seq
	b.edits[edit.RecordID] = edit
	return edit
}

// Reconcile drops every edit the given set shows the store has absorbed and
// returns the cleared record ids in order. A create clears once the id
// appears, an update once the record's UpdatedAt moves past the edit's
// base, and a delete once the id is gone. Running it twice on the same set
// clears nothing the second time. It never expires edits by age.
func (b *Buffer) Reconcile(set types.RecordSet) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.edits) == 0 {
		return nil
	}
	idx := set.Index()

	var cleared []string
	for id, edit := range b.edits {
		rec, present := idx[id]
		done := false
		switch edit.Kind {
		case types.EditCreate:
			done = present
		case types.EditUpdate:
			done = present && rec.UpdatedAt.After(edit.BaseUpdatedAt)
		case types.EditDelete:
			done = !present
		}
		if done {
			delete(b.edits, id)
			cleared = append(cleared, id)
		}
	}
	sort.Strings(cleared)
	return cleared
}

// Rollback discards the edit for id. It reports whether one was held.
func (b *Buffer) Rollback(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.edits[id]; !ok {
		return false
	}
	delete(b.edits, id)
	return true
}

// RollbackSeq discards the edit for id only if it is still the one applied
// with seq; an edit superseded since is left alone.
func (b *Buffer) RollbackSeq(id string, seq uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	edit, ok := b.edits[id]
	if !ok || edit.Seq != seq {
		return false
	}
	delete(b.edits, id)
	return true
}

// Get returns the edit held for id
func (b *Buffer) Get(id string) (types.OptimisticEdit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	edit, ok := b.edits[id]
	return edit, ok
}

// Len returns the number of edits held
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.edits)
}

// Pending returns every held edit ordered by submission time
func (b *Buffer) Pending() []types.OptimisticEdit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sorted(func(types.OptimisticEdit) bool { return true })
}

// Overdue returns edits submitted more than the timeout before now. They
// are only reported; the store may still confirm them.
func (b *Buffer) Overdue(now time.Time) []types.OptimisticEdit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sorted(func(e types.OptimisticEdit) bool {
		return now.Sub(e.SubmittedAt) > b.timeout
	})
}

func (b *Buffer) sorted(keep func(types.OptimisticEdit) bool) []types.OptimisticEdit {
	out := make([]types.OptimisticEdit, 0, len(b.edits))
	for _, e := range b.edits {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func mergePayload(base, patch types.Fields) types.Fields {
	out := base.Clone()
	if out == nil {
		out = make(types.Fields, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
