package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aurelio-ai/voicelink/pkg/core/signal"
	"github.com/aurelio-ai/voicelink/pkg/core/types"
)

// Assembler builds the session transcript from either channel shape: the
// direct strategy's complete per-utterance events, or the vendor's
// redelivered growing snapshots. It maintains two lists with different
// rules:
//
//   - the display list, what the UI renders, including system status lines;
//   - the persistence list, what gets saved, conversation turns only.
//
// Both lists are append-only and entries never mutate once listed; a
// snapshot's still-growing last entry is held back until superseded or the
// call ends, so consumers may track a printed high-water mark. Display
// updates are debounced so snapshot bursts do not thrash the renderer;
// system lines bypass the debounce because a status change must show
// immediately.
type Assembler struct {
	mu sync.Mutex

	display     []types.TranscriptEntry
	persistence []types.TranscriptEntry

	// committed counts snapshot entries fully reconciled into both lists;
	// the snapshot's last entry may still be growing and is held in the
	// tail fields until the next snapshot moves past it or the call ends.
	committed int
	tailRole  types.Role
	tailText  string
	hasTail   bool

	debounce time.Duration
	timer    *time.Timer
	onUpdate func([]types.TranscriptEntry)

	// cbMu serializes onUpdate calls; the snapshot copy and the delivery
	// happen under it so a consumer never sees lists out of order.
	cbMu sync.Mutex

	stopped bool
}

// NewAssembler creates an Assembler. onUpdate receives a copy of the
// display list after each (debounced) change; it may be nil.
func NewAssembler(debounce time.Duration, onUpdate func([]types.TranscriptEntry)) *Assembler {
	return &Assembler{
		debounce: debounce,
		onUpdate: onUpdate,
	}
}

// AddUtterance records one complete utterance. A duplicate of the
// immediately preceding conversation entry (same role, same text) is
// dropped; the channel redelivers completed items and only back-to-back
// repetition indicates redelivery rather than the user repeating
// themselves.
func (a *Assembler) AddUtterance(role types.Role, text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	if n := len(a.persistence); n > 0 {
		last := a.persistence[n-1]
		if last.Role == role && last.Text == text {
			a.mu.Unlock()
			return
		}
	}
	entry := newEntry(role, text)
	a.persistence = append(a.persistence, entry)
	a.display = append(a.display, entry)
	a.scheduleUpdateLocked()
	a.mu.Unlock()
}

// AddSystemLine records a status line. It renders immediately and never
// enters the persistence list.
func (a *Assembler) AddSystemLine(text string) {
	a.mu.Lock()
	a.display = append(a.display, newEntry(types.RoleSystem, text))
	a.mu.Unlock()
	a.deliver()
}

// ApplySnapshot reconciles a redelivered full transcript. Entries the
// previous snapshots already covered are not re-appended; new entries
// before the snapshot's last are committed; the last entry is treated as
// still growing and held back from both lists until superseded.
func (a *Assembler) ApplySnapshot(entries []signal.SnapshotEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(entries) <= a.committed {
		// The vendor never shrinks a transcript; a snapshot with nothing
		// past the committed mark is a stale redelivery.
		return
	}

	changed := false

	// Everything before the snapshot's last entry is finished; commit it.
	for i := a.committed; i < len(entries)-1; i++ {
		entry := newEntry(entries[i].Role, entries[i].Text)
		a.persistence = append(a.persistence, entry)
		a.display = append(a.display, entry)
		changed = true
	}
	if len(entries)-1 > a.committed {
		a.committed = len(entries) - 1
	}

	last := entries[len(entries)-1]
	a.tailRole, a.tailText, a.hasTail = last.Role, last.Text, true

	if changed {
		a.scheduleUpdateLocked()
	}
}

// FlushTail commits the still-growing snapshot entry, if any. Called once
// at call end so the final utterance is not lost.
func (a *Assembler) FlushTail() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasTail {
		return
	}
	a.hasTail = false
	a.committed++
	if a.tailText == "" {
		return
	}
	entry := newEntry(a.tailRole, a.tailText)
	a.persistence = append(a.persistence, entry)
	a.display = append(a.display, entry)
	a.scheduleUpdateLocked()
}

// Display returns a copy of the display list.
func (a *Assembler) Display() []types.TranscriptEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copyDisplayLocked()
}

// BuildSave assembles the persistence payload. Returns false when the
// session produced no conversation turns; an empty transcript is never
// saved.
func (a *Assembler) BuildSave(sessionID, agentID string, startedAt time.Time) (types.TranscriptSave, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.persistence) == 0 {
		return types.TranscriptSave{}, false
	}
	entries := make([]types.TranscriptEntry, len(a.persistence))
	copy(entries, a.persistence)
	return types.TranscriptSave{
		SessionID:       sessionID,
		AgentID:         agentID,
		StartedAt:       startedAt,
		DurationSeconds: int(time.Since(startedAt) / time.Second),
		Entries:         entries,
	}, true
}

// Stop cancels any pending debounced update.
func (a *Assembler) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Assembler) scheduleUpdateLocked() {
	if a.onUpdate == nil || a.stopped || a.timer != nil {
		return
	}
	d := a.debounce
	if d < 0 {
		d = 0
	}
	a.timer = time.AfterFunc(d, func() {
		a.mu.Lock()
		a.timer = nil
		a.mu.Unlock()
		a.deliver()
	})
}

// deliver copies the display list and invokes onUpdate under cbMu. The
// copy happens fresh inside the critical section, so even coalesced or
// racing deliveries reach the consumer newest-last.
func (a *Assembler) deliver() {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	snapshot := a.copyDisplayLocked()
	cb := a.onUpdate
	a.mu.Unlock()
	if cb != nil {
		cb(snapshot)
	}
}

func (a *Assembler) copyDisplayLocked() []types.TranscriptEntry {
	out := make([]types.TranscriptEntry, len(a.display))
	copy(out, a.display)
	return out
}

func newEntry(role types.Role, text string) types.TranscriptEntry {
	return types.TranscriptEntry{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	}
}
