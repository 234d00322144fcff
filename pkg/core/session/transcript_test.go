package session

import (
	"sync"
	"testing"
	"time"

	"github.com/aurelio-ai/voicelink/pkg/core/signal"
	"github.com/aurelio-ai/voicelink/pkg/core/types"
)

func persistedTexts(entries []types.TranscriptEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Role) + ":" + e.Text
	}
	return out
}

func TestAssemblerDedupsRedeliveredUtterance(t *testing.T) {
	a := NewAssembler(0, nil)
	a.AddUtterance(types.RoleUser, "hello")
	a.AddUtterance(types.RoleUser, "hello") // redelivery
	a.AddUtterance(types.RoleAssistant, "hello")
	a.AddUtterance(types.RoleUser, "hello") // legitimate repeat after other speaker

	save, ok := a.BuildSave("s", "a", time.Now())
	if !ok {
		t.Fatal("expected a save payload")
	}
	got := persistedTexts(save.Entries)
	want := []string{"user:hello", "assistant:hello", "user:hello"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestAssemblerGrowingSnapshotReconciliation(t *testing.T) {
	a := NewAssembler(0, nil)

	// The vendor redelivers the whole transcript; the last entry grows.
	a.ApplySnapshot([]signal.SnapshotEntry{
		{Role: types.RoleUser, Text: "hi"},
	})
	a.ApplySnapshot([]signal.SnapshotEntry{
		{Role: types.RoleUser, Text: "hi there"},
	})
	a.ApplySnapshot([]signal.SnapshotEntry{
		{Role: types.RoleUser, Text: "hi there"},
		{Role: types.RoleAssistant, Text: "hel"},
	})
	a.ApplySnapshot([]signal.SnapshotEntry{
		{Role: types.RoleUser, Text: "hi there"},
		{Role: types.RoleAssistant, Text: "hello!"},
	})

	// Before the tail flush, only the finished first entry persists.
	save, ok := a.BuildSave("s", "a", time.Now())
	if !ok {
		t.Fatal("expected a save payload")
	}
	if len(save.Entries) != 1 || save.Entries[0].Text != "hi there" {
		t.Fatalf("pre-flush persistence = %v", persistedTexts(save.Entries))
	}

	a.FlushTail()
	save, _ = a.BuildSave("s", "a", time.Now())
	got := persistedTexts(save.Entries)
	want := []string{"user:hi there", "assistant:hello!"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}

	// Display shows both without duplicates.
	display := a.Display()
	if len(display) != 2 {
		t.Fatalf("display has %d entries, want 2: %v", len(display), persistedTexts(display))
	}
}

func TestAssemblerStaleShorterSnapshotIgnored(t *testing.T) {
	a := NewAssembler(0, nil)
	a.ApplySnapshot([]signal.SnapshotEntry{
		{Role: types.RoleUser, Text: "one"},
		{Role: types.RoleAssistant, Text: "two"},
		{Role: types.RoleUser, Text: "three"},
	})
	a.ApplySnapshot([]signal.SnapshotEntry{
		{Role: types.RoleUser, Text: "one"},
	})
	a.FlushTail()

	save, _ := a.BuildSave("s", "a", time.Now())
	if len(save.Entries) != 3 {
		t.Fatalf("stale snapshot shrank the transcript: %v", persistedTexts(save.Entries))
	}
}

func TestAssemblerSystemLinesBypassDebounceAndPersistence(t *testing.T) {
	var mu sync.Mutex
	var calls int
	a := NewAssembler(time.Hour, func([]types.TranscriptEntry) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	defer a.Stop()

	a.AddSystemLine("Connecting...")

	mu.Lock()
	immediate := calls
	mu.Unlock()
	if immediate != 1 {
		t.Fatalf("system line produced %d updates, want immediate 1", immediate)
	}

	a.AddUtterance(types.RoleUser, "hello")
	mu.Lock()
	afterUtterance := calls
	mu.Unlock()
	if afterUtterance != 1 {
		t.Fatalf("utterance update should still be debounced, got %d calls", afterUtterance)
	}

	if _, ok := a.BuildSave("s", "a", time.Now()); !ok {
		t.Fatal("expected save payload")
	}
	save, _ := a.BuildSave("s", "a", time.Now())
	for _, e := range save.Entries {
		if e.Role == types.RoleSystem {
			t.Fatal("system line leaked into persistence")
		}
	}
}

func TestAssemblerEmptySessionNeverSaves(t *testing.T) {
	a := NewAssembler(0, nil)
	a.AddSystemLine("Connecting...")
	a.AddSystemLine("Connected")
	a.FlushTail()

	if _, ok := a.BuildSave("s", "a", time.Now()); ok {
		t.Fatal("a session with no conversation turns must not save")
	}
}

func TestAssemblerDebounceCoalesces(t *testing.T) {
	var mu sync.Mutex
	var calls int
	a := NewAssembler(20*time.Millisecond, func([]types.TranscriptEntry) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	defer a.Stop()

	// Each snapshot finishes the previous tail, so every burst commits one
	// new entry.
	var snap []signal.SnapshotEntry
	for i := 0; i < 10; i++ {
		snap = append(snap, signal.SnapshotEntry{Role: types.RoleAssistant, Text: string(rune('a' + i))})
		a.ApplySnapshot(append([]signal.SnapshotEntry(nil), snap...))
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	got := calls
	mu.Unlock()
	if got == 0 || got >= 9 {
		t.Fatalf("debounce produced %d updates for 10 bursts", got)
	}
}

func TestAssemblerDisplayIsAppendOnly(t *testing.T) {
	// An append-only consumer tracks a printed high-water mark; a listed
	// entry must therefore never change under it.
	var mu sync.Mutex
	var printed []string
	shown := 0
	a := NewAssembler(0, func(entries []types.TranscriptEntry) {
		mu.Lock()
		for ; shown < len(entries); shown++ {
			printed = append(printed, entries[shown].Text)
		}
		mu.Unlock()
	})
	defer a.Stop()

	a.ApplySnapshot([]signal.SnapshotEntry{
		{Role: types.RoleUser, Text: "hi"},
	})
	a.ApplySnapshot([]signal.SnapshotEntry{
		{Role: types.RoleUser, Text: "hi there, I need help with my booking"},
	})
	a.ApplySnapshot([]signal.SnapshotEntry{
		{Role: types.RoleUser, Text: "hi there, I need help with my booking"},
		{Role: types.RoleAssistant, Text: "Of course."},
	})
	a.FlushTail()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := append([]string(nil), printed...)
		mu.Unlock()
		if len(got) == 2 {
			if got[0] != "hi there, I need help with my booking" || got[1] != "Of course." {
				t.Fatalf("printed %v", got)
			}
			return
		}
		if len(got) > 2 {
			t.Fatalf("printed %v, want exactly the two finished utterances", got)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("finished utterances never reached the consumer")
}

func TestAssemblerZeroDebounceDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var lengths []int
	a := NewAssembler(0, func(entries []types.TranscriptEntry) {
		mu.Lock()
		lengths = append(lengths, len(entries))
		mu.Unlock()
	})
	defer a.Stop()

	for i := 0; i < 10; i++ {
		a.AddUtterance(types.RoleUser, string(rune('a'+i)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := append([]int(nil), lengths...)
		mu.Unlock()
		for i := 1; i < len(got); i++ {
			if got[i] < got[i-1] {
				t.Fatalf("display snapshots regressed: %v", got)
			}
		}
		if len(got) > 0 && got[len(got)-1] == 10 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("final display snapshot never delivered")
}
