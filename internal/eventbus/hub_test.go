package eventbus

import (
	"path/filepath"
	"testing"
	"time"
)

func TestHub_PublishDeliversToSubscriber(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	sub, unsubscribe := h.Subscribe("jobs")
	defer unsubscribe()

	h.Publish("jobs", "job_update", map[string]string{"id": "job-1"})

	select {
	case ev := <-sub.C:
		if ev.Name != "job_update" || ev.Seq != 1 {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHub_SeqMonotonicPerTopic(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	sub, unsubscribe := h.Subscribe("jobs")
	defer unsubscribe()

	h.Publish("jobs", "job_update", nil)
	h.Publish("jobs", "job_update", nil)
	h.Publish("workers", "worker_update", nil) // different topic, independent sequence

	first := <-sub.C
	second := <-sub.C
	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("expected seq 1 then 2, got %d then %d", first.Seq, second.Seq)
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	sub, unsubscribe := h.Subscribe("jobs")
	unsubscribe()

	_, ok := <-sub.C
	if ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	t.Parallel()
	var dropped string
	h := NewHub(func(topic string) { dropped = topic })
	_, unsubscribe := h.Subscribe("jobs")
	defer unsubscribe()

	for i := 0; i < SubscriberBufferSize; i++ {
		h.Publish("jobs", "job_update", i)
	}
	// Buffer now full and nobody is draining it; the next publish must time
	// out and drop the subscriber rather than block forever.
	done := make(chan struct{})
	go func() {
		h.Publish("jobs", "job_update", "overflow")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(SendTimeout + time.Second):
		t.Fatal("Publish blocked past SendTimeout")
	}
	if dropped != "jobs" {
		t.Errorf("expected onDrop called with topic jobs, got %q", dropped)
	}
	if h.SubscriberCount("jobs") != 0 {
		t.Error("expected subscriber removed after drop")
	}
}

func TestLogTail_EvictsOldestAndMarksTruncated(t *testing.T) {
	t.Parallel()
	tail := NewLogTail()
	for i := 0; i < MaxTailLines+10; i++ {
		tail.Append("line")
	}
	snap := tail.Snapshot()
	if snap[0] != truncatedMarker {
		t.Errorf("expected leading truncation marker, got %q", snap[0])
	}
	if len(snap) != MaxTailLines+1 {
		t.Errorf("expected %d lines plus marker, got %d", MaxTailLines, len(snap))
	}
}

func TestTailStore_GetCreatesLazily(t *testing.T) {
	t.Parallel()
	store := NewTailStore()
	a := store.Get("job-1")
	b := store.Get("job-1")
	if a != b {
		t.Error("expected same LogTail instance for repeated Get on same id")
	}
}

func TestTailStore_ReadFullWithoutDiskFallsBackToSnapshot(t *testing.T) {
	t.Parallel()
	store := NewTailStore()
	store.Append("job-1", "line one")
	store.Append("job-1", "line two")

	full, err := store.ReadFull("job-1")
	if err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if len(full) != 2 || full[0] != "line one" || full[1] != "line two" {
		t.Errorf("unexpected fallback snapshot: %v", full)
	}
}

func TestTailStore_AppendPersistsToDisk(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := NewTailStoreWithDisk(dir)

	for i := 0; i < MaxTailLines+10; i++ {
		store.Append("job-1", "line")
	}

	snap := store.Get("job-1").Snapshot()
	if len(snap) != MaxTailLines+1 {
		t.Fatalf("expected in-memory tail to stay bounded, got %d lines", len(snap))
	}

	full, err := store.ReadFull("job-1")
	if err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if len(full) != MaxTailLines+10 {
		t.Errorf("expected disk-backed ReadFull to return every line, got %d", len(full))
	}
	if _, err := filepath.Abs(filepath.Join(dir, "job-1.log")); err != nil {
		t.Fatalf("unexpected path error: %v", err)
	}
}

func TestTailStore_DeleteRemovesDiskFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := NewTailStoreWithDisk(dir)
	store.Append("job-1", "line one")
	store.Delete("job-1")

	full, err := store.ReadFull("job-1")
	if err != nil {
		t.Fatalf("ReadFull after delete: %v", err)
	}
	if len(full) != 0 {
		t.Errorf("expected empty history after delete, got %v", full)
	}
}
