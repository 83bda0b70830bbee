package history

import (
	"testing"
	"time"
)

func TestRecordTargetDeduplicates(t *testing.T) {
	h := New(time.Minute, 0)
	defer h.Close()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.RecordTarget("curl", TargetRecord{Host: "example.com", Port: 443, Protocol: HTTPS, Status: StatusConnecting, Timestamp: t0})
	h.RecordTarget("curl", TargetRecord{Host: "example.com", Port: 443, Protocol: HTTPS, Status: StatusSuccess, Timestamp: t0.Add(time.Second)})

	got := h.GetTargets("curl")
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Status != StatusSuccess {
		t.Fatalf("status=%s want %s", got[0].Status, StatusSuccess)
	}
	if !got[0].Timestamp.Equal(t0.Add(time.Second)) {
		t.Fatalf("timestamp not updated: %v", got[0].Timestamp)
	}
}

func TestRecordTargetDistinctPorts(t *testing.T) {
	h := New(time.Minute, 0)
	defer h.Close()

	h.RecordTarget("curl", TargetRecord{Host: "example.com", Port: 80})
	h.RecordTarget("curl", TargetRecord{Host: "example.com", Port: 443})

	if got := h.GetTargets("curl"); len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
}

func TestGetTargetsNewestFirst(t *testing.T) {
	h := New(time.Minute, 0)
	defer h.Close()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.RecordTarget("app", TargetRecord{Host: "a.com", Port: 80, Timestamp: t0})
	h.RecordTarget("app", TargetRecord{Host: "b.com", Port: 80, Timestamp: t0.Add(2 * time.Second)})
	h.RecordTarget("app", TargetRecord{Host: "c.com", Port: 80, Timestamp: t0.Add(time.Second)})

	got := h.GetTargets("app")
	want := []string{"b.com", "c.com", "a.com"}
	for i, host := range want {
		if got[i].Host != host {
			t.Fatalf("index %d: got %s want %s", i, got[i].Host, host)
		}
	}
}

func TestKeyExpires(t *testing.T) {
	h := New(20*time.Millisecond, 0)
	defer h.Close()

	h.RecordTarget("app", TargetRecord{Host: "a.com", Port: 80})
	time.Sleep(50 * time.Millisecond)

	if got := h.GetTargets("app"); got != nil {
		t.Fatalf("expected expiry, got %v", got)
	}
	if all := h.AllTargets(); len(all) != 0 {
		t.Fatalf("expected empty snapshot, got %v", all)
	}
}

func TestDeleteAndAll(t *testing.T) {
	h := New(time.Minute, 0)
	defer h.Close()

	h.RecordTarget("one", TargetRecord{Host: "a.com", Port: 80})
	h.RecordTarget("two", TargetRecord{Host: "b.com", Port: 80})
	h.RecordTarget("", TargetRecord{Host: "ignored.com", Port: 80})

	if all := h.AllTargets(); len(all) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(all))
	}

	h.Delete("one")
	if got := h.GetTargets("one"); got != nil {
		t.Fatalf("expected delete, got %v", got)
	}
	if got := h.GetTargets("two"); len(got) != 1 {
		t.Fatalf("unexpected %v", got)
	}
}

func TestDeleteWaitsForRecord(t *testing.T) {
	h := New(time.Minute, 0)
	defer h.Close()

	h.RecordTarget("app", TargetRecord{Host: "a.com", Port: 80})

	// Hold the write lock as RecordTarget would between its read and write.
	h.mu.Lock()
	deleted := make(chan struct{})
	go func() {
		h.Delete("app")
		close(deleted)
	}()

	select {
	case <-deleted:
		h.mu.Unlock()
		t.Fatal("Delete did not wait for the in-flight record")
	case <-time.After(50 * time.Millisecond):
	}
	h.c.Set("app", []TargetRecord{{Host: "b.com", Port: 80}}, h.ttl)
	h.mu.Unlock()

	<-deleted
	if got := h.GetTargets("app"); len(got) != 0 {
		t.Fatalf("key came back after Delete: %+v", got)
	}
}
