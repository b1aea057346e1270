package stage_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/sp-rtrace/rtrace-go/internal/stage"
	"github.com/sp-rtrace/rtrace-go/internal/wire"
)

// openMemStore opens an in-memory Store and registers t.Cleanup to close
// it, ensuring the database is closed even when tests fail.
func openMemStore(t *testing.T) *stage.Store {
	t.Helper()
	s, err := stage.Open(":memory:")
	if err != nil {
		t.Fatalf("stage.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_InMemory_EmptyDepth(t *testing.T) {
	s := openMemStore(t)
	if d := s.Depth(); d != 0 {
		t.Errorf("Depth = %d after open, want 0", d)
	}
}

func TestOpen_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stage.db")

	s, err := stage.Open(path)
	if err != nil {
		t.Fatalf("stage.Open(%q): %v", path, err)
	}
	_ = s.Close()
}

func TestEnqueue_IncreasesDepth(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	if err := s.Enqueue(ctx, "session-1", wire.PacketFunctionCall, []byte("payload")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if d := s.Depth(); d != 1 {
		t.Errorf("Depth = %d after one Enqueue, want 1", d)
	}
}

func TestEnqueue_MultiplePackets_DepthAccumulates(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		payload := []byte(fmt.Sprintf("payload-%d", i))
		if err := s.Enqueue(ctx, "session-1", wire.PacketFunctionCall, payload); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if d := s.Depth(); d != 5 {
		t.Errorf("Depth = %d after 5 enqueues, want 5", d)
	}
}

func TestDequeue_ReturnsPacketsInInsertionOrder(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	types := []wire.PacketType{wire.PacketFunctionCall, wire.PacketBacktrace, wire.PacketHeapInfo}
	for i, pt := range types {
		if err := s.Enqueue(ctx, "session-1", pt, []byte(fmt.Sprintf("p%d", i))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	recs, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Dequeue returned %d records, want 3", len(recs))
	}
	for i, pt := range types {
		if recs[i].Type != pt {
			t.Errorf("record %d Type = %v, want %v", i, recs[i].Type, pt)
		}
	}
}

func TestDequeue_RespectsLimit(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Enqueue(ctx, "session-1", wire.PacketFunctionCall, []byte("p")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	recs, err := s.Dequeue(ctx, 2)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Dequeue returned %d records, want 2", len(recs))
	}
}

func TestDequeue_ZeroOrNegativeN_ReturnsNil(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	if err := s.Enqueue(ctx, "session-1", wire.PacketFunctionCall, []byte("p")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	recs, err := s.Dequeue(ctx, 0)
	if err != nil {
		t.Fatalf("Dequeue(0): %v", err)
	}
	if recs != nil {
		t.Errorf("Dequeue(0) = %v, want nil", recs)
	}
}

func TestAck_RemovesFromPending(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Enqueue(ctx, "session-1", wire.PacketFunctionCall, []byte("p")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	recs, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if err := s.Ack(ctx, []int64{recs[0].ID, recs[1].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if d := s.Depth(); d != 1 {
		t.Errorf("Depth = %d after Ack of 2/3, want 1", d)
	}

	remaining, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue after Ack: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != recs[2].ID {
		t.Fatalf("Dequeue after Ack = %+v, want only id %d", remaining, recs[2].ID)
	}
}

func TestAck_Idempotent(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	if err := s.Enqueue(ctx, "session-1", wire.PacketFunctionCall, []byte("p")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	recs, _ := s.Dequeue(ctx, 10)

	if err := s.Ack(ctx, []int64{recs[0].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := s.Ack(ctx, []int64{recs[0].ID}); err != nil {
		t.Fatalf("second Ack: %v", err)
	}
	if d := s.Depth(); d != 0 {
		t.Errorf("Depth = %d after double Ack, want 0", d)
	}
}

func TestAck_EmptyIDs_NoOp(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	if err := s.Enqueue(ctx, "session-1", wire.PacketFunctionCall, []byte("p")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Ack(ctx, nil); err != nil {
		t.Fatalf("Ack(nil): %v", err)
	}
	if d := s.Depth(); d != 1 {
		t.Errorf("Depth = %d after Ack(nil), want 1", d)
	}
}

func TestDepth_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stage.db")

	s, err := stage.Open(path)
	if err != nil {
		t.Fatalf("stage.Open: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Enqueue(ctx, "session-1", wire.PacketFunctionCall, []byte("p")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := stage.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if d := reopened.Depth(); d != 3 {
		t.Errorf("Depth after reopen = %d, want 3", d)
	}
}
