package replay

import (
	"testing"
	"time"

	"go-callkit/internal/models"
)

func TestTakeWithinTTL(t *testing.T) {
	b := NewBuffer(100 * time.Millisecond)
	b.Put(models.CallEvent{Kind: models.EventIncomingCall, CallID: "c1"})

	ev, ok := b.Take()
	if !ok {
		t.Fatal("Take within TTL should return the event")
	}
	if ev.CallID != "c1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	// 槽位已清空
	if _, ok := b.Take(); ok {
		t.Fatal("second Take should return nothing")
	}
}

func TestTakeAfterTTL(t *testing.T) {
	b := NewBuffer(20 * time.Millisecond)
	b.Put(models.CallEvent{Kind: models.EventIncomingCall, CallID: "c1"})
	time.Sleep(50 * time.Millisecond)

	if _, ok := b.Take(); ok {
		t.Fatal("expired entry should be discarded")
	}
}

func TestPutOverwrites(t *testing.T) {
	b := NewBuffer(time.Minute)
	b.Put(models.CallEvent{Kind: models.EventIncomingCall, CallID: "old"})
	b.Put(models.CallEvent{Kind: models.EventIncomingCall, CallID: "new"})

	ev, ok := b.Take()
	if !ok || ev.CallID != "new" {
		t.Fatalf("expected latest event, got ok=%v ev=%+v", ok, ev)
	}
}

func TestClear(t *testing.T) {
	b := NewBuffer(time.Minute)
	b.Put(models.CallEvent{CallID: "c1"})
	b.Clear()
	if _, ok := b.Take(); ok {
		t.Fatal("cleared buffer should be empty")
	}
}
