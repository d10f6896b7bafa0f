package call

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecoveryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "active_call.json")
	r := NewRecoveryCache(path)

	start := time.Now().Truncate(time.Second)
	if err := r.Save(ActiveCall{CallID: "c1", PeerID: "peer", Status: "answered", StartTime: start}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ac, ok := r.Load()
	if !ok {
		t.Fatal("Load should find the snapshot")
	}
	if ac.CallID != "c1" || ac.PeerID != "peer" || !ac.StartTime.Equal(start) {
		t.Fatalf("unexpected snapshot: %+v", ac)
	}

	r.Clear()
	if _, ok := r.Load(); ok {
		t.Fatal("Load after Clear should report no active call")
	}
	r.Clear() // 幂等
}

func TestRecoveryLoadMissingFile(t *testing.T) {
	r := NewRecoveryCache(filepath.Join(t.TempDir(), "missing.json"))
	if _, ok := r.Load(); ok {
		t.Fatal("missing file means no active call")
	}
}

func TestRecoveryLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	r := NewRecoveryCache(path)
	if _, ok := r.Load(); ok {
		t.Fatal("corrupt snapshot must be treated as absent")
	}
}
