package call

import (
	"errors"
	"testing"
	"time"
)

type fakeAudio struct{ stops int }

func (f *fakeAudio) Stop() error { f.stops++; return nil }

type fakeTrack struct {
	stops int
	err   error
}

func (f *fakeTrack) Stop() error { f.stops++; return f.err }

type fakePeer struct{ closes int }

func (f *fakePeer) Close() error { f.closes++; return nil }

type panicPeer struct{}

func (panicPeer) Close() error { panic("already freed") }

func TestHideReleasesEachResourceOnce(t *testing.T) {
	audio := &fakeAudio{}
	track := &fakeTrack{}
	peer := &fakePeer{}

	f := NewFloating()
	f.Show(FloatingInfo{CallID: "c1", PeerID: "peer", StartedAt: time.Now()}, Resources{
		Audio:  audio,
		Tracks: []MediaTrack{track},
		Peer:   peer,
	})
	if !f.Visible() {
		t.Fatal("should be visible after Show")
	}

	f.Hide()
	f.Hide()      // 重复调用为空操作
	f.ForceHide() // 同一套清理

	if audio.stops != 1 || track.stops != 1 || peer.closes != 1 {
		t.Fatalf("each resource must be released exactly once: audio=%d track=%d peer=%d", audio.stops, track.stops, peer.closes)
	}
	if f.Visible() {
		t.Fatal("should be hidden after Hide")
	}
}

func TestCleanupToleratesPartialResources(t *testing.T) {
	f := NewFloating()
	// 对端连接从未建立
	f.Show(FloatingInfo{CallID: "c1"}, Resources{})
	f.ForceHide() // 不应 panic
	if f.Visible() {
		t.Fatal("should be hidden")
	}
}

func TestCleanupContinuesPastFailures(t *testing.T) {
	bad := &fakeTrack{err: errors.New("track already stopped")}
	peer := &fakePeer{}

	f := NewFloating()
	f.Show(FloatingInfo{CallID: "c1"}, Resources{
		Tracks: []MediaTrack{bad},
		Peer:   peer,
	})
	f.Hide()
	if peer.closes != 1 {
		t.Fatal("failed track stop must not abort peer close")
	}
}

func TestCleanupRecoverFromPanickingStep(t *testing.T) {
	f := NewFloating()
	f.Show(FloatingInfo{CallID: "c1"}, Resources{Peer: panicPeer{}})
	f.Hide() // panic 被单步兜底吸收
	if f.Visible() {
		t.Fatal("should be hidden despite panicking step")
	}
}

func TestUpdateDurationDoesNotTouchResources(t *testing.T) {
	audio := &fakeAudio{}
	f := NewFloating()
	f.Show(FloatingInfo{CallID: "c1"}, Resources{Audio: audio})

	f.UpdateDuration(42)
	if f.Duration() != 42 {
		t.Fatalf("duration should be 42, got %d", f.Duration())
	}
	if audio.stops != 0 {
		t.Fatal("UpdateDuration must not release resources")
	}
	f.Hide()
}

func TestShowAfterHide(t *testing.T) {
	f := NewFloating()
	f.Show(FloatingInfo{CallID: "c1"}, Resources{})
	f.Hide()
	f.Show(FloatingInfo{CallID: "c2"}, Resources{})
	if !f.Visible() || f.Info().CallID != "c2" {
		t.Fatalf("should be showable again after Hide: visible=%v info=%+v", f.Visible(), f.Info())
	}
	f.Hide()
}
