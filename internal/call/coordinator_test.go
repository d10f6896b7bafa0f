package call

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go-callkit/internal/models"
	"go-callkit/internal/signal"
)

type fakeSession struct {
	mu       sync.Mutex
	sendErr  error
	sent     []string
	released []string
}

func (f *fakeSession) Send(action string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, action)
	return f.sendErr
}

func (f *fakeSession) ReleaseCall(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, callID)
}

func (f *fakeSession) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func (f *fakeSession) sentActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeSurface struct {
	mu          sync.Mutex
	shown       []string
	notified    []string
	cleared     []string
	ringStopped int
}

func (f *fakeSurface) ShowIncoming(ev models.CallEvent) {
	f.mu.Lock()
	f.shown = append(f.shown, ev.CallID)
	f.mu.Unlock()
}
func (f *fakeSurface) Notify(ev models.CallEvent) {
	f.mu.Lock()
	f.notified = append(f.notified, ev.CallID)
	f.mu.Unlock()
}
func (f *fakeSurface) ClearNotification(callID string) {
	f.mu.Lock()
	f.cleared = append(f.cleared, callID)
	f.mu.Unlock()
}
func (f *fakeSurface) StopRingback() {
	f.mu.Lock()
	f.ringStopped++
	f.mu.Unlock()
}

func newTestCoordinator(sess *fakeSession, surface *fakeSurface, appState AppState) *Coordinator {
	return NewCoordinator(CoordinatorOptions{
		SelfID:      "me",
		Platform:    PlatformAndroid,
		AppState:    func() AppState { return appState },
		RingTimeout: 50 * time.Millisecond,
		Session:     sess,
		Surface:     surface,
	})
}

func incoming(callID string) models.CallEvent {
	return models.CallEvent{Kind: models.EventIncomingCall, CallID: callID, CallerID: "peer", ConversationID: "conv1"}
}

func TestIncomingForegroundShowsFullScreen(t *testing.T) {
	sess := &fakeSession{}
	surface := &fakeSurface{}
	c := newTestCoordinator(sess, surface, AppForeground)

	c.HandleEvent(incoming("c1"))
	if st, id := c.Snapshot(); st != StateIncomingRinging || id != "c1" {
		t.Fatalf("expected IncomingRinging(c1), got %s %s", st, id)
	}
	if len(surface.shown) != 1 || len(surface.notified) != 0 {
		t.Fatalf("foreground ring should show full screen once: shown=%v notified=%v", surface.shown, surface.notified)
	}
}

func TestIncomingBackgroundNotifiesAndDoesNotRetrigger(t *testing.T) {
	sess := &fakeSession{}
	surface := &fakeSurface{}
	c := newTestCoordinator(sess, surface, AppBackground)

	c.HandleEvent(incoming("c1"))
	if len(surface.notified) != 1 {
		t.Fatalf("background ring should go through notification path: %v", surface.notified)
	}
	// 回前台不应重复弹全屏
	c.OnForeground()
	if len(surface.shown) != 0 {
		t.Fatalf("handled ring must not re-trigger on foreground: %v", surface.shown)
	}
}

func TestSecondIncomingIgnoredWhileRinging(t *testing.T) {
	sess := &fakeSession{}
	surface := &fakeSurface{}
	c := newTestCoordinator(sess, surface, AppForeground)

	c.HandleEvent(incoming("c1"))
	c.HandleEvent(incoming("c2"))
	if st, id := c.Snapshot(); st != StateIncomingRinging || id != "c1" {
		t.Fatalf("second incoming must not preempt: %s %s", st, id)
	}
	if len(surface.shown) != 1 {
		t.Fatalf("only one full-screen invocation expected: %v", surface.shown)
	}
}

func TestAcceptReleasesDedupAndConnects(t *testing.T) {
	sess := &fakeSession{}
	surface := &fakeSurface{}
	c := newTestCoordinator(sess, surface, AppForeground)

	c.HandleEvent(incoming("c3"))
	if err := c.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if st, _ := c.Snapshot(); st != StateConnected {
		t.Fatalf("expected Connected, got %s", st)
	}
	found := false
	for _, id := range sess.releasedIDs() {
		if id == "c3" {
			found = true
		}
	}
	if !found {
		t.Fatal("accept must release the dedup entry immediately")
	}
	if !c.Floating().Visible() {
		t.Fatal("floating window should be visible after accept")
	}
}

func TestAcceptWhileDisconnectedIsOptimistic(t *testing.T) {
	sess := &fakeSession{sendErr: signal.ErrNotConnected}
	surface := &fakeSurface{}
	c := newTestCoordinator(sess, surface, AppForeground)

	c.HandleEvent(incoming("c4"))
	err := c.Accept()
	if !errors.Is(err, signal.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected surfaced, got %v", err)
	}
	// 状态仍乐观转移，用户不困在死振铃界面
	if st, _ := c.Snapshot(); st != StateConnected {
		t.Fatalf("state should still transition, got %s", st)
	}
}

func TestRejectReturnsToIdle(t *testing.T) {
	sess := &fakeSession{}
	surface := &fakeSurface{}
	c := newTestCoordinator(sess, surface, AppForeground)

	c.HandleEvent(incoming("c5"))
	if err := c.Reject(); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if st, _ := c.Snapshot(); st != StateIdle {
		t.Fatalf("expected Idle after reject, got %s", st)
	}
	if got := sess.sentActions(); len(got) != 1 || got[0] != models.ActionRejectCall {
		t.Fatalf("expected reject_call sent, got %v", got)
	}
	if len(surface.cleared) != 1 {
		t.Fatalf("notification should be cleared: %v", surface.cleared)
	}
}

func TestOutgoingRingTimeoutIndependentOfServer(t *testing.T) {
	sess := &fakeSession{}
	surface := &fakeSurface{}
	c := newTestCoordinator(sess, surface, AppForeground)

	callID, err := c.Initiate("peer", "conv1", models.CallTypeAudio)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if st, id := c.Snapshot(); st != StateOutgoingRinging || id != callID {
		t.Fatalf("expected OutgoingRinging(%s), got %s %s", callID, st, id)
	}

	// 无任何服务端事件，到点单方面回 Idle
	time.Sleep(120 * time.Millisecond)
	if st, _ := c.Snapshot(); st != StateIdle {
		t.Fatalf("ring timeout should force Idle, got %s", st)
	}
	surface.mu.Lock()
	stopped := surface.ringStopped
	surface.mu.Unlock()
	if stopped == 0 {
		t.Fatal("ringback should stop on timeout")
	}
}

func TestRemoteAcceptConnectsOutgoing(t *testing.T) {
	sess := &fakeSession{}
	surface := &fakeSurface{}
	c := newTestCoordinator(sess, surface, AppForeground)

	callID, _ := c.Initiate("peer", "conv1", models.CallTypeAudio)
	c.HandleEvent(models.CallEvent{Kind: models.EventCallAccepted, CallID: callID})
	if st, _ := c.Snapshot(); st != StateConnected {
		t.Fatalf("expected Connected after remote accept, got %s", st)
	}
	// 超时计时器已停，不应再被打回 Idle
	time.Sleep(120 * time.Millisecond)
	if st, _ := c.Snapshot(); st != StateConnected {
		t.Fatalf("accepted call must not be killed by ring timer, got %s", st)
	}
}

func TestRemoteEndForcesSynchronousCleanup(t *testing.T) {
	sess := &fakeSession{}
	surface := &fakeSurface{}
	c := newTestCoordinator(sess, surface, AppForeground)

	c.HandleEvent(incoming("c6"))
	_ = c.Accept()
	c.HandleEvent(models.CallEvent{Kind: models.EventCallEnded, CallID: "c6", EnderID: "peer"})

	if st, _ := c.Snapshot(); st != StateIdle {
		t.Fatalf("expected Idle after remote end, got %s", st)
	}
	if c.Floating().Visible() {
		t.Fatal("floating resources must be released before state flips")
	}
}

func TestMismatchedTerminalStillReleasesDedup(t *testing.T) {
	sess := &fakeSession{}
	surface := &fakeSurface{}
	c := newTestCoordinator(sess, surface, AppForeground)

	c.HandleEvent(incoming("c7"))
	c.HandleEvent(models.CallEvent{Kind: models.EventCallCancelled, CallID: "other"})

	// 界面不受影响
	if st, id := c.Snapshot(); st != StateIncomingRinging || id != "c7" {
		t.Fatalf("mismatched terminal must not touch UI state: %s %s", st, id)
	}
	// 但陈旧 id 的登记被清掉
	found := false
	for _, id := range sess.releasedIDs() {
		if id == "other" {
			found = true
		}
	}
	if !found {
		t.Fatal("mismatched terminal should release its own dedup entry")
	}
}

func TestHangUpThenRingAgainSameID(t *testing.T) {
	sess := &fakeSession{}
	surface := &fakeSurface{}
	c := newTestCoordinator(sess, surface, AppForeground)

	c.HandleEvent(incoming("c8"))
	_ = c.Accept()
	_ = c.HangUp()
	if st, _ := c.Snapshot(); st != StateIdle {
		t.Fatal("expected Idle after hangup")
	}

	// 服务端复用同一 id，按新来电振铃
	c.HandleEvent(incoming("c8"))
	if st, id := c.Snapshot(); st != StateIncomingRinging || id != "c8" {
		t.Fatalf("reused id should ring again: %s %s", st, id)
	}
	if len(surface.shown) != 2 {
		t.Fatalf("expected two full-screen invocations, got %v", surface.shown)
	}
}

func TestInitiateWhileBusy(t *testing.T) {
	sess := &fakeSession{}
	c := newTestCoordinator(sess, &fakeSurface{}, AppForeground)

	c.HandleEvent(incoming("c9"))
	if _, err := c.Initiate("peer", "conv1", models.CallTypeAudio); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestCancelOutgoing(t *testing.T) {
	sess := &fakeSession{}
	surface := &fakeSurface{}
	c := newTestCoordinator(sess, surface, AppForeground)

	callID, _ := c.Initiate("peer", "conv1", models.CallTypeAudio)
	if err := c.CancelOutgoing(); err != nil {
		t.Fatalf("CancelOutgoing: %v", err)
	}
	if st, _ := c.Snapshot(); st != StateIdle {
		t.Fatal("expected Idle after cancel")
	}
	found := false
	for _, id := range sess.releasedIDs() {
		if id == callID {
			found = true
		}
	}
	if !found {
		t.Fatal("cancel should release the dedup entry")
	}
}
