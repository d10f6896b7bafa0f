package signal

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go-callkit/internal/models"
)

func incomingPayload(callID string) json.RawMessage {
	b, _ := json.Marshal(models.CallEvent{CallID: callID, CallerID: "u-caller"})
	return b
}

func TestDuplicateTwoPathDelivery(t *testing.T) {
	s := NewSession(nil, SessionOptions{})
	defer s.Dispose()

	var got []models.CallEvent
	s.Registry().SubscribeCalls(func(ev models.CallEvent) { got = append(got, ev) })

	// 同一逻辑事件经具体监听与通配兜底两条路径各注入一次
	s.Ingest(models.EventIncomingCall, incomingPayload("c1"))
	s.Ingest(models.EventIncomingCall, incomingPayload("c1"))

	if len(got) != 1 {
		t.Fatalf("duplicate delivery must be deduplicated: got %d events", len(got))
	}
	if got[0].Kind != models.EventIncomingCall || got[0].CallID != "c1" {
		t.Fatalf("unexpected event: %+v", got[0])
	}
}

func TestCancelNotSuppressedByIncomingEntry(t *testing.T) {
	s := NewSession(nil, SessionOptions{})
	defer s.Dispose()

	var kinds []string
	s.Registry().SubscribeCalls(func(ev models.CallEvent) { kinds = append(kinds, ev.Kind) })

	s.Ingest(models.EventIncomingCall, incomingPayload("c1"))
	s.Ingest(models.EventCallCancelled, incomingPayload("c1"))

	if len(kinds) != 2 {
		t.Fatalf("cancel for the same id must pass its own cache: kinds=%v", kinds)
	}
}

func TestLateSubscriberWithinTTL(t *testing.T) {
	s := NewSession(nil, SessionOptions{ReplayTTL: 200 * time.Millisecond})
	defer s.Dispose()

	s.Ingest(models.EventIncomingCall, incomingPayload("c2"))
	time.Sleep(20 * time.Millisecond)

	var got []models.CallEvent
	s.Registry().SubscribeCalls(func(ev models.CallEvent) { got = append(got, ev) })
	if len(got) != 1 || got[0].CallID != "c2" {
		t.Fatalf("late subscriber within TTL should get the buffered event: %+v", got)
	}

	// 第二个订阅者不再补发
	var second []models.CallEvent
	s.Registry().SubscribeCalls(func(ev models.CallEvent) { second = append(second, ev) })
	if len(second) != 0 {
		t.Fatalf("replay must fire at most once: %+v", second)
	}
}

func TestLateSubscriberAfterTTL(t *testing.T) {
	s := NewSession(nil, SessionOptions{ReplayTTL: 20 * time.Millisecond})
	defer s.Dispose()

	s.Ingest(models.EventIncomingCall, incomingPayload("c3"))
	time.Sleep(60 * time.Millisecond)

	var got []models.CallEvent
	s.Registry().SubscribeCalls(func(ev models.CallEvent) { got = append(got, ev) })
	if len(got) != 0 {
		t.Fatalf("expired buffered event must not be delivered: %+v", got)
	}
}

func TestReleaseOnResolutionAllowsIDReuse(t *testing.T) {
	s := NewSession(nil, SessionOptions{})
	defer s.Dispose()

	var got []models.CallEvent
	s.Registry().SubscribeCalls(func(ev models.CallEvent) { got = append(got, ev) })

	s.Ingest(models.EventIncomingCall, incomingPayload("c3"))
	// 接听完成，本地释放该 id 的去重登记
	s.ReleaseCall("c3")
	// 服务端复用同一 id，应按新来电处理
	s.Ingest(models.EventIncomingCall, incomingPayload("c3"))

	if len(got) != 2 {
		t.Fatalf("reused id after release must be processed: got %d events", len(got))
	}
}

func TestMessagesRouteToMessageChannel(t *testing.T) {
	s := NewSession(nil, SessionOptions{})
	defer s.Dispose()

	var raw []json.RawMessage
	s.Registry().SubscribeMessages(func(m json.RawMessage) { raw = append(raw, m) })
	s.Ingest("message", json.RawMessage(`{"text":"hi"}`))
	if len(raw) != 1 {
		t.Fatalf("message events should reach message subscribers: %d", len(raw))
	}
}

func TestSendWithoutConn(t *testing.T) {
	s := NewSession(nil, SessionOptions{})
	defer s.Dispose()
	if err := s.Send(models.ActionAcceptCall, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestIngestAfterDispose(t *testing.T) {
	s := NewSession(nil, SessionOptions{})
	var got int
	s.Registry().SubscribeCalls(func(models.CallEvent) { got++ })
	s.Dispose()
	s.Ingest(models.EventIncomingCall, incomingPayload("c9"))
	if got != 0 {
		t.Fatalf("disposed session must drop events: got=%d", got)
	}
}
