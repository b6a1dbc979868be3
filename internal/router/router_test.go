package router

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shehryarbajwa/browsermux/pkg/protocol"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []*protocol.Message
}

func (t *fakeTransport) Send(msg *protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
}

func (t *fakeTransport) all() []*protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*protocol.Message(nil), t.sent...)
}

func (t *fakeTransport) last() *protocol.Message {
	msgs := t.all()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

type fakeSession struct {
	id        string
	closing   bool
	delivered []*protocol.Message
	closed    bool
	reason    string
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Send(msg *protocol.Message) error {
	if s.closed {
		return fmt.Errorf("session %s is closed", s.id)
	}
	s.delivered = append(s.delivered, msg)
	return nil
}

func (s *fakeSession) IsClosing() bool { return s.closing }

func (s *fakeSession) Close(reason string) {
	s.closing = true
	s.closed = true
	s.reason = reason
}

func newTestRouter(t *testing.T) (*Router, *fakeTransport) {
	transport := &fakeTransport{}
	return New(transport, zaptest.NewLogger(t).Sugar()), transport
}

func request(id int64, method string, params interface{}) *protocol.Message {
	return protocol.NewRequest(id, method, params)
}

func response(id int64, result interface{}) *protocol.Message {
	raw, _ := json.Marshal(result)
	return &protocol.Message{ID: &id, Result: raw}
}

// createContext runs one full context creation for the session and returns
// the context id the fake browser assigned.
func createContext(t *testing.T, r *Router, transport *fakeTransport, s *fakeSession, originalID int64, contextID string) {
	t.Helper()
	r.OnSessionMessage(s, request(originalID, protocol.MethodCreateContext, nil))
	forwarded := transport.last()
	require.NotNil(t, forwarded.ID)
	r.OnTransportMessage(response(*forwarded.ID, protocol.ContextIDPayload{BrowserContextID: contextID}))
}

func TestEndToEndCreateContext(t *testing.T) {
	r, transport := newTestRouter(t)
	s1 := &fakeSession{id: "s1"}
	r.OnConnect(s1)

	r.OnSessionMessage(s1, request(1, protocol.MethodCreateContext, nil))

	forwarded := transport.last()
	require.NotNil(t, forwarded)
	require.NotNil(t, forwarded.ID)
	mixed := *forwarded.ID
	assert.NotZero(t, mixed)

	r.OnTransportMessage(response(mixed, protocol.ContextIDPayload{BrowserContextID: "ctx-A"}))

	require.Len(t, s1.delivered, 1)
	got := s1.delivered[0]
	require.NotNil(t, got.ID)
	assert.Equal(t, int64(1), *got.ID, "id must be restored to the caller's original")
	assert.Equal(t, "ctx-A", protocol.BrowserContextID(got.Result))

	assert.Equal(t, 1, r.Snapshot().Contexts)
}

func TestConcurrentCreationsAttributedExclusively(t *testing.T) {
	r, transport := newTestRouter(t)
	s1 := &fakeSession{id: "s1"}
	s2 := &fakeSession{id: "s2"}
	r.OnConnect(s1)
	r.OnConnect(s2)

	// both callers use the same original id
	r.OnSessionMessage(s1, request(1, protocol.MethodCreateContext, nil))
	r.OnSessionMessage(s2, request(1, protocol.MethodCreateContext, nil))

	sent := transport.all()
	require.Len(t, sent, 2)
	require.NotEqual(t, *sent[0].ID, *sent[1].ID, "mixed ids must not collide")

	// respond out of order
	r.OnTransportMessage(response(*sent[1].ID, protocol.ContextIDPayload{BrowserContextID: "ctx-B"}))
	r.OnTransportMessage(response(*sent[0].ID, protocol.ContextIDPayload{BrowserContextID: "ctx-A"}))

	require.Len(t, s1.delivered, 1)
	require.Len(t, s2.delivered, 1)
	assert.Equal(t, "ctx-A", protocol.BrowserContextID(s1.delivered[0].Result))
	assert.Equal(t, "ctx-B", protocol.BrowserContextID(s2.delivered[0].Result))
	assert.Equal(t, int64(1), *s1.delivered[0].ID)
	assert.Equal(t, int64(1), *s2.delivered[0].ID)

	// page proxies inherit the parent context's owner
	r.OnTransportMessage(&protocol.Message{
		Method: protocol.MethodPageProxyCreated,
		Params: mustMarshal(protocol.PageProxyPayload{PageProxyID: "p1", BrowserContextID: "ctx-A"}),
	})
	require.Len(t, s1.delivered, 2)
	assert.Len(t, s2.delivered, 1)
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func TestPageProxyNotificationRouting(t *testing.T) {
	r, transport := newTestRouter(t)
	s1 := &fakeSession{id: "s1"}
	r.OnConnect(s1)
	createContext(t, r, transport, s1, 1, "ctx-A")

	r.OnTransportMessage(&protocol.Message{
		Method: protocol.MethodPageProxyCreated,
		Params: mustMarshal(protocol.PageProxyPayload{PageProxyID: "p1", BrowserContextID: "ctx-A"}),
	})
	require.Len(t, s1.delivered, 2)

	// envelope-level pageProxyId routing (e.g. load failures)
	r.OnTransportMessage(&protocol.Message{
		Method:      protocol.MethodProvisionalLoadFailed,
		PageProxyID: "p1",
	})
	require.Len(t, s1.delivered, 3)
	assert.Equal(t, protocol.MethodProvisionalLoadFailed, s1.delivered[2].Method)

	// destruction removes attribution and still delivers
	r.OnTransportMessage(&protocol.Message{
		Method: protocol.MethodPageProxyDestroyed,
		Params: mustMarshal(protocol.PageProxyPayload{PageProxyID: "p1"}),
	})
	require.Len(t, s1.delivered, 4)

	// the entry is gone: later notifications for p1 are dropped
	r.OnTransportMessage(&protocol.Message{Method: "Playwright.somethingHappened", PageProxyID: "p1"})
	assert.Len(t, s1.delivered, 4)
	assert.Zero(t, r.Snapshot().Pages)
}

func TestUnknownPageProxyDropped(t *testing.T) {
	r, _ := newTestRouter(t)
	s1 := &fakeSession{id: "s1"}
	r.OnConnect(s1)

	r.OnTransportMessage(&protocol.Message{Method: "Playwright.somethingHappened", PageProxyID: "never-seen"})
	r.OnTransportMessage(&protocol.Message{
		Method: protocol.MethodPageProxyCreated,
		Params: mustMarshal(protocol.PageProxyPayload{PageProxyID: "p1", BrowserContextID: "never-created"}),
	})

	assert.Empty(t, s1.delivered)
}

func TestDisconnectCleansUpOwnedContexts(t *testing.T) {
	r, transport := newTestRouter(t)
	s1 := &fakeSession{id: "s1"}
	s2 := &fakeSession{id: "s2"}
	r.OnConnect(s1)
	r.OnConnect(s2)

	createContext(t, r, transport, s1, 1, "ctx-A")
	createContext(t, r, transport, s1, 2, "ctx-B")
	createContext(t, r, transport, s2, 1, "ctx-C")

	r.OnTransportMessage(&protocol.Message{
		Method: protocol.MethodPageProxyCreated,
		Params: mustMarshal(protocol.PageProxyPayload{PageProxyID: "p1", BrowserContextID: "ctx-A"}),
	})

	before := len(transport.all())
	s1.closing = true
	r.OnDisconnect(s1)

	// exactly one internally numbered deletion per owned context
	sent := transport.all()[before:]
	require.Len(t, sent, 2)
	deleted := map[string]bool{}
	for _, msg := range sent {
		assert.Equal(t, protocol.MethodDeleteContext, msg.Method)
		require.NotNil(t, msg.ID)
		deleted[protocol.BrowserContextID(msg.Params)] = true
	}
	assert.Equal(t, map[string]bool{"ctx-A": true, "ctx-B": true}, deleted)

	// attribution removed immediately, not deferred to the deletion response
	stats := r.Snapshot()
	assert.Equal(t, 1, stats.Contexts)
	assert.Zero(t, stats.Pages)

	// the deletion responses carry unregistered ids and are dropped
	deliveredBefore := len(s1.delivered)
	for _, msg := range sent {
		r.OnTransportMessage(response(*msg.ID, struct{}{}))
	}
	assert.Len(t, s1.delivered, deliveredBefore)

	// s2 is untouched
	r.OnTransportMessage(&protocol.Message{
		Method: protocol.MethodPageProxyCreated,
		Params: mustMarshal(protocol.PageProxyPayload{PageProxyID: "p2", BrowserContextID: "ctx-C"}),
	})
	assert.Len(t, s2.delivered, 2)
}

func TestPendingCreationAfterDisconnectIsCompensated(t *testing.T) {
	r, transport := newTestRouter(t)
	s1 := &fakeSession{id: "s1"}
	r.OnConnect(s1)

	r.OnSessionMessage(s1, request(1, protocol.MethodCreateContext, nil))
	forwarded := transport.last()

	// caller goes away while the creation is still in flight
	s1.closing = true
	r.OnDisconnect(s1)

	deliveredBefore := len(s1.delivered)
	r.OnTransportMessage(response(*forwarded.ID, protocol.ContextIDPayload{BrowserContextID: "ctx-leak"}))

	// no delivery to the dead session
	assert.Len(t, s1.delivered, deliveredBefore)

	// a compensating deletion was issued for the just-created context
	comp := transport.last()
	require.NotNil(t, comp)
	assert.Equal(t, protocol.MethodDeleteContext, comp.Method)
	assert.Equal(t, "ctx-leak", protocol.BrowserContextID(comp.Params))
	assert.NotEqual(t, *forwarded.ID, *comp.ID)

	// attribution was never established
	assert.Zero(t, r.Snapshot().Contexts)
}

func TestExplicitDeleteContextClearsAttribution(t *testing.T) {
	r, transport := newTestRouter(t)
	s1 := &fakeSession{id: "s1"}
	r.OnConnect(s1)
	createContext(t, r, transport, s1, 1, "ctx-A")

	r.OnSessionMessage(s1, request(2, protocol.MethodDeleteContext,
		protocol.ContextIDPayload{BrowserContextID: "ctx-A"}))
	forwarded := transport.last()

	// attribution survives until the browser confirms
	assert.Equal(t, 1, r.Snapshot().Contexts)

	r.OnTransportMessage(response(*forwarded.ID, struct{}{}))
	assert.Zero(t, r.Snapshot().Contexts)

	require.Len(t, s1.delivered, 2)
	assert.Equal(t, int64(2), *s1.delivered[1].ID)
}

func TestDuplicateResponseDropped(t *testing.T) {
	r, transport := newTestRouter(t)
	s1 := &fakeSession{id: "s1"}
	r.OnConnect(s1)

	r.OnSessionMessage(s1, request(1, "Playwright.enable", nil))
	forwarded := transport.last()

	r.OnTransportMessage(response(*forwarded.ID, struct{}{}))
	r.OnTransportMessage(response(*forwarded.ID, struct{}{}))

	assert.Len(t, s1.delivered, 1)
}

func TestSentinelResponseIgnored(t *testing.T) {
	r, _ := newTestRouter(t)
	s1 := &fakeSession{id: "s1"}
	r.OnConnect(s1)

	r.OnTransportMessage(response(protocol.BrowserCloseMessageID, struct{}{}))
	assert.Empty(t, s1.delivered)
}

func TestTransportCloseFansOut(t *testing.T) {
	r, transport := newTestRouter(t)
	s1 := &fakeSession{id: "s1"}
	s2 := &fakeSession{id: "s2"}
	r.OnConnect(s1)
	r.OnConnect(s2)
	createContext(t, r, transport, s1, 1, "ctx-A")

	r.OnTransportClose(nil)

	assert.True(t, s1.closed)
	assert.True(t, s2.closed)
	assert.Equal(t, "browser process exited", s1.reason)

	// the router is dead: nothing in, nothing out
	sentBefore := len(transport.all())
	r.OnSessionMessage(s1, request(5, protocol.MethodCreateContext, nil))
	r.OnTransportMessage(&protocol.Message{Method: protocol.MethodPageProxyCreated,
		Params: mustMarshal(protocol.PageProxyPayload{PageProxyID: "p9", BrowserContextID: "ctx-A"})})
	assert.Len(t, transport.all(), sentBefore)

	// late connections are refused
	s3 := &fakeSession{id: "s3"}
	r.OnConnect(s3)
	assert.True(t, s3.closed)

	stats := r.Snapshot()
	assert.Zero(t, stats.Sessions)
	assert.Zero(t, stats.Contexts)
}

func TestNotificationToClosingSessionDropped(t *testing.T) {
	r, transport := newTestRouter(t)
	s1 := &fakeSession{id: "s1"}
	r.OnConnect(s1)
	createContext(t, r, transport, s1, 1, "ctx-A")
	r.OnTransportMessage(&protocol.Message{
		Method: protocol.MethodPageProxyCreated,
		Params: mustMarshal(protocol.PageProxyPayload{PageProxyID: "p1", BrowserContextID: "ctx-A"}),
	})
	require.Len(t, s1.delivered, 2)

	// closing and closed are equivalent for delivery suppression
	s1.closing = true
	r.OnTransportMessage(&protocol.Message{Method: "Playwright.somethingHappened", PageProxyID: "p1"})
	assert.Len(t, s1.delivered, 2)
}
