package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browsermux/internal/mixer"
	"github.com/shehryarbajwa/browsermux/pkg/protocol"
)

// Transport is the router's view of the shared browser connection.
type Transport interface {
	Send(msg *protocol.Message)
}

// Session is one accepted external connection. IsClosing must be checked
// before any delivery attempt; a session that is closing (or already
// closed) never receives messages.
type Session interface {
	ID() string
	Send(msg *protocol.Message) error
	IsClosing() bool
	Close(reason string)
}

// pendingEntry ties an in-flight mixed id back to the caller that issued
// the request and the id the caller used.
type pendingEntry struct {
	originalID int64
	session    Session
}

// Router multiplexes many external sessions onto the single browser
// transport. It remaps request ids through the mixer, tracks which session
// owns which browser context and page proxy, attributes inbound responses
// and notifications to their owners, and unwinds ownership with
// compensating deletions when a session disconnects.
//
// All event entry points are serialized under one mutex, held for the full
// handling of each event. Attribution decisions are therefore never
// observed half-updated.
type Router struct {
	log       *zap.SugaredLogger
	transport Transport
	mixer     *mixer.Mixer

	mu       sync.Mutex
	sessions map[string]Session
	contexts map[string]Session // browserContextId -> owner
	pages    map[string]Session // pageProxyId -> owner

	pendingCreations map[int64]bool   // mixed ids of in-flight createContext calls
	pendingDeletions map[int64]string // mixed id -> browserContextId being deleted

	dead bool // set once the transport closes; the router accepts nothing after
}

// New creates a router over the given transport.
func New(transport Transport, log *zap.SugaredLogger) *Router {
	r := &Router{
		log:              log.Named("router"),
		transport:        transport,
		mixer:            mixer.New(),
		sessions:         make(map[string]Session),
		contexts:         make(map[string]Session),
		pages:            make(map[string]Session),
		pendingCreations: make(map[int64]bool),
		pendingDeletions: make(map[int64]string),
	}
	return r
}

// OnConnect registers a newly accepted session. A router whose transport is
// gone refuses the connection immediately.
func (r *Router) OnConnect(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dead {
		s.Close("browser process has exited")
		return
	}
	r.sessions[s.ID()] = s
	r.log.Infow("session connected", "session", s.ID())
}

// OnDisconnect unwinds everything the session owned. Page proxy entries are
// dropped silently (the browser reports their destruction on its own); each
// owned context gets a fire-and-forget deletion request, and its
// attribution entry is removed immediately rather than on the deletion
// response, since the owner can no longer consume a reply.
func (r *Router) OnDisconnect(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, s.ID())

	for pageProxyID, owner := range r.pages {
		if owner == s {
			delete(r.pages, pageProxyID)
		}
	}

	for contextID, owner := range r.contexts {
		if owner != s {
			continue
		}
		delete(r.contexts, contextID)
		r.deleteContext(contextID)
	}

	r.log.Infow("session disconnected", "session", s.ID())
}

// OnSessionMessage remaps the caller's request id onto the shared id space
// and forwards the message to the browser.
func (r *Router) OnSessionMessage(s Session, msg *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dead {
		return
	}
	if msg.ID == nil {
		// outbound messages must carry an id; nothing to route a reply to
		r.log.Debugw("dropping id-less outbound message", "session", s.ID(), "method", msg.Method)
		return
	}

	mixed := r.mixer.Generate(&pendingEntry{originalID: *msg.ID, session: s})

	switch msg.Method {
	case protocol.MethodCreateContext:
		r.pendingCreations[mixed] = true
	case protocol.MethodDeleteContext:
		if contextID := protocol.BrowserContextID(msg.Params); contextID != "" {
			r.pendingDeletions[mixed] = contextID
		}
	}

	r.transport.Send(msg.WithID(mixed))
}

// OnTransportMessage attributes one inbound browser message to its owning
// session, dispatched by envelope shape. Unattributable messages are
// dropped: late duplicates are an expected consequence of disconnect races.
func (r *Router) OnTransportMessage(msg *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dead {
		return
	}

	switch {
	case msg.IsResponse():
		r.handleResponse(msg)
	case msg.Method == protocol.MethodPageProxyCreated:
		r.handlePageProxyCreated(msg)
	case msg.Method == protocol.MethodPageProxyDestroyed:
		r.handlePageProxyDestroyed(msg)
	case msg.PageProxyID != "":
		r.handlePageProxyNotification(msg)
	default:
		r.log.Debugw("dropping unroutable message", "method", msg.Method)
	}
}

func (r *Router) handleResponse(msg *protocol.Message) {
	id := *msg.ID
	if id == protocol.BrowserCloseMessageID {
		// reply to the internally issued shutdown request
		return
	}

	payload, ok := r.mixer.Take(id)
	if !ok {
		// duplicate, or the reply to a fire-and-forget housekeeping call
		r.log.Debugw("dropping response with no pending entry", "id", id)
		return
	}
	entry := payload.(*pendingEntry)

	wasCreation := r.pendingCreations[id]
	delete(r.pendingCreations, id)

	pendingDeletion, wasDeletion := r.pendingDeletions[id]
	delete(r.pendingDeletions, id)

	if entry.session.IsClosing() {
		if wasCreation {
			// the caller is gone but the browser just created a context on
			// its behalf; delete it so it doesn't leak
			if contextID := protocol.BrowserContextID(msg.Result); contextID != "" {
				r.log.Infow("deleting orphaned context", "context", contextID)
				r.deleteContext(contextID)
			}
		}
		return
	}

	if wasCreation {
		if contextID := protocol.BrowserContextID(msg.Result); contextID != "" {
			r.contexts[contextID] = entry.session
		}
	}
	if wasDeletion {
		delete(r.contexts, pendingDeletion)
	}

	r.deliver(entry.session, msg.WithID(entry.originalID))
}

func (r *Router) handlePageProxyCreated(msg *protocol.Message) {
	info := protocol.PageProxyInfo(msg.Params)
	owner, ok := r.contexts[info.BrowserContextID]
	if !ok || owner.IsClosing() {
		r.log.Debugw("dropping page proxy for unowned context",
			"context", info.BrowserContextID, "pageProxy", info.PageProxyID)
		return
	}
	r.pages[info.PageProxyID] = owner
	r.deliver(owner, msg)
}

func (r *Router) handlePageProxyDestroyed(msg *protocol.Message) {
	info := protocol.PageProxyInfo(msg.Params)
	owner, ok := r.pages[info.PageProxyID]
	delete(r.pages, info.PageProxyID)
	if ok && !owner.IsClosing() {
		r.deliver(owner, msg)
	}
}

func (r *Router) handlePageProxyNotification(msg *protocol.Message) {
	owner, ok := r.pages[msg.PageProxyID]
	if !ok || owner.IsClosing() {
		r.log.Debugw("dropping notification for unknown page proxy", "pageProxy", msg.PageProxyID)
		return
	}
	r.deliver(owner, msg)
}

// OnTransportClose kills the router: every attached session is closed with
// a diagnostic reason, all bookkeeping is cleared, and no further traffic
// is processed. A new router/transport pair is needed for a new browser.
func (r *Router) OnTransportClose(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dead {
		return
	}
	r.dead = true

	reason := "browser process exited"
	if err != nil {
		reason = "browser connection lost: " + err.Error()
	}

	for _, s := range r.sessions {
		s.Close(reason)
	}
	r.sessions = make(map[string]Session)
	r.contexts = make(map[string]Session)
	r.pages = make(map[string]Session)
	r.pendingCreations = make(map[int64]bool)
	r.pendingDeletions = make(map[int64]string)

	r.log.Warnw("router shut down", "reason", reason)
}

// Stats is a point-in-time snapshot of what the router is tracking.
type Stats struct {
	Sessions    int `json:"sessions"`
	Contexts    int `json:"contexts"`
	Pages       int `json:"pages"`
	Outstanding int `json:"outstanding"`
}

// Snapshot returns current counts for the status endpoint.
func (r *Router) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		Sessions:    len(r.sessions),
		Contexts:    len(r.contexts),
		Pages:       len(r.pages),
		Outstanding: r.mixer.Outstanding(),
	}
}

// deleteContext issues an internally numbered, fire-and-forget context
// deletion. Its response carries an id no one registered, so the response
// path drops it.
func (r *Router) deleteContext(contextID string) {
	req := protocol.NewRequest(r.mixer.Next(), protocol.MethodDeleteContext,
		protocol.ContextIDPayload{BrowserContextID: contextID})
	r.transport.Send(req)
}

// deliver writes to the session, logging rather than propagating failures:
// a failed write means the session is on its way out and its disconnect
// handler will do the cleanup.
func (r *Router) deliver(s Session, msg *protocol.Message) {
	if err := s.Send(msg); err != nil {
		r.log.Debugw("delivery failed", "session", s.ID(), "error", err)
	}
}
