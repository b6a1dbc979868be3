package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browsermux/internal/router"
	"github.com/shehryarbajwa/browsermux/pkg/protocol"
)

const closeWriteTimeout = 5 * time.Second

// wsSession adapts one accepted websocket connection to the router's
// Session interface. The closing flag flips before any socket teardown, so
// the router's delivery-suppression check sees it first.
type wsSession struct {
	id   string
	conn *websocket.Conn
	log  *zap.SugaredLogger

	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	release   func()
}

func newSession(id string, conn *websocket.Conn, release func(), log *zap.SugaredLogger) *wsSession {
	return &wsSession{
		id:      id,
		conn:    conn,
		log:     log.Named("session").With("session", id),
		release: release,
	}
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) Send(msg *protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *wsSession) IsClosing() bool {
	return s.closing.Load()
}

// Close shuts the connection down from the server side, sending the reason
// in the close frame so the client can surface it.
func (s *wsSession) Close(reason string) {
	s.closing.Store(true)
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
			time.Now().Add(closeWriteTimeout))
		s.writeMu.Unlock()

		s.conn.Close()
		s.release()
	})
}

// readLoop pumps client messages into the router until the connection dies,
// then reports the disconnect.
func (s *wsSession) readLoop(r *router.Router) {
	defer func() {
		s.closing.Store(true)
		r.OnDisconnect(s)
		s.closeOnce.Do(func() {
			s.conn.Close()
			s.release()
		})
	}()

	for {
		var msg protocol.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debugw("session read error", "error", err)
			}
			return
		}
		r.OnSessionMessage(s, &msg)
	}
}
