package server

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/linechat/linechat/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The chat protocol carries no credentials, so cross-origin browser
	// clients are fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket serves the chat protocol over WebSocket: one JSON frame per
// text message, no newline delimiter needed. The session lifecycle is
// identical to TCP connections.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleTransport(newWSConn(conn))
	}()
}

// wsConn adapts a websocket connection to the Conn transport boundary.
type wsConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex // protects writes
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (wc *wsConn) Receive() ([]byte, error) {
	for {
		msgType, payload, err := wc.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if len(payload) > protocol.MaxLineSize {
			return nil, protocol.ErrLineTooLong
		}
		return payload, nil
	}
}

func (wc *wsConn) Transfer(payload []byte) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if err := wc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	return nil
}

func (wc *wsConn) Close() error {
	wc.closeOnce.Do(func() {
		wc.closeErr = wc.conn.Close()
	})
	return wc.closeErr
}

func (wc *wsConn) RemoteAddr() string {
	return wc.conn.RemoteAddr().String()
}
