package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"carchat/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// stream upgrades to a websocket and pushes the conversation's MessageEvents
// until either side goes away. Client frames are ignored.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	key, err := conversationKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user := userFrom(r.Context())

	// The request context is not tied to a hijacked connection.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	send := make(chan []byte, sendBuffer)
	stop, err := s.deps.Chat.Listen(ctx, key, user.ID, func(event models.MessageEvent) {
		raw, err := json.Marshal(event)
		if err != nil {
			s.log.Error().Err(err).Msg("encode message event")
			return
		}
		select {
		case send <- raw:
		default:
			// Slow consumer.
			s.log.Warn().Str("user_id", user.ID).Str("conversation", key.String()).Msg("websocket send buffer full")
			cancel()
		}
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer stop()

	// Subscribed before the handshake completes so no event sent after the
	// client connects is missed.
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.log.Debug().Str("user_id", user.ID).Str("conversation", key.String()).Msg("websocket connected")
	go s.readPump(conn, cancel)
	s.writePump(ctx, conn, send)
	s.log.Debug().Str("user_id", user.ID).Str("conversation", key.String()).Msg("websocket disconnected")
}

// readPump drains client frames so control messages are processed and
// cancels the stream when the connection fails.
func (s *Server) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case raw := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
