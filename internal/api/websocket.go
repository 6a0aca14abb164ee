package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"execution-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are pushed to websocket clients.
var streamTopics = []events.Event{
	events.EventFillConfirmed,
	events.EventOrderRejected,
	events.EventOrderEscalated,
	events.EventForcedExit,
	events.EventPositionZombie,
	events.EventPositionRemoved,
	events.EventDustBlacklisted,
	events.EventLoopState,
}

type wsMessage struct {
	Topic events.Event `json:"topic"`
	Data  any          `json:"data"`
}

// websocket streams core events until the client disconnects.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteJSON(gin.H{"error": "bus not ready"})
		return
	}

	out := make(chan wsMessage, 256)
	done := make(chan struct{})
	for _, topic := range streamTopics {
		stream, unsub := s.Bus.Subscribe(topic, 64)
		defer unsub()
		go func(topic events.Event) {
			for {
				select {
				case <-done:
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					select {
					case out <- wsMessage{Topic: topic, Data: msg}:
					default:
					}
				}
			}
		}(topic)
	}
	defer close(done)

	// The reader notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case m := <-out:
			if err := conn.WriteJSON(m); err != nil {
				s.log.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}
}
