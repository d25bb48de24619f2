package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/citydash/transit/classify"
	"github.com/citydash/transit/fanout"
	"github.com/citydash/transit/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsHandler upgrades the connection and streams hub messages for the
// filter given in query parameters (stop_ids, route_ids, kinds as
// comma-separated lists). The first message is always a full snapshot.
func (s *Server) wsHandler(c *gin.Context) {
	filter := classify.Filter{
		StopIDs:  splitParam(c.Query("stop_ids")),
		RouteIDs: splitParam(c.Query("route_ids")),
	}
	for _, kind := range splitParam(c.Query("kinds")) {
		switch k := model.FeedKind(kind); k {
		case model.FeedKindTripUpdates, model.FeedKindVehiclePositions, model.FeedKindAlerts:
			filter.Kinds = append(filter.Kinds, k)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind: " + kind})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := s.hub.Subscribe(filter)
	logger := s.logger.With(zap.String("subscriber", sub.ID))

	go s.writePump(conn, sub, logger)
	go s.readPump(conn, sub)
}

// writePump drains the subscriber queue onto the wire, with periodic
// pings. Exits when the hub closes the queue or a write fails.
func (s *Server) writePump(conn *websocket.Conn, sub *fanout.Subscriber, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("write failed, dropping subscriber", zap.Error(err))
				s.hub.Unsubscribe(sub)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.Unsubscribe(sub)
				return
			}
		}
	}
}

// readPump consumes control frames until the peer goes away.
func (s *Server) readPump(conn *websocket.Conn, sub *fanout.Subscriber) {
	defer func() {
		s.hub.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := []string{}
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
