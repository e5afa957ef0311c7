package pushchannel

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod * 3
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the connection and drains the subscriber's push channel
// into it until the client disconnects or a send fails, writer-pump style:
// one goroutine reads control frames (and discards them — this is a
// server-push-only stream), the calling goroutine writes frames as they
// arrive and sends periodic pings to detect dead connections.
func (r *Registry) ServeWS(c echo.Context, projectID, userID string) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	events := r.Subscribe(projectID, userID)
	defer r.Unsubscribe(projectID, userID)

	done := make(chan struct{})
	go func() {
		defer close(done)
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
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	log := r.log.WithFields(logrus.Fields{"project_id": projectID, "user_id": userID})

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			body, err := json.Marshal(event)
			if err != nil {
				log.WithError(err).Error("failed to marshal push event")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				log.WithError(err).Debug("push send failed, closing connection")
				return nil
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
