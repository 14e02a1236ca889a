package notify

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// ServeWS streams hub notifications to a websocket as JSON objects.
func ServeWS(hub *Hub, logger *slog.Logger) httprouter.Handle {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		// subscribe first so nothing published after the handshake is missed
		client := hub.Subscribe(64)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.Unsubscribe(client)
			logger.Warn("websocket upgrade failed", "err", err)
			return
		}

		go writePump(conn, client, logger)
		go readPump(conn, client, hub)
	}
}

func writePump(conn *websocket.Conn, c *Client, logger *slog.Logger) {
	defer conn.Close()
	for n := range c.Send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(n); err != nil {
			logger.Debug("websocket write failed", "err", err)
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump only watches for the peer going away.
func readPump(conn *websocket.Conn, c *Client, hub *Hub) {
	defer func() {
		hub.Unsubscribe(c)
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
