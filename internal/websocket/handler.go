package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// GET /ws  (需带 JWT，middleware 注入 userId)
func ServeWS(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetString("userId")
		if uid == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		client := &Client{
			UserID: uid,
			Conn:   conn,
			Send:   make(chan OutgoingMessage, 32),
			Hub:    hub,
		}

		if !hub.join(client) {
			_ = conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
