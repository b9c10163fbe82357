package ws

import (
	"log"
	"net/http"
	"strings"

	"studioSync/backend/internal/httpapi/middleware"
	"studioSync/backend/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Manager is the accept path: it upgrades requests and hands subscribers to the Hub.
type Manager struct {
	h        *Hub
	upgrader websocket.Upgrader
}

// NewManager allows the given origin prefixes; local development origins are always
// allowed, as is a missing or "null" Origin.
func NewManager(h *Hub, allowedOrigins []string) *Manager {
	allowed := append([]string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}, allowedOrigins...)

	return &Manager{
		h: h,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origin == "null" {
				return true
			}
			for _, p := range allowed {
				if p != "" && strings.HasPrefix(origin, p) {
					return true
				}
			}
			return false
		}},
	}
}

func (m *Manager) Hub() *Hub { return m.h }

// WebSocketConnect accepts every connection, authenticated or not, and blocks until it
// closes. It expects middleware.Session to have run.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	authenticated := middleware.Authenticated(c)
	username := middleware.Username(c)

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	s := NewSubscriber(conn, m.h, authenticated, username)
	m.h.Register(s)
	defer func() {
		m.h.Unregister(s)
		s.Close()
	}()

	go s.writeLoop()

	greeting := "connected"
	if !authenticated {
		greeting = "connected without session; sign in to subscribe"
	}
	s.Enqueue(protocol.Connected(greeting, authenticated))

	s.readLoop()
}
