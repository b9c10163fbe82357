package agent

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"studioSync/backend/internal/protocol"

	"github.com/gorilla/websocket"
)

// Transport is one live connection to the sync server.
type Transport interface {
	Send(ctx context.Context, m protocol.Message) error
	// Receive blocks until the next well-formed message or until the transport closes.
	Receive() (protocol.Message, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WSDialer connects with gorilla/websocket and presents the session credential the
// same way a browser would: as the session cookie.
type WSDialer struct {
	URL        string
	CookieName string
	Session    string
	Dialer     *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if d.Session != "" {
		header.Set("Cookie", (&http.Cookie{Name: d.CookieName, Value: d.Session}).String())
	}
	conn, _, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return &wsTransport{conn: conn}, nil
}

const writeWait = 10 * time.Second

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) Send(ctx context.Context, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Receive() (protocol.Message, error) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		m, err := protocol.Decode(data)
		if err != nil {
			log.Printf("agent: dropping inbound message: %v", err)
			continue
		}
		return m, nil
	}
}

func (t *wsTransport) Close() error { return t.conn.Close() }
