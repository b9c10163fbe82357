package ws

import (
	"errors"
	"log"
	"sync"
	"time"

	"studioSync/backend/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Subscriber is one accepted websocket connection. The topic binding is only ever
// written by the Hub, under its lock.
type Subscriber struct {
	id            string
	ws            *websocket.Conn
	hub           *Hub
	authenticated bool
	username      string
	topic         string

	send      chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

func NewSubscriber(conn *websocket.Conn, hub *Hub, authenticated bool, username string) *Subscriber {
	return &Subscriber{
		id:            uuid.NewString(),
		ws:            conn,
		hub:           hub,
		authenticated: authenticated,
		username:      username,
		send:          make(chan protocol.Message, sendBuffer),
		done:          make(chan struct{}),
	}
}

func (s *Subscriber) ID() string            { return s.id }
func (s *Subscriber) Authenticated() bool   { return s.authenticated }
func (s *Subscriber) Username() string      { return s.username }
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Enqueue queues msg without blocking. A subscriber whose queue is full is too slow to
// keep up and gets closed; the read loop then notices and unregisters it.
func (s *Subscriber) Enqueue(msg protocol.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		log.Printf("send queue full, closing subscriber=%s topic=%s", s.id, s.hub.Topic(s))
		s.Close()
		return false
	}
}

// Close stops the write loop and the transport. Safe to call more than once.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.ws != nil {
			_ = s.ws.Close()
		}
	})
}

func (s *Subscriber) readLoop() {
	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
		s.hub.touchPresence(s.hub.Topic(s), s)
		return nil
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("read error (subscriber=%s): %v", s.id, err)
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("dropping inbound message (subscriber=%s): %v", s.id, err)
			continue
		}
		s.handle(msg)
	}
}

func (s *Subscriber) handle(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.SubscribeMessage:
		if err := s.hub.Subscribe(s, m.RecordDayID); err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				s.Enqueue(protocol.Error("authentication required to subscribe"))
				return
			}
			log.Printf("subscribe failed (subscriber=%s, recordDay=%s): %v", s.id, m.RecordDayID, err)
			return
		}
		log.Printf("subscriber=%s user=%q bound to recordDay=%s", s.id, s.username, m.RecordDayID)
	default:
		// Only subscribe travels client to server.
		log.Printf("ignoring %s from subscriber=%s", msg.MessageType(), s.id)
	}
}

func (s *Subscriber) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-s.send:
			data, err := protocol.Encode(msg)
			if err != nil {
				log.Printf("encode %s failed: %v", msg.MessageType(), err)
				continue
			}
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("write error (subscriber=%s): %v", s.id, err)
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
