package web

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/coderaid/internal/auth"
	"github.com/codefionn/coderaid/internal/logger"
	"github.com/codefionn/coderaid/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

// Client is one participant connection. It translates inbound wire messages
// into engine calls and drains its outbound queue to the socket. The queue is
// the backpressure boundary: the session enqueues without blocking, and a
// client that cannot keep up is disconnected rather than allowed to stall the
// raid.
type Client struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	store    *session.Store

	send chan *WireMessage
	quit chan struct{}

	closeOnce sync.Once

	// accessed only from the read pump
	sessionID string
	sess      *session.Session
}

// NewClient wraps an upgraded websocket connection
func NewClient(conn *websocket.Conn, store *session.Store, identity auth.Identity, queueSize int) *Client {
	id, _ := generateClientID()

	return &Client{
		id:       id,
		identity: identity,
		conn:     conn,
		store:    store,
		send:     make(chan *WireMessage, queueSize),
		quit:     make(chan struct{}),
	}
}

// ID returns the connection identifier
func (c *Client) ID() string {
	return c.id
}

// SendSnapshot enqueues a full-state snapshot; false means the queue is full
func (c *Client) SendSnapshot(seq uint64, content []byte) bool {
	return c.enqueue(snapshotMessage(seq, content))
}

// SendDelta enqueues a committed operation; false means the queue is full
func (c *Client) SendDelta(op *session.Operation) bool {
	return c.enqueue(deltaMessage(op))
}

// Close tears the connection down, with a best-effort error frame explaining
// why. Safe to call from any goroutine, including the session's fan-out.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		select {
		case c.send <- errorMessage(reason, ""):
		default:
		}
		close(c.quit)
	})
}

func (c *Client) enqueue(msg *WireMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// ReadPump pumps messages from the websocket into the engine. It owns the
// attach state: every client speaks to exactly one session.
func (c *Client) ReadPump() {
	defer func() {
		c.detach()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("websocket read error from %s: %v", c.id, err)
			}
			return
		}

		var msg WireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(errorMessage(ErrorKindMalformedOperation, "invalid JSON frame"))
			continue
		}

		c.handleMessage(&msg)

		select {
		case <-c.quit:
			return
		default:
		}
	}
}

// WritePump drains the outbound queue to the socket and keeps the connection
// alive with pings
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}

		case <-c.quit:
			// Flush whatever is queued, the kick reason included
			for {
				select {
				case msg := <-c.send:
					if !c.write(msg) {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(msg *WireMessage) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal message for %s: %v", c.id, err)
		return true
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.Debug("failed to write to %s: %v", c.id, err)
		return false
	}
	return true
}

func (c *Client) handleMessage(msg *WireMessage) {
	switch msg.Type {
	case MessageTypeAttach:
		c.handleAttach(msg)

	case MessageTypeSubmit:
		c.handleSubmit(msg)

	default:
		c.enqueue(errorMessage(ErrorKindMalformedOperation, "unknown message type "+msg.Type))
	}
}

func (c *Client) handleAttach(msg *WireMessage) {
	if c.sess != nil {
		c.enqueue(errorMessage(ErrorKindMalformedOperation, "already attached to "+c.sessionID))
		return
	}
	if msg.SessionID == "" {
		c.enqueue(errorMessage(ErrorKindMalformedOperation, "attach requires session_id"))
		return
	}

	sess, err := c.store.Attach(msg.SessionID, c, msg.LastAckedSeq)
	if err != nil {
		kind := errorKind(err)
		logger.Warn("attach of %s to %s failed: %v", c.id, msg.SessionID, err)
		c.enqueue(errorMessage(kind, err.Error()))
		c.Close(kind)
		return
	}

	c.sessionID = msg.SessionID
	c.sess = sess
	logger.Info("participant %s (%s) attached to session %s", c.id, c.identity.Name, c.sessionID)
}

func (c *Client) handleSubmit(msg *WireMessage) {
	if c.sess == nil {
		c.enqueue(errorMessage(ErrorKindNotAttached, "attach before submitting"))
		return
	}
	if msg.Payload == nil {
		c.enqueue(errorMessage(ErrorKindMalformedOperation, "submit requires a payload"))
		return
	}

	if _, err := c.sess.Submit(c.id, *msg.Payload); err != nil {
		// Local failure: the submitter is told, nobody else is affected
		c.enqueue(errorMessage(errorKind(err), err.Error()))
	}
	// No direct reply on success: the echo arrives through the broadcast,
	// so the submitter sees its edit in total order like everyone else.
}

func (c *Client) detach() {
	if c.sess != nil {
		c.store.Detach(c.sessionID, c.id)
		logger.Info("participant %s detached from session %s", c.id, c.sessionID)
	}
}

// errorKind maps engine errors to wire error kinds
func errorKind(err error) string {
	switch {
	case errors.Is(err, session.ErrMalformedOperation):
		return ErrorKindMalformedOperation
	case errors.Is(err, session.ErrContentTooLarge):
		return ErrorKindContentTooLarge
	case errors.Is(err, session.ErrNotAttached):
		return ErrorKindNotAttached
	case errors.Is(err, session.ErrSlowConsumer):
		return ErrorKindSlowConsumer
	case errors.Is(err, session.ErrSessionExists):
		return ErrorKindSessionExists
	case errors.Is(err, session.ErrSessionNotFound):
		return ErrorKindNotFound
	default:
		return ErrorKindUnavailable
	}
}

// generateClientID generates a random connection identifier
func generateClientID() (string, error) {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
