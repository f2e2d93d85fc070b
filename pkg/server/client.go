package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shellbus/shellbus/pkg/envelope"
)

const (
	sendBuffSize = 16 // Buffer size of channel for sending envelopes to clients
	writeWait    = 10 * time.Second
)

// conn is one remote peer's connection. A peer may connect several
// broker clients over the same socket; they are tracked so the broker
// can be told when the socket goes away.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	origin string
	id     uint64

	send     chan *envelope.Envelope
	done     chan struct{}
	stopOnce sync.Once

	clientsMTX sync.Mutex // Protects clients
	clients    []string
}

func newConn(srv *Server, ws *websocket.Conn, origin string, id uint64) *conn {
	return &conn{
		srv:    srv,
		ws:     ws,
		origin: origin,
		id:     id,
		send:   make(chan *envelope.Envelope, sendBuffSize),
		done:   make(chan struct{}),
	}
}

// Post delivers an envelope to the peer. The broker hands in the target
// client's origin; delivery is refused unless it matches the origin
// this connection was established from, and the wildcard is never a
// valid target origin.
func (c *conn) Post(env *envelope.Envelope, targetOrigin string) error {
	if targetOrigin == "" || targetOrigin == "*" || targetOrigin != c.origin {
		return errors.Errorf("refusing to post to origin %q over connection from %q", targetOrigin, c.origin)
	}
	return c.post(env)
}

// post enqueues an envelope without an origin check, for server-level
// replies on this same connection.
func (c *conn) post(env *envelope.Envelope) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// readPump decodes envelopes off the wire and hands them to the broker
// until the connection dies.
func (c *conn) readPump() {
	defer c.stop("read loop finished")

	if pongWait := c.srv.pongWait(); pongWait > 0 {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, buf, err := c.ws.ReadMessage()
		if err != nil {
			c.srv.Log.WithFields(logrus.Fields{
				"conn":  c.id,
				"error": err,
			}).Debug("Read finished")
			return
		}

		env, err := envelope.ParseInbound(buf)
		if err != nil {
			c.srv.Log.WithFields(logrus.Fields{
				"conn":  c.id,
				"error": err,
			}).Error("Dropping malformed envelope")
			continue
		}

		if env.Type == envelope.TypeRequest && env.Body.MessageName == "stat" {
			c.srv.handleStat(c, env)
			continue
		}

		err = c.srv.Broker.ProcessPostMessage(env, c.origin, c)
		if err == nil && env.Body.MessageName == "connect" {
			c.track(env.Body.ClientID)
		}
	}
}

// writePump serializes queued envelopes onto the wire and keeps the
// peer alive with pings.
func (c *conn) writePump() {
	var pings <-chan time.Time
	if c.srv.TimeBetweenPings > 0 {
		ticker := time.NewTicker(c.srv.TimeBetweenPings)
		defer ticker.Stop()
		pings = ticker.C
	}
	defer c.ws.Close()

	for {
		select {
		case env := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.srv.Log.WithFields(logrus.Fields{
					"conn":  c.id,
					"error": err,
				}).Error("Cannot write envelope")
				c.stop("write error")
				return
			}
		case <-pings:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop("ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// track remembers a broker client id connected over this socket.
func (c *conn) track(clientID string) {
	c.clientsMTX.Lock()
	defer c.clientsMTX.Unlock()
	c.clients = append(c.clients, clientID)
}

// stop tears the connection down and disconnects its broker clients, so
// their channel peers are notified. Stop is idempotent.
func (c *conn) stop(reason string) {
	c.stopOnce.Do(func() {
		close(c.done)
		c.srv.Log.WithFields(logrus.Fields{
			"conn":   c.id,
			"reason": reason,
		}).Info("Disconnected")

		c.clientsMTX.Lock()
		clients := c.clients
		c.clients = nil
		c.clientsMTX.Unlock()
		for _, clientID := range clients {
			if err := c.srv.Broker.Disconnect(clientID, nil); err != nil {
				c.srv.Log.WithFields(logrus.Fields{
					"conn":   c.id,
					"client": clientID,
					"error":  err,
				}).Warn("Cannot disconnect client of closed connection")
			}
		}
	})
}
