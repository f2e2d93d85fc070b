// Package server hosts a message broker for remote clients: it accepts
// WebSocket connections, enforces the broker's origin allow-list at the
// handshake, and pumps envelopes between the wire and the broker.
package server

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shellbus/shellbus/pkg/broker"
	"github.com/shellbus/shellbus/pkg/envelope"
)

// Server contains state for a broker host.
type Server struct {
	// TimeBetweenPings specifies the amount of time that will elapse before clients will be sent a ping.
	// If 0, no pings will be sent and clients are never timed out.
	TimeBetweenPings time.Duration

	// PingsUntilTimeout specifies the number of pings to be sent before unresponsive clients will be dropped.
	// If TimeBetweenPings is 0, this field has no effect.
	PingsUntilTimeout int

	// TLSConfig optionally provides a TLS configuration for use by ListenAndServeTLS.
	TLSConfig *tls.Config

	// StatsPassword sets the password for retrieving stats.
	// If empty, stats queries are refused.
	StatsPassword string

	Log *logrus.Logger

	// Broker is the bus this server exposes to remote clients.
	Broker *broker.Broker

	nextID uint64
}

// ListenAndServe listens for connections on the network, and connects
// them to the broker.
func (srv *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": false,
	}).Info("Listening for incoming connections")
	return http.Serve(listener, srv.Handler())
}

// ListenAndServeTLS behaves just like ListenAndServe, but wraps the connection with TLS.
func (srv *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return errors.Wrap(err, "Load X.509 key pair")
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if srv.TLSConfig == nil {
		return errors.New("No TLSConfig set in server, and no certFile/keyFile given")
	}

	listener, err := tls.Listen("tcp", addr, srv.TLSConfig)
	if err != nil {
		return errors.Wrap(err, "Listen TLS")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": true,
	}).Info("Listening for incoming connections")
	return http.Serve(listener, srv.Handler())
}

// Handler returns the http.Handler that upgrades requests to broker
// connections, for callers embedding the server in their own mux.
func (srv *Server) Handler() http.Handler {
	return http.HandlerFunc(srv.serveWS)
}

func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: srv.checkOrigin}
	origin := r.Header.Get("Origin")
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.Log.WithFields(logrus.Fields{
			"origin": origin,
			"remote": r.RemoteAddr,
			"error":  err,
		}).Error("Cannot upgrade connection")
		return
	}

	c := newConn(srv, ws, origin, atomic.AddUint64(&srv.nextID, 1))
	srv.Log.WithFields(logrus.Fields{
		"conn":   c.id,
		"origin": origin,
		"remote": r.RemoteAddr,
	}).Info("Connected")
	go c.writePump()
	go c.readPump()
}

// checkOrigin admits browser peers whose Origin is on the broker's
// allow-list. Peers without an Origin header (native clients, such as
// the stats command) are admitted too; they carry no accepted origin,
// so the broker will still refuse their messages and they can only use
// the server-level stat query.
func (srv *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if !srv.Broker.OriginAccepted(origin) {
		srv.Log.WithFields(logrus.Fields{
			"origin": origin,
			"remote": r.RemoteAddr,
		}).Error("Refusing connection from unaccepted origin")
		return false
	}
	return true
}

// handleStat answers a password-protected stats query. Stats are a
// server-level affair: the query never reaches the broker, and "stat"
// is reserved as a message name on this transport.
func (srv *Server) handleStat(c *conn, env *envelope.Envelope) {
	var password string
	if data, ok := env.Body.Data.(map[string]interface{}); ok {
		password, _ = data["password"].(string)
	}

	respond := func(status string, data interface{}) {
		resp := envelope.NewResponse(env.RequestID, envelope.Body{
			MessageName: "stat",
			Status:      status,
			Data:        data,
		})
		if err := c.post(resp); err != nil {
			srv.Log.WithFields(logrus.Fields{
				"conn":  c.id,
				"error": err,
			}).Error("Cannot post stats response")
		}
	}

	if srv.StatsPassword == "" {
		respond("stats are disabled on this server", nil)
		return
	}
	if password != srv.StatsPassword {
		time.Sleep(5 * time.Second) // Slow down brute forcing
		respond("wrong password", nil)
		c.stop("wrong stats password")
		return
	}

	respond(envelope.StatusAccepted, srv.Broker.Stats())
}

func (srv *Server) pongWait() time.Duration {
	if srv.TimeBetweenPings <= 0 || srv.PingsUntilTimeout <= 0 {
		return 0
	}
	return srv.TimeBetweenPings * time.Duration(srv.PingsUntilTimeout)
}
