package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shellbus/shellbus/pkg/broker"
	"github.com/shellbus/shellbus/pkg/envelope"
)

const testOrigin = "https://app.example.com"

var testChannels = []envelope.Channel{{ID: "ch1", Version: "1.0"}}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	log := logrus.New()
	log.Out = io.Discard

	bus := broker.New(log)
	bus.AddAcceptedOrigin(testOrigin)

	srv := &Server{
		StatsPassword: "secret",
		Log:           log,
		Broker:        bus,
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, ts *httptest.Server, origin string) *websocket.Conn {
	t.Helper()
	var header http.Header
	if origin != "" {
		header = http.Header{"Origin": []string{origin}}
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readResponse reads envelopes until the response correlated with
// requestID arrives.
func readResponse(t *testing.T, conn *websocket.Conn, requestID string) *envelope.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env envelope.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("Read response for %s: %s", requestID, err)
		}
		if env.Type == envelope.TypeResponse && env.Body.CorrelationMessageID == requestID {
			return &env
		}
	}
}

func TestServerRefusesUnacceptedOrigin(t *testing.T) {
	_, ts := newTestServer(t)

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err == nil {
		conn.Close()
		t.Fatal("Handshake from unaccepted origin should fail")
	}
}

func TestServerStatQuery(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "")

	err := conn.WriteJSON(envelope.NewRequest("s-1", envelope.Body{
		MessageName: "stat",
		Data:        map[string]interface{}{"password": "secret"},
	}))
	if err != nil {
		t.Fatalf("Request stats: %s", err)
	}

	resp := readResponse(t, conn, "s-1")
	if resp.Body.Status != envelope.StatusAccepted {
		t.Fatalf("Stats status: wanted %s, got %s", envelope.StatusAccepted, resp.Body.Status)
	}
	stats, ok := resp.Body.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Stats payload: %+v", resp.Body.Data)
	}
	if _, ok := stats["num_clients"]; !ok {
		t.Errorf("Stats payload has no num_clients: %+v", stats)
	}
}

func TestServerBrokerRoundTrip(t *testing.T) {
	srv, ts := newTestServer(t)

	// A local client subscribes first, so it sees the remote one join.
	type delivery struct {
		senderID, channelID, messageName string
		data                             interface{}
	}
	deliveries := make(chan delivery, 4)
	events := make(chan string, 4)
	if err := srv.Broker.Connect("lc1"); err != nil {
		t.Fatalf("Connect local: %s", err)
	}
	err := srv.Broker.Subscribe("lc1", testChannels,
		func(senderID, channelID, messageName string, data interface{}) {
			deliveries <- delivery{senderID, channelID, messageName, data}
		},
		func(event, clientID string, channels []envelope.Channel) {
			events <- event + ":" + clientID
		})
	if err != nil {
		t.Fatalf("Subscribe local: %s", err)
	}

	conn := dial(t, ts, testOrigin)
	err = conn.WriteJSON(envelope.NewRequest("r-1", envelope.Body{
		ClientID:    "rc1",
		MessageName: "connect",
	}))
	if err != nil {
		t.Fatalf("Connect remote: %s", err)
	}
	if resp := readResponse(t, conn, "r-1"); resp.Body.Status != envelope.StatusAccepted {
		t.Fatalf("Connect status: %s", resp.Body.Status)
	}

	err = conn.WriteJSON(envelope.NewRequest("r-2", envelope.Body{
		ClientID:           "rc1",
		MessageName:        "subscribe",
		SubscribedChannels: testChannels,
	}))
	if err != nil {
		t.Fatalf("Subscribe remote: %s", err)
	}
	if resp := readResponse(t, conn, "r-2"); resp.Body.Status != envelope.StatusAccepted {
		t.Fatalf("Subscribe status: %s", resp.Body.Status)
	}

	select {
	case event := <-events:
		if event != broker.EventClientSubscribed+":rc1" {
			t.Errorf("Local lifecycle event: %s", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Local client was not told about the remote subscriber")
	}

	// Remote publishes to the local client.
	err = conn.WriteJSON(envelope.NewRequest("m-1", envelope.Body{
		ClientID:        "rc1",
		ChannelID:       "ch1",
		MessageName:     "get-ctx",
		TargetClientIDs: []string{"lc1"},
		Data:            map[string]interface{}{"x": "1"},
	}))
	if err != nil {
		t.Fatalf("Publish remote: %s", err)
	}
	select {
	case got := <-deliveries:
		if got.senderID != "rc1" || got.channelID != "ch1" || got.messageName != "get-ctx" {
			t.Errorf("Local delivery: %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Local client did not receive the remote publish")
	}

	// Local publishes to the remote client, which reads a request envelope.
	if err := srv.Broker.Publish("ch1", "lc1", "m-2", "set-ctx", []string{"rc1"}, nil); err != nil {
		t.Fatalf("Publish local: %s", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env envelope.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("Read published envelope: %s", err)
		}
		if env.Type != envelope.TypeRequest {
			continue
		}
		if env.RequestID != "m-2" || env.Body.MessageName != "set-ctx" || env.Body.ClientID != "lc1" {
			t.Errorf("Published envelope: %+v", env)
		}
		break
	}

	// Closing the socket disconnects its broker clients.
	conn.Close()
	select {
	case event := <-events:
		if event != broker.EventClientUnsubscribed+":rc1" {
			t.Errorf("Local lifecycle event after close: %s", event)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Local client was not told the remote client went away")
	}
}
