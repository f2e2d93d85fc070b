package envelope

import (
	"reflect"
	"testing"
)

func TestResponseEchoesRequestID(t *testing.T) {
	resp := NewResponse("r-42", Body{
		ClientID:    "c1",
		MessageName: "connect",
		Status:      StatusAccepted,
	})

	if resp.RequestID != "r-42" {
		t.Errorf("Response request_id: wanted r-42, got %s", resp.RequestID)
	}
	if resp.Body.CorrelationMessageID != "r-42" {
		t.Errorf("Response correlationMessageId: wanted r-42, got %s", resp.Body.CorrelationMessageID)
	}
	if resp.Type != TypeResponse {
		t.Errorf("Response type: wanted %s, got %s", TypeResponse, resp.Type)
	}
	if resp.Service != Service {
		t.Errorf("Response service: wanted %s, got %s", Service, resp.Service)
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	env := NewRequest("r-1", Body{
		ClientID:    "c1",
		ChannelID:   "ch1",
		MessageName: "get-ctx",
		Data:        map[string]interface{}{"x": "1"},
	})

	buf, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %s", err)
	}
	parsed, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %s", err)
	}
	if !reflect.DeepEqual(env, parsed) {
		t.Errorf("Round trip: wanted %+v, got %+v", env, parsed)
	}
}

func TestParseRejectsBadEnvelopes(t *testing.T) {
	bad := []string{
		`{"type":"request","service":"sap.ushell.services.MessageBroker","body":{}}`,
		`{"request_id":"r-1","type":"query","service":"sap.ushell.services.MessageBroker","body":{}}`,
		`{"request_id":"r-1","type":"request","service":"someone.elses.service","body":{}}`,
		`not json`,
	}
	for _, buf := range bad {
		if _, err := Parse([]byte(buf)); err == nil {
			t.Errorf("Parse accepted bad envelope: %s", buf)
		}
	}
}

func TestParseInboundDefaults(t *testing.T) {
	env, err := ParseInbound([]byte(`{"request_id":"r-7","body":{"clientId":"c1","messageName":"connect"}}`))
	if err != nil {
		t.Fatalf("ParseInbound: %s", err)
	}
	if env.Type != TypeRequest {
		t.Errorf("Inbound type: wanted %s, got %s", TypeRequest, env.Type)
	}
	if env.Service != Service {
		t.Errorf("Inbound service: wanted %s, got %s", Service, env.Service)
	}
	if env.Body.ClientID != "c1" || env.Body.MessageName != "connect" {
		t.Errorf("Inbound body: got %+v", env.Body)
	}
}
