// Package envelope defines the wire-level message unit exchanged with
// remote broker clients, and the codec for building and validating it.
package envelope

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Service is the fixed service identifier carried by every envelope.
const Service = "sap.ushell.services.MessageBroker"

// Type describes what an envelope carries.
type Type string

// Envelope types.
const (
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
	TypeEvent    Type = "event"
)

// StatusAccepted is the status a response envelope carries when the
// request it answers succeeded.
const StatusAccepted = "accepted"

// A Channel identifies one subscription: a channel id and the protocol
// version the subscriber speaks on it.
type Channel struct {
	ID      string `json:"channelId"`
	Version string `json:"version"`
}

// Body is the payload of an envelope.
type Body struct {
	ClientID             string      `json:"clientId,omitempty"`
	ChannelID            string      `json:"channelId,omitempty"`
	MessageName          string      `json:"messageName,omitempty"`
	SubscribedChannels   []Channel   `json:"subscribedChannels,omitempty"`
	TargetClientIDs      []string    `json:"targetClientsIds,omitempty"`
	Data                 interface{} `json:"data,omitempty"`
	Status               string      `json:"status,omitempty"`
	CorrelationMessageID string      `json:"correlationMessageId,omitempty"`
	Channels             []Channel   `json:"channels,omitempty"`
}

// An Envelope is one message on the cross-origin transport.
type Envelope struct {
	RequestID string `json:"request_id"`
	Type      Type   `json:"type"`
	Service   string `json:"service"`
	Body      Body   `json:"body"`
}

// NewRequest builds a request envelope carrying a published message.
func NewRequest(requestID string, body Body) *Envelope {
	return &Envelope{
		RequestID: requestID,
		Type:      TypeRequest,
		Service:   Service,
		Body:      body,
	}
}

// NewResponse builds the response to the request with id requestID.
// The request id is echoed both as the envelope's own id and as the
// body's correlationMessageId, so the remote caller can match it.
func NewResponse(requestID string, body Body) *Envelope {
	body.CorrelationMessageID = requestID
	return &Envelope{
		RequestID: requestID,
		Type:      TypeResponse,
		Service:   Service,
		Body:      body,
	}
}

// NewEvent builds a lifecycle event envelope.
func NewEvent(requestID string, body Body) *Envelope {
	return &Envelope{
		RequestID: requestID,
		Type:      TypeEvent,
		Service:   Service,
		Body:      body,
	}
}

// Encode serializes the envelope for the wire.
func (env *Envelope) Encode() ([]byte, error) {
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "Encode envelope")
	}
	return buf, nil
}

// Parse deserializes and validates an envelope received from the wire.
func Parse(buf []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return nil, errors.Wrap(err, "Parse envelope")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// ParseInbound deserializes an envelope received from a remote peer.
// Peers may omit type and service on requests; they default to
// request and the broker's own service before validation.
func ParseInbound(buf []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return nil, errors.Wrap(err, "Parse inbound envelope")
	}
	if env.Type == "" {
		env.Type = TypeRequest
	}
	if env.Service == "" {
		env.Service = Service
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the fields every envelope must carry.
func (env *Envelope) Validate() error {
	if env.RequestID == "" {
		return errors.New("envelope has no request_id")
	}
	switch env.Type {
	case TypeRequest, TypeResponse, TypeEvent:
	default:
		return errors.Errorf("unknown envelope type %q", env.Type)
	}
	if env.Service != Service {
		return errors.Errorf("unknown service %q", env.Service)
	}
	return nil
}
