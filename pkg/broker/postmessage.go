package broker

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shellbus/shellbus/pkg/envelope"
)

// opKind is the closed set of operations a remote client can request.
type opKind int

const (
	opConnect opKind = iota
	opSubscribe
	opUnsubscribe
	opDisconnect
	// opPublish covers everything else: a messageName that is not a
	// broker operation is relayed to the named channel as a published
	// message, carrying that name.
	opPublish
)

func opKindOf(messageName string) opKind {
	switch messageName {
	case "connect":
		return opConnect
	case "subscribe":
		return opSubscribe
	case "unsubscribe":
		return opUnsubscribe
	case "disconnect":
		return opDisconnect
	default:
		return opPublish
	}
}

// ProcessPostMessage handles one envelope received from the cross-origin
// transport. The source is the handle responses and future messages to
// the sender are posted through; origin is the sender's transport-level
// origin.
//
// Every message from an accepted origin is answered with a response
// envelope: status "accepted" on success, the rejection reason on
// failure. A message without a source, or from an origin that is not
// accepted, is logged and dropped without a reply. The operation's
// outcome is also returned to the hosting transport.
func (b *Broker) ProcessPostMessage(env *envelope.Envelope, origin string, source Poster) error {
	if source == nil {
		b.log.WithFields(logrus.Fields{
			"origin":  origin,
			"message": env.Body.MessageName,
		}).Error("Dropping transport message without a source")
		return ErrMissingSource
	}
	if !b.origins.accepted(origin) {
		b.log.WithFields(logrus.Fields{
			"origin":  origin,
			"message": env.Body.MessageName,
		}).Error("Dropping transport message from unaccepted origin")
		return errors.Errorf("origin %q not accepted", origin)
	}

	err := b.handlePostMessageRequest(env, origin, source)

	status := envelope.StatusAccepted
	if err != nil {
		status = err.Error()
	}
	resp := envelope.NewResponse(env.RequestID, envelope.Body{
		ClientID:    env.Body.ClientID,
		ChannelID:   env.Body.ChannelID,
		MessageName: env.Body.MessageName,
		Status:      status,
	})
	if postErr := source.Post(resp, origin); postErr != nil {
		b.log.WithFields(logrus.Fields{
			"origin": origin,
			"error":  postErr,
		}).Error("Cannot post response to remote client")
	}
	return err
}

// handlePostMessageRequest dispatches an inbound request to the engine
// operation its messageName selects.
func (b *Broker) handlePostMessageRequest(env *envelope.Envelope, origin string, source Poster) error {
	body := env.Body
	switch opKindOf(body.MessageName) {
	case opConnect:
		return b.ConnectRemote(body.ClientID, origin, source)
	case opSubscribe:
		return b.Subscribe(body.ClientID, body.SubscribedChannels, nil, nil)
	case opUnsubscribe:
		return b.Unsubscribe(body.ClientID, body.SubscribedChannels)
	case opDisconnect:
		return b.Disconnect(body.ClientID, body.SubscribedChannels)
	default:
		// The published message reuses the request id as its message
		// id, so recipients see the same correlation id the sender's
		// response does.
		return b.Publish(body.ChannelID, body.ClientID, env.RequestID, body.MessageName, body.TargetClientIDs, body.Data)
	}
}
