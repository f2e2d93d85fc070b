package broker

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shellbus/shellbus/pkg/envelope"
)

// An endpoint is the capability through which the broker reaches one
// client: deliver a published message, or notify a lifecycle event.
// Local and remote clients implement it differently; the broker never
// inspects which one it holds.
type endpoint interface {
	deliver(log *logrus.Logger, messageID, senderID, channelID, messageName string, data interface{})
	notify(log *logrus.Logger, event, clientID string, channels []envelope.Channel)
}

// localEndpoint reaches a same-process client by invoking its callbacks
// directly. A panicking callback is logged and isolated so it cannot
// break delivery to other subscribers.
type localEndpoint struct {
	onMessage MessageFunc
	onEvent   EventFunc
}

func (ep localEndpoint) deliver(log *logrus.Logger, messageID, senderID, channelID, messageName string, data interface{}) {
	defer recoverCallback(log, channelID, messageName)
	ep.onMessage(senderID, channelID, messageName, data)
}

func (ep localEndpoint) notify(log *logrus.Logger, event, clientID string, channels []envelope.Channel) {
	defer recoverCallback(log, "", event)
	ep.onEvent(event, clientID, channels)
}

func recoverCallback(log *logrus.Logger, channelID, name string) {
	if r := recover(); r != nil {
		log.WithFields(logrus.Fields{
			"channel": channelID,
			"message": name,
			"error":   r,
		}).Error("Client callback panicked")
	}
}

// remoteEndpoint reaches a separate-origin client by posting envelopes
// to its transport handle, restricted to the client's own origin.
type remoteEndpoint struct {
	handle Poster
	origin string
}

func (ep remoteEndpoint) deliver(log *logrus.Logger, messageID, senderID, channelID, messageName string, data interface{}) {
	env := envelope.NewRequest(messageID, envelope.Body{
		ClientID:    senderID,
		ChannelID:   channelID,
		MessageName: messageName,
		Data:        data,
	})
	if err := ep.handle.Post(env, ep.origin); err != nil {
		log.WithFields(logrus.Fields{
			"origin":  ep.origin,
			"channel": channelID,
			"message": messageName,
			"error":   err,
		}).Error("Cannot post message to remote client")
	}
}

func (ep remoteEndpoint) notify(log *logrus.Logger, event, clientID string, channels []envelope.Channel) {
	env := envelope.NewEvent(uuid.NewString(), envelope.Body{
		ClientID:    clientID,
		MessageName: event,
		Channels:    channels,
	})
	if err := ep.handle.Post(env, ep.origin); err != nil {
		log.WithFields(logrus.Fields{
			"origin": ep.origin,
			"event":  event,
			"error":  err,
		}).Error("Cannot post lifecycle event to remote client")
	}
}

// emitEvent notifies every client subscribed to any of channels, other
// than the client the event concerns, of a lifecycle change.
func (b *Broker) emitEvent(event, clientID string, channels []envelope.Channel) {
	b.reg.lock.RLock()
	seen := make(map[string]struct{})
	endpoints := make([]endpoint, 0)
	for _, ch := range channels {
		for _, peer := range b.reg.channels[ch.ID] {
			if peer.ID == clientID {
				continue
			}
			if _, dup := seen[peer.ID]; dup {
				continue
			}
			seen[peer.ID] = struct{}{}
			endpoints = append(endpoints, peer.endpoint)
		}
	}
	b.reg.lock.RUnlock()

	for _, ep := range endpoints {
		ep.notify(b.log, event, clientID, channels)
	}
}
