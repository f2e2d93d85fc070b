// Package broker implements a session-scoped pub/sub message bus that
// multiplexes logical channels over two client types: local clients in
// the same process, reached by direct callback, and remote clients in
// separate-origin frames, reached by posting envelopes to a transport
// handle. The broker owns connection lifecycle, subscription state, an
// origin allow-list for the cross-origin transport, and request/response
// correlation for inbound transport messages.
package broker

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shellbus/shellbus/pkg/envelope"
)

// Broker contains all state for one message bus instance.
type Broker struct {
	log     *logrus.Logger
	reg     registry
	origins originRegistry

	enabledMTX sync.RWMutex // Protects enabled
	enabled    bool
}

// New creates an enabled broker with no clients and no accepted origins.
func New(log *logrus.Logger) *Broker {
	b := &Broker{
		log:     log,
		reg:     newRegistry(),
		enabled: true,
	}
	b.origins.log = log
	return b
}

// SetEnabled switches the whole broker on or off. While disabled, every
// operation is rejected immediately without touching state; in-flight
// deliveries are not affected.
func (b *Broker) SetEnabled(enabled bool) {
	b.enabledMTX.Lock()
	b.enabled = enabled
	b.enabledMTX.Unlock()
	b.log.WithFields(logrus.Fields{
		"enabled": enabled,
	}).Info("Message broker toggled")
}

// AddAcceptedOrigin allows an origin to exchange messages over the
// cross-origin transport. An origin with a port also registers its
// portless scheme://host variant.
func (b *Broker) AddAcceptedOrigin(origin string) {
	b.origins.add(origin)
}

// RemoveAcceptedOrigin removes an exact origin from the accepted set.
func (b *Broker) RemoveAcceptedOrigin(origin string) {
	b.origins.remove(origin)
}

// AcceptedOrigins returns the accepted origins in registration order.
func (b *Broker) AcceptedOrigins() []string {
	return b.origins.list()
}

// OriginAccepted reports whether an origin may exchange messages with
// the broker.
func (b *Broker) OriginAccepted(origin string) bool {
	return b.origins.accepted(origin)
}

// Stats gets stats about the running broker.
func (b *Broker) Stats() Stats {
	return b.reg.Stats()
}

// Connect registers a local client. The client has no subscriptions
// until it calls Subscribe.
func (b *Broker) Connect(clientID string) error {
	const op = "connect"
	if err := b.gate(op); err != nil {
		return err
	}
	if clientID == "" {
		return b.reject(op, clientID, ErrMissingParameter)
	}

	b.reg.lock.Lock()
	defer b.reg.lock.Unlock()
	if _, ok := b.reg.clients[clientID]; ok {
		return b.reject(op, clientID, ErrDuplicateClient)
	}
	b.reg.addClient(&Client{ID: clientID, local: true})
	return nil
}

// ConnectRemote registers a client living in a separate-origin frame,
// reached through the given transport handle.
func (b *Broker) ConnectRemote(clientID, origin string, handle Poster) error {
	const op = "connect"
	if err := b.gate(op); err != nil {
		return err
	}
	if clientID == "" || origin == "" || handle == nil {
		return b.reject(op, clientID, ErrMissingParameter)
	}

	b.reg.lock.Lock()
	defer b.reg.lock.Unlock()
	if _, ok := b.reg.clients[clientID]; ok {
		return b.reject(op, clientID, ErrDuplicateClient)
	}
	b.reg.addClient(&Client{
		ID:       clientID,
		Origin:   origin,
		endpoint: remoteEndpoint{handle: handle, origin: origin},
	})
	return nil
}

// Subscribe adds a connected client to each of the given channels and
// notifies the channels' other subscribers that it joined.
//
// Local clients must pass both callbacks; they replace any callbacks
// given on an earlier Subscribe. Remote clients have no callables and
// must pass nil for both: their transport handle and origin, recorded
// at connect time, serve instead.
func (b *Broker) Subscribe(clientID string, channels []envelope.Channel, onMessage MessageFunc, onEvent EventFunc) error {
	const op = "subscribe"
	if err := b.gate(op); err != nil {
		return err
	}
	if clientID == "" || len(channels) == 0 {
		return b.reject(op, clientID, ErrMissingParameter)
	}

	b.reg.lock.Lock()
	c, ok := b.reg.clients[clientID]
	if !ok {
		b.reg.lock.Unlock()
		return b.reject(op, clientID, ErrNotConnected)
	}
	if c.local {
		if onMessage == nil || onEvent == nil {
			b.reg.lock.Unlock()
			return b.reject(op, clientID, ErrMissingParameter)
		}
		c.endpoint = localEndpoint{onMessage: onMessage, onEvent: onEvent}
	} else if c.Origin == "" || c.endpoint == nil {
		b.reg.lock.Unlock()
		return b.reject(op, clientID, ErrMissingParameter)
	}

	joined := make([]envelope.Channel, 0, len(channels))
	for _, ch := range channels {
		if c.subscribed(ch) {
			continue
		}
		c.Channels = append(c.Channels, ch)
		b.reg.addToChannel(ch.ID, c)
		joined = append(joined, ch)
	}
	b.reg.lock.Unlock()

	if len(joined) > 0 {
		b.emitEvent(EventClientSubscribed, clientID, joined)
	}
	return nil
}

// Unsubscribe removes a client from each of the given channels and
// notifies their remaining subscribers that it left.
func (b *Broker) Unsubscribe(clientID string, channels []envelope.Channel) error {
	const op = "unsubscribe"
	if err := b.gate(op); err != nil {
		return err
	}
	if clientID == "" || len(channels) == 0 {
		return b.reject(op, clientID, ErrMissingParameter)
	}
	return b.leaveChannels(op, clientID, channels, false)
}

// Disconnect removes a client from the given channels, or from all of
// its channels if none are given. A client left with no subscriptions
// is removed from the broker entirely and its id becomes free again.
func (b *Broker) Disconnect(clientID string, channels []envelope.Channel) error {
	const op = "disconnect"
	if err := b.gate(op); err != nil {
		return err
	}
	if clientID == "" {
		return b.reject(op, clientID, ErrMissingParameter)
	}
	return b.leaveChannels(op, clientID, channels, true)
}

// leaveChannels removes a client from channels (all of its channels if
// nil), notifies the remaining subscribers, and, when disconnecting,
// drops the registry entry once no subscriptions remain.
func (b *Broker) leaveChannels(op, clientID string, channels []envelope.Channel, disconnect bool) error {
	b.reg.lock.Lock()
	c, ok := b.reg.clients[clientID]
	if !ok {
		b.reg.lock.Unlock()
		return b.reject(op, clientID, ErrNotConnected)
	}

	if len(channels) == 0 {
		channels = make([]envelope.Channel, len(c.Channels))
		copy(channels, c.Channels)
	}
	left := make([]envelope.Channel, 0, len(channels))
	for _, ch := range channels {
		if !c.subscribed(ch) {
			continue
		}
		c.dropChannel(ch.ID)
		b.reg.removeFromChannel(ch.ID, clientID)
		left = append(left, ch)
	}
	if disconnect && len(c.Channels) == 0 {
		delete(b.reg.clients, clientID)
	}
	b.reg.lock.Unlock()

	if len(left) > 0 {
		b.emitEvent(EventClientUnsubscribed, clientID, left)
	}
	return nil
}

// Publish delivers a message to subscribers of a channel. The sender
// must itself be subscribed to the channel. Targets names the recipient
// client ids; the wildcard "*" delivers to every subscriber except the
// sender. Named targets missing from the channel are skipped, but if
// none resolve the publish fails. Delivery is fire-and-forget, in
// subscription order, and one failing recipient cannot break delivery
// to the others.
func (b *Broker) Publish(channelID, senderID, messageID, messageName string, targets []string, data interface{}) error {
	const op = "publish"
	if err := b.gate(op); err != nil {
		return err
	}
	if channelID == "" || senderID == "" || len(targets) == 0 {
		return b.reject(op, senderID, ErrMissingParameter)
	}

	b.reg.lock.RLock()
	if _, ok := b.reg.clients[senderID]; !ok {
		b.reg.lock.RUnlock()
		return b.reject(op, senderID, ErrNotConnected)
	}
	subscribers, ok := b.reg.channels[channelID]
	if !ok {
		b.reg.lock.RUnlock()
		return b.reject(op, senderID, ErrUnknownChannel)
	}
	senderSubscribed := false
	for _, c := range subscribers {
		if c.ID == senderID {
			senderSubscribed = true
			break
		}
	}
	if !senderSubscribed {
		b.reg.lock.RUnlock()
		return b.reject(op, senderID, ErrClientNotSubscribed)
	}

	// Capture the endpoint values before releasing the lock: a
	// concurrent re-subscribe may swap a client's endpoint, and
	// delivery must use a consistent snapshot.
	recipients := resolveTargets(subscribers, senderID, targets)
	endpoints := make([]endpoint, len(recipients))
	for i, c := range recipients {
		endpoints[i] = c.endpoint
	}
	b.reg.lock.RUnlock()

	if len(endpoints) == 0 {
		return b.reject(op, senderID, ErrTargetsNotFound)
	}
	for _, ep := range endpoints {
		ep.deliver(b.log, messageID, senderID, channelID, messageName, data)
	}
	return nil
}

// resolveTargets picks the recipients out of a channel's subscriber
// list, preserving subscription order. The wildcard selects everyone
// but the sender.
func resolveTargets(subscribers []*Client, senderID string, targets []string) []*Client {
	wildcard := false
	named := make(map[string]struct{}, len(targets))
	for _, target := range targets {
		if target == "*" {
			wildcard = true
			break
		}
		named[target] = struct{}{}
	}

	recipients := make([]*Client, 0, len(subscribers))
	for _, c := range subscribers {
		if wildcard {
			if c.ID != senderID {
				recipients = append(recipients, c)
			}
			continue
		}
		if _, wanted := named[c.ID]; wanted {
			recipients = append(recipients, c)
		}
	}
	return recipients
}

// SubscribedClients returns a snapshot of the channelID to subscriber
// list mapping, in subscription order. The returned client records are
// copies; later registry changes do not show through them.
func (b *Broker) SubscribedClients() map[string][]*Client {
	b.reg.lock.RLock()
	defer b.reg.lock.RUnlock()
	snapshot := make(map[string][]*Client, len(b.reg.channels))
	for channelID, subscribers := range b.reg.channels {
		list := make([]*Client, len(subscribers))
		for i, c := range subscribers {
			cp := *c
			cp.Channels = append([]envelope.Channel(nil), c.Channels...)
			list[i] = &cp
		}
		snapshot[channelID] = list
	}
	return snapshot
}

// gate rejects the operation if the broker is globally disabled.
func (b *Broker) gate(op string) error {
	b.enabledMTX.RLock()
	enabled := b.enabled
	b.enabledMTX.RUnlock()
	if !enabled {
		b.log.WithFields(logrus.Fields{
			"operation": op,
		}).Error("Rejecting operation on disabled broker")
		return errors.Wrap(ErrBrokerDisabled, op)
	}
	return nil
}

// reject logs a failed operation and returns its cause wrapped with the
// operation name.
func (b *Broker) reject(op, clientID string, cause error) error {
	b.log.WithFields(logrus.Fields{
		"operation": op,
		"client":    clientID,
		"reason":    cause,
	}).Error("Rejecting broker operation")
	return errors.Wrap(cause, op)
}
