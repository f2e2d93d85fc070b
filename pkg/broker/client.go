package broker

import (
	"github.com/shellbus/shellbus/pkg/envelope"
)

// Lifecycle events sent to a client's connection callback when peers on
// its channels come and go.
const (
	EventClientSubscribed   = "clientSubscribed"
	EventClientUnsubscribed = "clientUnsubscribed"
)

// A MessageFunc receives a message a local client is subscribed to.
type MessageFunc func(senderID, channelID, messageName string, data interface{})

// An EventFunc receives lifecycle events concerning a local client's channels.
type EventFunc func(event, clientID string, channels []envelope.Channel)

// A Poster posts an envelope across the process boundary to a remote
// client. targetOrigin restricts delivery to the client's own origin;
// it is never the wildcard origin.
type Poster interface {
	Post(env *envelope.Envelope, targetOrigin string) error
}

// A Client is one connected participant on the bus.
type Client struct {
	ID string
	// Origin is empty for local clients, and a URL origin for remote ones.
	Origin string
	// Channels the client is currently subscribed to, in subscription order.
	Channels []envelope.Channel

	local    bool
	endpoint endpoint
}

// Local reports whether the client is reachable by direct in-process callback.
func (c *Client) Local() bool {
	return c.local
}

// subscribed reports whether the client's own channel list contains ch.
func (c *Client) subscribed(ch envelope.Channel) bool {
	for i := range c.Channels {
		if c.Channels[i].ID == ch.ID {
			return true
		}
	}
	return false
}

// dropChannel removes a channel from the client's own subscription list.
func (c *Client) dropChannel(channelID string) {
	for i := range c.Channels {
		if c.Channels[i].ID == channelID {
			c.Channels = append(c.Channels[:i], c.Channels[i+1:]...)
			return
		}
	}
}
