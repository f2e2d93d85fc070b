package broker

import (
	"sync"
	"time"
)

// registry tracks connected clients and, per channel, the ordered list
// of subscribed clients. Channel slices keep subscription order, which
// is the fan-out order for publish.
type registry struct {
	lock            sync.RWMutex // Protects the entire registry
	clients         map[string]*Client
	channels        map[string][]*Client
	createdTime     time.Time
	maxChannels     int
	maxChannelsTime time.Time
	maxClients      int
	maxClientsTime  time.Time
}

func newRegistry() registry {
	now := time.Now()
	return registry{
		clients:         make(map[string]*Client),
		channels:        make(map[string][]*Client),
		createdTime:     now,
		maxChannelsTime: now,
		maxClientsTime:  now,
	}
}

// addClient must be called with the lock held.
func (reg *registry) addClient(c *Client) {
	reg.clients[c.ID] = c
	if len(reg.clients) > reg.maxClients {
		reg.maxClients = len(reg.clients)
		reg.maxClientsTime = time.Now()
	}
}

// addToChannel appends a client to a channel's subscriber list if it
// isn't there yet. Must be called with the lock held.
func (reg *registry) addToChannel(channelID string, c *Client) {
	for _, existing := range reg.channels[channelID] {
		if existing.ID == c.ID {
			return
		}
	}
	reg.channels[channelID] = append(reg.channels[channelID], c)
	if len(reg.channels) > reg.maxChannels {
		reg.maxChannels = len(reg.channels)
		reg.maxChannelsTime = time.Now()
	}
}

// removeFromChannel drops a client from a channel's subscriber list,
// destroying the list once empty. Must be called with the lock held.
func (reg *registry) removeFromChannel(channelID, clientID string) {
	subscribers := reg.channels[channelID]
	for i := range subscribers {
		if subscribers[i].ID == clientID {
			reg.channels[channelID] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
	if len(reg.channels[channelID]) == 0 {
		delete(reg.channels, channelID)
	}
}

// Stats contains summary information about a running broker.
type Stats struct {
	Uptime          time.Duration `json:"uptime"`
	NumChannels     int           `json:"num_channels"`
	MaxChannels     int           `json:"max_channels"`
	MaxChannelsTime time.Time     `json:"max_channels_at"`
	NumClients      int           `json:"num_clients"`
	MaxClients      int           `json:"max_clients"`
	MaxClientsTime  time.Time     `json:"max_clients_at"`
}

// Stats gets stats for this registry.
func (reg *registry) Stats() Stats {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	return Stats{
		Uptime:          time.Since(reg.createdTime),
		NumChannels:     len(reg.channels),
		MaxChannels:     reg.maxChannels,
		MaxChannelsTime: reg.maxChannelsTime,
		NumClients:      len(reg.clients),
		MaxClients:      reg.maxClients,
		MaxClientsTime:  reg.maxClientsTime,
	}
}
