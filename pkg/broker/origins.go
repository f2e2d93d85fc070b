package broker

import (
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
)

// originRegistry holds the ordered set of origins allowed to exchange
// messages with the broker over the cross-origin transport.
type originRegistry struct {
	log     *logrus.Logger
	lock    sync.RWMutex // Protects origins
	origins []string
}

// add registers an origin as accepted. If the origin carries a port, the
// portless scheme://host variant is registered too. Invalid origins are
// reported and ignored; duplicates are reported and not re-added.
func (reg *originRegistry) add(origin string) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		reg.log.WithFields(logrus.Fields{
			"origin": origin,
		}).Error("Cannot accept invalid origin")
		return
	}

	variants := []string{u.Scheme + "://" + u.Host}
	if u.Port() != "" {
		variants = append(variants, u.Scheme+"://"+u.Hostname())
	}

	reg.lock.Lock()
	defer reg.lock.Unlock()
	for _, variant := range variants {
		if reg.contains(variant) {
			reg.log.WithFields(logrus.Fields{
				"origin": variant,
			}).Warn("Origin already accepted")
			continue
		}
		reg.origins = append(reg.origins, variant)
	}
}

// remove drops an origin from the accepted set. Only an exact match is
// removed; variants registered alongside it stay.
func (reg *originRegistry) remove(origin string) {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	for i := range reg.origins {
		if reg.origins[i] == origin {
			reg.origins = append(reg.origins[:i], reg.origins[i+1:]...)
			return
		}
	}
}

// list returns a copy of the accepted origins, in registration order.
func (reg *originRegistry) list() []string {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	origins := make([]string, len(reg.origins))
	copy(origins, reg.origins)
	return origins
}

// accepted reports whether an origin may exchange messages with the broker.
func (reg *originRegistry) accepted(origin string) bool {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	return reg.contains(origin)
}

// contains must be called with the lock held.
func (reg *originRegistry) contains(origin string) bool {
	for i := range reg.origins {
		if reg.origins[i] == origin {
			return true
		}
	}
	return false
}
