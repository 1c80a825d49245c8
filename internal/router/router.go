// Package router turns applied coordinator changes into transport
// broadcasts. Delivery is best-effort by design: a failed or dropped
// broadcast is logged and forgotten, and receivers recover through their
// Unknown-freshness refetch path.
package router

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/confsync/confsync/internal/coordinator"
	"github.com/confsync/confsync/internal/schema"
	"github.com/confsync/confsync/internal/transport"
)

// Sender is the slice of the bus the router needs.
type Sender interface {
	Broadcast(origin string, bc transport.Broadcast)
}

// Router fans applied changes out to every endpoint except the origin.
type Router struct {
	bus Sender
	log *logrus.Entry

	// OnBroadcast, when set, observes every broadcast type sent. Used for
	// metrics.
	OnBroadcast func(bcType transport.BroadcastType)
}

// New creates a Router over the given sender.
func New(bus Sender, logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Router{
		bus: bus,
		log: logger.WithField("component", "router"),
	}
}

// SettingsChanged broadcasts the full changed records. Receivers patch their
// caches in place without refetching.
func (r *Router) SettingsChanged(origin string, changed map[string]*schema.Record) {
	r.send(origin, transport.BroadcastChanged, transport.ChangedBroadcast{Changes: changed})
}

// SettingsImported broadcasts that a bulk import happened. The affected key
// set is unbounded, so only the count travels; receivers drop to Unknown and
// refetch lazily.
func (r *Router) SettingsImported(origin string, applied int) {
	r.send(origin, transport.BroadcastImported, transport.ImportedBroadcast{Applied: applied})
}

// SettingsReset broadcasts that the map was reset to defaults. Same shape as
// import: count only, receivers invalidate.
func (r *Router) SettingsReset(origin string, count int) {
	r.send(origin, transport.BroadcastReset, transport.ResetBroadcast{Count: count})
}

func (r *Router) send(origin string, bcType transport.BroadcastType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.WithError(err).WithField("type", bcType).Error("Failed to encode broadcast; dropped")
		return
	}

	r.bus.Broadcast(origin, transport.Broadcast{Type: bcType, Payload: raw})
	if r.OnBroadcast != nil {
		r.OnBroadcast(bcType)
	}

	r.log.WithFields(logrus.Fields{
		"type":   bcType,
		"origin": origin,
	}).Debug("Broadcast sent")
}

var _ coordinator.ChangeBroadcaster = (*Router)(nil)
