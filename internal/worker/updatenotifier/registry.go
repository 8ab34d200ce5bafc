// Copyright 2025 lostnet.
// Licensed under the AGPLv3, see LICENCE file for details.

package updatenotifier

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/lostnet/couchdb/core/dbnotify"
)

// subscription is the dispatcher's record of a registered subscriber.
type subscription struct {
	// monitor observes the subscriber's termination. It is created
	// when the subscriber first registers and reused unchanged across
	// re-registrations.
	monitor *monitor

	// databases is the set of channels the subscriber currently
	// receives events for.
	databases set.Strings
}

// registry is the bidirectional index at the heart of the dispatcher:
// subscriber to channel-set one way, channel to listener-set the other.
// It is only ever touched from the dispatcher's control loop, so it has
// no locking of its own. A channel has an entry exactly while its
// listener-set is non-empty. Any detected inconsistency between the two
// indexes is returned as an error; the dispatcher treats such errors as
// fatal, since a corrupted index cannot be repaired in place.
type registry struct {
	subscribers map[dbnotify.Subscriber]*subscription
	channels    map[string]map[dbnotify.Subscriber]bool
}

func newRegistry() *registry {
	return &registry{
		subscribers: make(map[dbnotify.Subscriber]*subscription),
		channels:    make(map[string]map[dbnotify.Subscriber]bool),
	}
}

// register records sub as a listener on each of the named channels,
// creating channel entries as needed. The caller must unregister any
// existing registration for sub first; replacing a live channel-set in
// place would orphan its reverse links.
func (r *registry) register(sub dbnotify.Subscriber, mon *monitor, databases []string) error {
	if _, ok := r.subscribers[sub]; ok {
		return errors.Errorf("subscriber already registered")
	}
	channelSet := set.NewStrings(databases...)
	r.subscribers[sub] = &subscription{
		monitor:   mon,
		databases: channelSet,
	}
	for _, name := range channelSet.Values() {
		listeners, ok := r.channels[name]
		if !ok {
			listeners = make(map[dbnotify.Subscriber]bool)
			r.channels[name] = listeners
		}
		listeners[sub] = true
	}
	return nil
}

// unregister removes sub's record and every reverse link it holds,
// pruning channel entries whose listener-set becomes empty. It returns
// the removed subscription, or a not-found error if sub has no current
// registration.
func (r *registry) unregister(sub dbnotify.Subscriber) (*subscription, error) {
	entry, ok := r.subscribers[sub]
	if !ok {
		return nil, errors.NotFoundf("subscriber")
	}
	delete(r.subscribers, sub)
	for _, name := range entry.databases.Values() {
		listeners, ok := r.channels[name]
		if !ok || !listeners[sub] {
			return nil, errors.Errorf("registry corrupt: subscriber missing from channel %q", name)
		}
		delete(listeners, sub)
		if len(listeners) == 0 {
			delete(r.channels, name)
		}
	}
	return entry, nil
}

// lookup returns sub's current subscription, if any.
func (r *registry) lookup(sub dbnotify.Subscriber) (*subscription, bool) {
	entry, ok := r.subscribers[sub]
	return entry, ok
}

// listeners returns the listener-set for the named channel, or nil if
// the channel has no entry.
func (r *registry) listeners(database string) map[dbnotify.Subscriber]bool {
	return r.channels[database]
}
