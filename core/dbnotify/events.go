// Copyright 2025 lostnet.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dbnotify holds the types shared between the database update
// dispatcher, the producers that publish change events, and the
// subscribers that consume them.
package dbnotify

// AllDatabases is the reserved wildcard channel name. A subscriber
// registered for AllDatabases receives every published event regardless
// of which database it was published for.
const AllDatabases = "all"

// Kind describes the change an Event reports.
type Kind string

const (
	// Created indicates a database was newly created.
	Created Kind = "created"
	// Updated indicates a document in the database changed.
	Updated Kind = "updated"
	// Deleted indicates the database was deleted.
	Deleted Kind = "deleted"
)

// Event is a single database change notification. Database names the
// channel the event was published on, which for a wildcard subscriber
// may differ from the channel it registered for.
type Event struct {
	Database string
	Kind     Kind
}

// Subscriber is an independent concurrent entity that receives database
// update events. The dispatcher identifies subscribers by plain Go
// equality, so implementations are expected to be pointers.
type Subscriber interface {
	// Updates returns the subscriber's inbound event queue. The
	// dispatcher never blocks sending on this channel; an event is
	// dropped if the queue is full.
	Updates() chan<- Event

	// Dead returns a channel that is closed once the subscriber has
	// terminated and will never consume another event.
	Dead() <-chan struct{}
}
