// Copyright 2025 lostnet.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package updatenotifier distributes database change events to
// registered subscribers.
//
// A single Dispatcher owns the registration state: a bidirectional
// index from subscriber to channel-set and from channel to listener-set.
// Every mutation (registration, unregistration, publication, subscriber
// death) is serialized through the dispatcher's control loop, so the
// two indexes are always mutually consistent between operations.
// Publication never waits on a subscriber: events are enqueued onto
// each listener's own queue, and dropped if that queue is full.
//
// The dispatcher also supervises a watchdog over the external source of
// change notifications. The watchdog periodically forces the source to
// restart while the source has observers attached; if the watchdog
// itself dies the dispatcher respawns it after a cooldown.
package updatenotifier
