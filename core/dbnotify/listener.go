// Copyright 2025 lostnet.
// Licensed under the AGPLv3, see LICENCE file for details.

package dbnotify

import (
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"
)

// Handler is called for each event delivered to a Listener.
type Handler func(Event) error

// Listener is a Subscriber that drains its event queue on its own
// goroutine, passing each event to a handler. A handler error kills the
// listener; the dispatcher notices the death and drops the registration
// without any cooperation from this end.
type Listener struct {
	tomb    tomb.Tomb
	updates chan Event
	handler Handler
}

var _ worker.Worker = (*Listener)(nil)
var _ Subscriber = (*Listener)(nil)

// NewListener returns a running Listener with an inbound queue of the
// given capacity. The capacity bounds how far delivery can run ahead of
// the handler before events are dropped.
func NewListener(queueSize int, handler Handler) (*Listener, error) {
	if queueSize < 1 {
		return nil, errors.NotValidf("queue size %d", queueSize)
	}
	if handler == nil {
		return nil, errors.NotValidf("nil handler")
	}
	l := &Listener{
		updates: make(chan Event, queueSize),
		handler: handler,
	}
	l.tomb.Go(l.loop)
	return l, nil
}

// Updates is part of the Subscriber interface.
func (l *Listener) Updates() chan<- Event {
	return l.updates
}

// Dead is part of the Subscriber interface.
func (l *Listener) Dead() <-chan struct{} {
	return l.tomb.Dead()
}

// Kill is part of the worker.Worker interface.
func (l *Listener) Kill() {
	l.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (l *Listener) Wait() error {
	return l.tomb.Wait()
}

func (l *Listener) loop() error {
	for {
		select {
		case <-l.tomb.Dying():
			return tomb.ErrDying
		case event := <-l.updates:
			if err := l.handler(event); err != nil {
				return errors.Trace(err)
			}
		}
	}
}
