// Copyright 2025 lostnet.
// Licensed under the AGPLv3, see LICENCE file for details.

package updatenotifier

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lostnet/couchdb/core/dbnotify"
)

const (
	// WatchdogRespawnDelay is how long the dispatcher waits after the
	// watchdog dies before starting a replacement.
	WatchdogRespawnDelay = time.Minute

	// requestBacklog bounds how many publishes can queue ahead of the
	// control loop before producers wait on its turnaround.
	requestBacklog = 64
)

// errStopped is returned to callers when an operation cannot complete
// because the dispatcher has begun (and possibly finished) shutdown.
var errStopped = errors.New("update dispatcher stopped")

// Logger represents the methods used by this package to log information.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}

// Config defines the operation of a Dispatcher.
type Config struct {
	// Clock drives the watchdog poll interval and respawn cooldown.
	Clock clock.Clock

	// Logger is used for advisory messages only.
	Logger Logger

	// Source is the external change-notification source supervised by
	// the watchdog. If nil, no watchdog is run.
	Source Source

	// PrometheusRegisterer, if set, is given the dispatcher's metrics
	// collector for the lifetime of the worker.
	PrometheusRegisterer prometheus.Registerer
}

// Validate returns an error if the config cannot drive a Dispatcher.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Dispatcher is the single-writer authority over database update
// registrations. Every mutation of the registry, and every delivery, is
// serialized through its control loop; between any two control messages
// the bidirectional index is consistent. The loop never blocks on a
// subscriber.
type Dispatcher struct {
	catacomb catacomb.Catacomb
	config   Config
	metrics  *Collector

	// requests carries every control message into the loop: register
	// and unregister round-trips, fire-and-forget publishes,
	// subscriber death notices and watchdog exits.
	requests chan interface{}

	// mu guards watchdog, which the control loop replaces whenever
	// the watchdog is respawned.
	mu       sync.Mutex
	watchdog worker.Worker
}

func (d *Dispatcher) setWatchdog(w worker.Worker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchdog = w
}

func (d *Dispatcher) currentWatchdog() worker.Worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watchdog
}

// NewDispatcher returns a running Dispatcher. The caller is responsible
// for killing it, and handling errors from Wait.
func NewDispatcher(config Config) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	d := &Dispatcher{
		config:   config,
		metrics:  NewMetricsCollector(),
		requests: make(chan interface{}, requestBacklog),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &d.catacomb,
		Work: d.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// Kill is part of the worker.Worker interface.
func (d *Dispatcher) Kill() {
	d.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (d *Dispatcher) Wait() error {
	return d.catacomb.Wait()
}

// Register records sub's interest in the named databases, replacing any
// interest recorded by an earlier call. From the first registration
// until sub is unregistered or dies, the dispatcher observes its
// liveness and cleans up automatically on termination. Register with
// dbnotify.AllDatabases to receive every published event.
func (d *Dispatcher) Register(sub dbnotify.Subscriber, databases ...string) error {
	reply := make(chan error, 1)
	if err := d.send(registerRequest{sub: sub, databases: databases, reply: reply}); err != nil {
		return errors.Trace(err)
	}
	select {
	case err := <-reply:
		return errors.Trace(err)
	case <-d.catacomb.Dying():
		return errStopped
	}
}

// Unregister removes all registry state for sub and cancels the
// observation of its liveness. It returns a not-found error, checkable
// with errors.IsNotFound, if sub has no current registration.
func (d *Dispatcher) Unregister(sub dbnotify.Subscriber) error {
	reply := make(chan error, 1)
	if err := d.send(unregisterRequest{sub: sub, reply: reply}); err != nil {
		return errors.Trace(err)
	}
	select {
	case err := <-reply:
		return errors.Trace(err)
	case <-d.catacomb.Dying():
		return errStopped
	}
}

// Publish delivers event to every listener of event.Database and every
// wildcard listener, without duplicates. It does not wait for any
// subscriber: delivery is an enqueue onto each listener's own queue,
// and a listener whose queue is full misses the event. Events published
// after the dispatcher has begun shutdown are discarded.
func (d *Dispatcher) Publish(event dbnotify.Event) {
	_ = d.send(publishRequest{event: event})
}

func (d *Dispatcher) send(request interface{}) error {
	select {
	case d.requests <- request:
		return nil
	case <-d.catacomb.Dying():
		return errStopped
	}
}

type registerRequest struct {
	sub       dbnotify.Subscriber
	databases []string
	reply     chan error
}

type unregisterRequest struct {
	sub   dbnotify.Subscriber
	reply chan error
}

type publishRequest struct {
	event dbnotify.Event
}

// subscriberDeath is posted by an observation goroutine when its
// subscriber terminates. token identifies the observation so that a
// notice overtaken by an unregister is recognized as stale.
type subscriberDeath struct {
	sub   dbnotify.Subscriber
	token *monitor
}

// watchdogExit is posted when the watchdog worker stops for any reason.
type watchdogExit struct {
	err error
}

// monitor is the liveness token for a registered subscriber: the handle
// on the single goroutine observing the subscriber's termination. There
// is at most one live monitor per registered subscriber;
// re-registration reuses it.
type monitor struct {
	stop chan struct{}
}

func (m *monitor) cancel() {
	close(m.stop)
}

func (d *Dispatcher) loop() error {
	if registerer := d.config.PrometheusRegisterer; registerer != nil {
		if err := registerer.Register(d.metrics); err != nil {
			return errors.Trace(err)
		}
		defer registerer.Unregister(d.metrics)
	}

	registry := newRegistry()

	var respawn <-chan time.Time
	if d.config.Source != nil {
		watchdog, err := d.startWatchdog()
		if err != nil {
			return errors.Trace(err)
		}
		d.setWatchdog(watchdog)
	}
	defer func() {
		if watchdog := d.currentWatchdog(); watchdog != nil {
			watchdog.Kill()
			_ = watchdog.Wait()
		}
	}()

	for {
		select {
		case <-d.catacomb.Dying():
			return d.catacomb.ErrDying()
		case request := <-d.requests:
			switch request := request.(type) {
			case registerRequest:
				err := d.register(registry, request.sub, request.databases)
				request.reply <- err
				if err != nil {
					return errors.Trace(err)
				}
			case unregisterRequest:
				err := d.unregister(registry, request.sub)
				request.reply <- err
				if err != nil && !errors.Is(err, errors.NotFound) {
					return errors.Trace(err)
				}
			case publishRequest:
				d.publish(registry, request.event)
			case subscriberDeath:
				if err := d.handleDeath(registry, request); err != nil {
					return errors.Trace(err)
				}
			case watchdogExit:
				d.setWatchdog(nil)
				d.metrics.watchdogFailures.Inc()
				d.config.Logger.Errorf("update source watchdog failed: %v", request.err)
				respawn = d.config.Clock.After(WatchdogRespawnDelay)
			default:
				d.config.Logger.Warningf("ignoring unrecognized request %#v", request)
			}
		case <-respawn:
			respawn = nil
			// A stale timer firing while the watchdog is already
			// running is a no-op.
			if d.currentWatchdog() == nil {
				watchdog, err := d.startWatchdog()
				if err != nil {
					return errors.Trace(err)
				}
				d.setWatchdog(watchdog)
			}
		}
	}
}

// register performs the registration inside the control loop. A
// returned error indicates a corrupted registry and kills the loop.
func (d *Dispatcher) register(r *registry, sub dbnotify.Subscriber, databases []string) error {
	mon := &monitor{stop: make(chan struct{})}
	if entry, ok := r.lookup(sub); ok {
		// Re-registration: replace the channel-set wholesale but keep
		// the existing liveness observation.
		mon = entry.monitor
		if _, err := r.unregister(sub); err != nil {
			return errors.Trace(err)
		}
	} else {
		go d.observe(sub, mon)
	}
	if err := r.register(sub, mon, databases); err != nil {
		return errors.Trace(err)
	}
	d.updateGauges(r)
	return nil
}

// unregister performs the unregistration inside the control loop. A
// not-found error is the caller's answer; any other error indicates a
// corrupted registry and kills the loop.
func (d *Dispatcher) unregister(r *registry, sub dbnotify.Subscriber) error {
	entry, err := r.unregister(sub)
	if err != nil {
		return errors.Trace(err)
	}
	entry.monitor.cancel()
	d.updateGauges(r)
	return nil
}

// handleDeath cleans up after a terminated subscriber, exactly as an
// explicit unregister would, except there is nobody to reply to.
func (d *Dispatcher) handleDeath(r *registry, death subscriberDeath) error {
	entry, ok := r.lookup(death.sub)
	if !ok || entry.monitor != death.token {
		// Stale notice: the subscriber was unregistered, and possibly
		// registered afresh, before the notice was handled.
		return nil
	}
	if _, err := r.unregister(death.sub); err != nil {
		return errors.Trace(err)
	}
	d.config.Logger.Debugf("dead subscriber dropped from %d channel(s)", entry.databases.Size())
	d.updateGauges(r)
	return nil
}

// publish delivers event to the union of the exact-channel listeners
// and the wildcard listeners. Delivery never blocks, so one wedged
// subscriber cannot stall producers or other listeners.
func (d *Dispatcher) publish(r *registry, event dbnotify.Event) {
	d.metrics.published.Inc()
	exact := r.listeners(event.Database)
	for sub := range exact {
		d.deliver(sub, event)
	}
	if event.Database == dbnotify.AllDatabases {
		return
	}
	for sub := range r.listeners(dbnotify.AllDatabases) {
		if exact[sub] {
			continue
		}
		d.deliver(sub, event)
	}
}

func (d *Dispatcher) deliver(sub dbnotify.Subscriber, event dbnotify.Event) {
	select {
	case sub.Updates() <- event:
		d.metrics.delivered.Inc()
	default:
		d.metrics.dropped.Inc()
		d.config.Logger.Warningf("dropping %s event for %q: subscriber queue full", event.Kind, event.Database)
	}
}

// observe watches sub until it terminates or the observation is
// cancelled, posting a death notice so sub's registrations are cleaned
// up without any cooperation from the subscriber itself.
func (d *Dispatcher) observe(sub dbnotify.Subscriber, token *monitor) {
	select {
	case <-sub.Dead():
	case <-token.stop:
		return
	case <-d.catacomb.Dying():
		return
	}
	select {
	case d.requests <- subscriberDeath{sub: sub, token: token}:
	case <-token.stop:
		// Unregistered before the notice could be posted; discard it.
	case <-d.catacomb.Dying():
	}
}

// startWatchdog launches a watchdog over the configured source and a
// goroutine reporting its eventual death back to the control loop.
func (d *Dispatcher) startWatchdog() (worker.Worker, error) {
	w, err := NewWatchdog(WatchdogConfig{
		Clock:  d.config.Clock,
		Logger: d.config.Logger,
		Source: d.config.Source,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	go func() {
		err := w.Wait()
		select {
		case d.requests <- watchdogExit{err: err}:
		case <-d.catacomb.Dying():
		}
	}()
	return w, nil
}

func (d *Dispatcher) updateGauges(r *registry) {
	d.metrics.subscribers.Set(float64(len(r.subscribers)))
	d.metrics.channels.Set(float64(len(r.channels)))
}
