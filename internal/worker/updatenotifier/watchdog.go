// Copyright 2025 lostnet.
// Licensed under the AGPLv3, see LICENCE file for details.

package updatenotifier

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

// WatchdogInterval is how often the watchdog polls the update source
// for attached observers.
const WatchdogInterval = 5 * time.Second

// ErrWatchdogRestart is the distinguished reason given to the update
// source when the watchdog forces it to restart.
var ErrWatchdogRestart = errors.New("restarted by update notifier watchdog")

// Source is the external change-notification source supervised by the
// watchdog.
type Source interface {
	// HasObservers reports whether any observers are currently
	// attached to the source.
	HasObservers() bool

	// ForceRestart terminates the source abnormally with the given
	// reason. The source's own supervisor is expected to bring it
	// back in a known-good state; a restart is the only safe recovery
	// for a source whose observer list may be wedged.
	ForceRestart(reason error)
}

// WatchdogConfig defines the operation of a Watchdog.
type WatchdogConfig struct {
	Clock  clock.Clock
	Logger Logger
	Source Source
}

// Validate returns an error if the config cannot drive a Watchdog.
func (config WatchdogConfig) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Source == nil {
		return errors.NotValidf("nil Source")
	}
	return nil
}

// Watchdog forces the update source to restart on a fixed interval
// while the source has observers attached. It runs until killed; it has
// no successful exit of its own.
type Watchdog struct {
	catacomb catacomb.Catacomb
	config   WatchdogConfig
}

// NewWatchdog returns a running Watchdog supervising the configured
// source.
func NewWatchdog(config WatchdogConfig) (*Watchdog, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Watchdog{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Watchdog) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Watchdog) Wait() error {
	return w.catacomb.Wait()
}

func (w *Watchdog) loop() error {
	timer := w.config.Clock.NewTimer(WatchdogInterval)
	defer timer.Stop()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			if w.config.Source.HasObservers() {
				w.config.Logger.Infof("update source has observers attached, forcing restart")
				w.config.Source.ForceRestart(ErrWatchdogRestart)
			}
			timer.Reset(WatchdogInterval)
		}
	}
}
