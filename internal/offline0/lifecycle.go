package offline0

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of the worker.
type State int32

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled // waiting
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// controller is what the worker needs from the set of client pages.
type controller interface {
	Claim(ctx context.Context) error
	WaitIdle(ctx context.Context) error
}

// Worker owns one cache generation and moves it through
// uninstalled → installing → installed → activating → active.
type Worker struct {
	cacheName string
	manifest  []string

	caches  *CacheStorage
	net     Fetcher
	clients controller
	events  *dispatcher
	log     *zap.Logger
	metrics *metrics

	// serializes Register
	regMu sync.Mutex

	state       atomic.Int32
	skipWaiting atomic.Bool
	cache       atomic.Pointer[Cache]
}

func newWorker(cacheName string, manifest []string, caches *CacheStorage, net Fetcher, clients controller, events *dispatcher, log *zap.Logger, m *metrics) *Worker {
	return &Worker{
		cacheName: cacheName,
		manifest:  manifest,
		caches:    caches,
		net:       net,
		clients:   clients,
		events:    events,
		log:       log,
		metrics:   m,
	}
}

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) CacheName() string { return w.cacheName }

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.metrics.state.Set(float64(s))
	w.log.Debug("state changed", zap.Stringer("state", s))
}

func (w *Worker) transition(from, to State) error {
	if !w.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, w.State(), from)
	}
	w.metrics.state.Set(float64(to))
	return nil
}

// SkipWaiting asks for activation without waiting for existing pages to go away.
func (w *Worker) SkipWaiting() { w.skipWaiting.Store(true) }

// Install populates the current cache with the manifest. If any asset cannot
// be fetched nothing is stored and the worker returns to uninstalled.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateUninstalled, StateInstalling); err != nil {
		return err
	}
	w.log.Info("installing", zap.String("cache", w.cacheName), zap.Int("assets", len(w.manifest)))

	err := w.events.dispatch(ctx, EventInstall, func(ev *ExtendableEvent) {
		ev.WaitUntil(func(ctx context.Context) error {
			cache, err := w.caches.Open(ctx, w.cacheName)
			if err != nil {
				return err
			}
			size, err := cache.AddAll(ctx, w.net, w.manifest)
			if err != nil {
				return fmt.Errorf("precache %q: %w", w.cacheName, err)
			}
			w.cache.Store(cache)
			w.log.Info("assets cached",
				zap.String("cache", w.cacheName),
				zap.Int("assets", len(w.manifest)),
				zap.String("size", formatBytes(uint64(size))),
			)
			w.SkipWaiting()
			return nil
		})
	})
	if err != nil {
		w.setState(StateUninstalled)
		return err
	}
	w.setState(StateInstalled)
	return nil
}

// Activate removes every cache generation other than the current one, then
// takes control of all connected pages.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	w.log.Info("activating", zap.String("cache", w.cacheName))

	err := w.events.dispatch(ctx, EventActivate, func(ev *ExtendableEvent) {
		ev.WaitUntil(func(ctx context.Context) error {
			if err := w.deleteStaleCaches(ctx); err != nil {
				return err
			}
			w.log.Debug("claiming clients")
			if err := w.clients.Claim(ctx); err != nil {
				return err
			}
			// Only a finished activation may be restored after a restart.
			if err := w.caches.setActiveVersion(w.cacheName); err != nil {
				w.log.Warn("persist active cache", zap.String("cache", w.cacheName), zap.Error(err))
			}
			return nil
		})
	})
	if err != nil {
		w.setState(StateInstalled)
		return err
	}
	w.setState(StateActive)
	return nil
}

func (w *Worker) deleteStaleCaches(ctx context.Context) error {
	names, err := w.caches.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if name == w.cacheName {
			continue
		}
		g.Go(func() error {
			w.log.Info("deleting stale cache", zap.String("cache", name))
			if _, err := w.caches.Delete(gctx, name); err != nil {
				return fmt.Errorf("delete cache %q: %w", name, err)
			}
			w.metrics.cachesDeleted.Inc()
			return nil
		})
	}
	return g.Wait()
}

// Register is what a page registering the worker triggers: install when
// needed, then activate. A worker already active for the current cache
// generation is restored without reinstalling.
func (w *Worker) Register(ctx context.Context) (State, error) {
	w.regMu.Lock()
	defer w.regMu.Unlock()

	if w.State() == StateUninstalled {
		restored, err := w.restore(ctx)
		if err != nil {
			return w.State(), err
		}
		if restored {
			return w.State(), nil
		}
		if err := w.Install(ctx); err != nil {
			return w.State(), err
		}
	}

	if w.State() == StateInstalled {
		if !w.skipWaiting.Load() {
			w.log.Info("waiting for clients to close")
			if err := w.clients.WaitIdle(ctx); err != nil {
				return w.State(), err
			}
		}
		if err := w.Activate(ctx); err != nil {
			return w.State(), err
		}
	}
	return w.State(), nil
}

func (w *Worker) restore(ctx context.Context) (bool, error) {
	active, err := w.caches.activeVersion()
	if err != nil || active != w.cacheName {
		return false, err
	}
	ok, err := w.caches.Has(ctx, w.cacheName)
	if err != nil || !ok {
		return false, err
	}
	cache, err := w.caches.Open(ctx, w.cacheName)
	if err != nil {
		return false, err
	}
	if err := w.clients.Claim(ctx); err != nil {
		return false, err
	}
	w.cache.Store(cache)
	w.setState(StateActive)
	w.log.Info("restored active worker", zap.String("cache", w.cacheName))
	return true, nil
}

// controlling returns the current cache once the worker controls pages.
func (w *Worker) controlling() (*Cache, bool) {
	if w.State() != StateActive {
		return nil, false
	}
	c := w.cache.Load()
	return c, c != nil
}
