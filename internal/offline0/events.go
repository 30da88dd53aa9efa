package offline0

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Event names handlers are dispatched under.
const (
	EventInstall           = "install"
	EventActivate          = "activate"
	EventFetch             = "fetch"
	EventPush              = "push"
	EventNotificationClick = "notificationclick"
)

// ExtendableEvent carries the pending work of one dispatched event. The event
// is not finished until every function passed to WaitUntil has returned.
type ExtendableEvent struct {
	Name string
	ctx  context.Context
	g    *errgroup.Group
}

// WaitUntil extends the event's lifetime until fn returns. The first error
// fails the event.
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.g.Go(func() error { return fn(e.ctx) })
}

// Context is cancelled once any pending work has failed.
func (e *ExtendableEvent) Context() context.Context { return e.ctx }

type dispatcher struct {
	log     *zap.Logger
	metrics *metrics
	// tracks in-flight events so shutdown does not cut one short
	track func() (done func())
}

// dispatch runs handler and blocks until all work it registered resolves.
func (d *dispatcher) dispatch(ctx context.Context, name string, handler func(ev *ExtendableEvent)) error {
	done := d.track()
	defer done()

	g, gctx := errgroup.WithContext(ctx)
	ev := &ExtendableEvent{Name: name, ctx: gctx, g: g}

	start := time.Now()
	handler(ev)
	err := g.Wait()

	d.metrics.observeEvent(name, err, time.Since(start))
	if err != nil {
		d.log.Debug("event failed", zap.String("event", name), zap.Error(err))
	}
	return err
}
