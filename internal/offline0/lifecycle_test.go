package offline0

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeController struct {
	mu       sync.Mutex
	claims   int
	claimErr error
}

func (f *fakeController) Claim(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	return f.claimErr
}

func (f *fakeController) WaitIdle(context.Context) error { return nil }

func newTestWorker(t *testing.T, name string, caches *CacheStorage, f Fetcher, ctl controller) *Worker {
	t.Helper()
	return newWorker(name, []string{"/", "/index.html", "/style.css"}, caches, f, ctl, testDispatcher(), zap.NewNop(), newMetrics())
}

func TestInstallCachesEveryManifestAsset(t *testing.T) {
	ctx := context.Background()
	origin := newTestOrigin(t)
	caches := newMemStorage(t)
	t.Cleanup(func() { _ = caches.Close() })

	w := newTestWorker(t, "v1", caches, newNetwork(origin.URL, time.Second, 0), &fakeController{})
	require.NoError(t, w.Install(ctx))
	assert.Equal(t, StateInstalled, w.State())
	assert.True(t, w.skipWaiting.Load())

	cache, err := caches.Open(ctx, "v1")
	require.NoError(t, err)
	for _, u := range w.manifest {
		resp, ok, err := cache.Match(ctx, u)
		require.NoError(t, err)
		require.True(t, ok, u)
		assert.True(t, resp.OK())
	}
}

func TestInstallFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	origin := newTestOrigin(t)
	origin.setStatus("/style.css", http.StatusInternalServerError)
	caches := newMemStorage(t)
	t.Cleanup(func() { _ = caches.Close() })

	w := newTestWorker(t, "v1", caches, newNetwork(origin.URL, time.Second, 0), &fakeController{})
	err := w.Install(ctx)
	require.ErrorIs(t, err, ErrBadStatus)
	assert.Equal(t, StateUninstalled, w.State())
	assert.False(t, w.skipWaiting.Load())

	cache, err := caches.Open(ctx, "v1")
	require.NoError(t, err)
	keys, err := cache.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	// a later attempt may succeed
	origin.setStatus("/style.css", 0)
	require.NoError(t, w.Install(ctx))
	assert.Equal(t, StateInstalled, w.State())
}

func TestActivateDeletesStaleGenerations(t *testing.T) {
	ctx := context.Background()
	origin := newTestOrigin(t)
	caches := newMemStorage(t)
	t.Cleanup(func() { _ = caches.Close() })

	for _, old := range []string{"minha-rotina-cache-v1", "other"} {
		c, err := caches.Open(ctx, old)
		require.NoError(t, err)
		_, err = c.AddAll(ctx, failingFetcher{}, []string{"/index.html"})
		require.NoError(t, err)
	}

	ctl := &fakeController{}
	w := newTestWorker(t, "minha-rotina-cache-v2", caches, newNetwork(origin.URL, time.Second, 0), ctl)
	require.NoError(t, w.Install(ctx))
	require.NoError(t, w.Activate(ctx))
	assert.Equal(t, StateActive, w.State())
	assert.Equal(t, 1, ctl.claims)

	names, err := caches.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"minha-rotina-cache-v2"}, names)

	cache, ok := w.controlling()
	require.True(t, ok)
	keys, err := cache.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, w.manifest, keys)

	active, err := caches.activeVersion()
	require.NoError(t, err)
	assert.Equal(t, "minha-rotina-cache-v2", active)
}

func TestActivateFailureKeepsWorkerInstalled(t *testing.T) {
	ctx := context.Background()
	caches := newMemStorage(t)
	t.Cleanup(func() { _ = caches.Close() })

	ctl := &fakeController{claimErr: errors.New("claim refused")}
	w := newTestWorker(t, "v2", caches, failingFetcher{}, ctl)
	require.NoError(t, w.Install(ctx))

	require.Error(t, w.Activate(ctx))
	assert.Equal(t, StateInstalled, w.State())
	_, ok := w.controlling()
	assert.False(t, ok)

	// an unfinished activation is not restored after a restart
	active, err := caches.activeVersion()
	require.NoError(t, err)
	assert.Empty(t, active)
	restored, err := newTestWorker(t, "v2", caches, failingFetcher{}, &fakeController{}).restore(ctx)
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestActivateFailsWhenStaleCachesCannotBeDeleted(t *testing.T) {
	ctx := context.Background()
	caches := newMemStorage(t)

	old, err := caches.Open(ctx, "v1")
	require.NoError(t, err)
	_, err = old.AddAll(ctx, failingFetcher{}, []string{"/index.html"})
	require.NoError(t, err)

	ctl := &fakeController{}
	w := newTestWorker(t, "v2", caches, failingFetcher{}, ctl)
	require.NoError(t, w.Install(ctx))
	require.NoError(t, caches.Close())

	require.Error(t, w.Activate(ctx))
	assert.Equal(t, StateInstalled, w.State())
	_, ok := w.controlling()
	assert.False(t, ok)
	assert.Zero(t, ctl.claims)
}

func TestLifecycleRejectsOutOfOrderSteps(t *testing.T) {
	ctx := context.Background()
	caches := newMemStorage(t)
	t.Cleanup(func() { _ = caches.Close() })

	w := newTestWorker(t, "v1", caches, failingFetcher{}, &fakeController{})
	require.ErrorIs(t, w.Activate(ctx), ErrInvalidState)

	require.NoError(t, w.Install(ctx))
	require.ErrorIs(t, w.Install(ctx), ErrInvalidState)
}

func TestRegisterInstallsActivatesAndRestores(t *testing.T) {
	ctx := context.Background()
	origin := newTestOrigin(t)
	caches := newMemStorage(t)
	t.Cleanup(func() { _ = caches.Close() })
	net := newNetwork(origin.URL, time.Second, 0)

	w := newTestWorker(t, "v1", caches, net, &fakeController{})
	state, err := w.Register(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)

	state, err = w.Register(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
	assert.Equal(t, 3, origin.totalHits(), "an active worker is not reinstalled")

	// a new process over the same storage picks the active generation up
	origin.reset()
	ctl := &fakeController{}
	restarted := newTestWorker(t, "v1", caches, net, ctl)
	state, err = restarted.Register(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
	assert.Zero(t, origin.totalHits())
	assert.Equal(t, 1, ctl.claims)

	// bumping the name installs a new generation and retires v1
	bumped := newTestWorker(t, "v2", caches, net, &fakeController{})
	state, err = bumped.Register(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
	names, err := caches.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, names)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "installed", StateInstalled.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "State(9)", State(9).String())
}
