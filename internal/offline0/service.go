package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ControlPrefix is where the worker's own endpoints live. Everything else is
// intercepted.
const ControlPrefix = "/_offline0"

const maxPushPayload = 64 << 10

type Service struct {
	cfg Config
	log *zap.Logger

	caches  *CacheStorage
	net     *network
	clients *ClientHub
	notes   *NotificationCenter
	worker  *Worker
	bridge  *Bridge
	events  *dispatcher
	metrics *metrics

	netLog *rateLimitedLogger

	// in-flight events
	wg sync.WaitGroup
}

// NewService opens the on-disk cache storage at cfg.Cache.Path.
func NewService(cfg Config, log *zap.Logger) (*Service, error) {
	caches, err := OpenCacheStorage(cfg.Cache.Path)
	if err != nil {
		return nil, err
	}
	return NewServiceWithStorage(cfg, log, caches), nil
}

// NewServiceWithStorage builds the service around an already opened storage,
// which the service then owns.
func NewServiceWithStorage(cfg Config, log *zap.Logger, caches *CacheStorage) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		caches:  caches,
		net:     newNetwork(cfg.Server.Origin, cfg.Fetch.timeoutDur, cfg.Fetch.maxBodySize),
		metrics: newMetrics(),
	}
	s.netLog = newRateLimitedLogger(log.Named("fetch"), time.Minute)
	s.events = &dispatcher{
		log:     log.Named("events"),
		metrics: s.metrics,
		track: func() func() {
			s.wg.Add(1)
			return s.wg.Done
		},
	}

	s.clients = NewClientHub(log.Named("clients"))
	s.clients.onCount = func(n int) { s.metrics.clients.Set(float64(n)) }
	s.notes = NewNotificationCenter(s.clients, cfg.Notifications.Permission)
	s.clients.onConnect = s.notes.replay

	s.worker = newWorker(cfg.Cache.Name, cfg.Cache.Manifest, caches, s.net.following(), s.clients, s.events, log.Named("lifecycle"), s.metrics)
	s.bridge = newBridge(cfg.Notifications, s.notes, s.clients, s.events, log.Named("push"), s.metrics)
	return s
}

func (s *Service) Worker() *Worker { return s.worker }

func (s *Service) Bridge() *Bridge { return s.bridge }

func (s *Service) Clients() *ClientHub { return s.clients }

func (s *Service) Caches() *CacheStorage { return s.caches }

// Register installs and activates the worker if it is not active yet.
func (s *Service) Register(ctx context.Context) (State, error) {
	return s.worker.Register(ctx)
}

// Close disconnects pages, waits for in-flight events and closes storage.
func (s *Service) Close() error {
	s.clients.Close()
	s.wg.Wait()
	return s.caches.Close()
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Get("/state", s.handleState)
		r.Post("/push", s.handlePush)
		r.Get("/notifications", s.handleNotifications)
		r.Post("/notifications/{id}/click", s.handleClick)
		r.Get("/clients", s.clients.Serve)
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	})
	r.NotFound(s.intercept)
	r.MethodNotAllowed(s.intercept)
	return r
}

type stateResponse struct {
	State   string `json:"state"`
	Cache   string `json:"cache"`
	Clients int    `json:"clients"`
	Error   string `json:"error,omitempty"`
}

func (s *Service) stateResponse(err error) stateResponse {
	out := stateResponse{
		State:   s.worker.State().String(),
		Cache:   s.worker.CacheName(),
		Clients: s.clients.Count(),
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	_, err := s.Register(r.Context())
	if err != nil {
		s.log.Error("registration failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, s.stateResponse(err))
		return
	}
	writeJSON(w, http.StatusOK, s.stateResponse(nil))
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stateResponse(nil))
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(raw) > maxPushPayload {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("push payload too large"))
		return
	}

	n, err := s.bridge.HandlePush(r.Context(), raw)
	switch {
	case errors.Is(err, ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusCreated, n)
	}
}

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.notes.Displayed())
}

func (s *Service) handleClick(w http.ResponseWriter, r *http.Request) {
	opened, err := s.bridge.HandleClick(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, ErrNotificationNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"client": opened})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
