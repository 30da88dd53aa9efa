package offline0

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// X-Offline0 values.
const (
	resultHit        = "hit"
	resultMiss       = "miss"
	resultBypass     = "bypass"
	resultBadGateway = "bad-gateway"
)

// intercept serves controlled GET requests cache-first. Misses go to the
// network and are never written back to the cache.
func (s *Service) intercept(w http.ResponseWriter, r *http.Request) {
	cache, controlled := s.worker.controlling()
	if !controlled || r.Method != http.MethodGet || s.cfg.bypassed(r.URL.RequestURI()) {
		s.passThrough(w, r)
		return
	}

	var (
		resp   Response
		result string
	)
	err := s.events.dispatch(r.Context(), EventFetch, func(ev *ExtendableEvent) {
		ev.WaitUntil(func(ctx context.Context) error {
			cached, ok, err := cache.Match(ctx, r.URL.RequestURI())
			if err != nil {
				// A broken entry is treated as a miss.
				s.log.Warn("cache lookup failed", zap.String("url", r.URL.RequestURI()), zap.Error(err))
			}
			if ok {
				resp, result = cached, resultHit
				return nil
			}
			fresh, err := s.net.Fetch(ctx, r)
			if err != nil {
				return err
			}
			resp, result = fresh, resultMiss
			return nil
		})
	})
	if err != nil {
		s.badGateway(w, r, err)
		return
	}
	s.writeResponse(w, resp, result)
}

// passThrough forwards the request untouched by the cache.
func (s *Service) passThrough(w http.ResponseWriter, r *http.Request) {
	resp, err := s.net.Fetch(r.Context(), r)
	if err != nil {
		s.badGateway(w, r, err)
		return
	}
	s.writeResponse(w, resp, resultBypass)
}

func (s *Service) badGateway(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, context.Canceled) {
		s.netLog.Warn("network fetch failed",
			zap.String("method", r.Method),
			zap.String("url", r.URL.RequestURI()),
			zap.Error(err),
		)
	}
	s.metrics.observeFetch(resultBadGateway, 0)
	setOfflineHeaders(w.Header(), resultBadGateway)
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func (s *Service) writeResponse(w http.ResponseWriter, resp Response, result string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "x-offline0") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOfflineHeaders(w.Header(), result)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
	s.metrics.observeFetch(result, len(resp.Body))
}

func setOfflineHeaders(h http.Header, result string) {
	if result != "" {
		h.Set("X-Offline0", result)
	}
	// Browser code can only read custom headers on CORS responses when exposed.
	ensureExposedHeader(h, "X-Offline0")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := strings.Join(h.Values(expose), ",")
	if strings.TrimSpace(cur) == "" {
		h.Set(expose, name)
		return
	}
	for _, part := range strings.Split(cur, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(cur)+", "+name)
}
