package offline0

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// network talks to the origin the worker fronts.
type network struct {
	origin  string
	client  *http.Client
	maxBody int64
}

// newNetwork returns a network that hands redirects back to the caller
// instead of following them, so pages see the 3xx with its Location and
// cookies.
func newNetwork(origin string, timeout time.Duration, maxBody int64) *network {
	return &network{
		origin: origin,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody: maxBody,
	}
}

// following returns a copy of n that follows redirects. Precaching uses it.
func (n *network) following() *network {
	c := *n.client
	c.CheckRedirect = nil
	return &network{origin: n.origin, client: &c, maxBody: n.maxBody}
}

// Fetch forwards req to the origin and buffers the whole response. Relative
// request URLs resolve against the origin.
func (n *network) Fetch(ctx context.Context, r *http.Request) (Response, error) {
	originURL := n.origin + r.URL.RequestURI()

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, originURL, body)
	if err != nil {
		return Response{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.ContentLength = r.ContentLength
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := n.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if n.maxBody > 0 {
		reader = io.LimitReader(resp.Body, n.maxBody+1)
	}
	b, err := io.ReadAll(reader)
	if err != nil {
		return Response{}, fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}
	if n.maxBody > 0 && int64(len(b)) > n.maxBody {
		return Response{}, fmt.Errorf("%s: %w", r.URL.RequestURI(), ErrBodyTooLarge)
	}

	out := Response{
		URL:      r.URL.RequestURI(),
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
	}
	out.Header.Del("Content-Length")
	return out, nil
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}

// cookieHeaders never leave the origin response they came with.
var cookieHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// storableHeader is the part of an origin response header that may be
// replayed from a shared cache.
func storableHeader(h http.Header) http.Header {
	out := cloneHeader(h)
	for _, k := range cookieHeaders {
		out.Del(k)
	}
	return out
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		if isHopHeader(k) {
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}
