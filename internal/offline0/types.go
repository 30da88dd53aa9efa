package offline0

import (
	"encoding/gob"
	"net/http"
)

// Response is a stored origin response inside a named cache.
type Response struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// OK mirrors the fetch notion of a successful response.
func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// cacheMeta marks the existence of a named cache.
type cacheMeta struct {
	Name      string
	CreatedAt int64 // unix nanoseconds, orders Keys
}

func init() {
	gob.Register(http.Header{})
}
