package feed

import (
	"net/http"
	"strings"
	"time"

	c "github.com/unkn0wn-root/offgrid/codec"
)

type listing struct {
	Points   []Point   `json:"points"`
	LoadedAt time.Time `json:"loaded_at"`
	Stale    bool      `json:"stale"`
}

// Handler serves the latest snapshot as JSON. A comma separated "ids" query
// parameter narrows the result to those marker IDs (favorites).
func Handler(cl *Client) http.Handler {
	enc := c.JSON[listing]{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap, err := cl.Load(r.Context())
		if err != nil {
			http.Error(w, "feed unavailable", http.StatusBadGateway)
			return
		}
		points := snap.Points
		if ids := r.URL.Query().Get("ids"); ids != "" {
			points = Filter(points, strings.Split(ids, ","))
		}
		if points == nil {
			points = []Point{}
		}
		b, err := enc.Encode(listing{Points: points, LoadedAt: snap.LoadedAt, Stale: snap.Stale})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(b)
	})
}
