package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nczempin/httploop/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// poster runs a function on the loop goroutine.
type poster interface {
	Post(fn func())
}

// adminRouter serves the Prometheus registry and live-object snapshots. It
// runs on net/http goroutines, so anything touching engine objects is posted
// to the loop.
func adminRouter(gatherer prometheus.Gatherer, live *registry.Registry, l poster) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/debug/live", liveHandler(live, l))
	return r
}

type liveResponse struct {
	Count   int                 `json:"count"`
	Objects []registry.Snapshot `json:"objects"`
}

func liveHandler(live *registry.Registry, l poster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		done := make(chan []registry.Snapshot, 1)
		l.Post(func() { done <- live.Capture() })

		var snaps []registry.Snapshot
		select {
		case snaps = <-done:
		case <-r.Context().Done():
			http.Error(w, "event loop did not answer", http.StatusServiceUnavailable)
			return
		}
		if snaps == nil {
			snaps = []registry.Snapshot{}
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(liveResponse{Count: len(snaps), Objects: snaps})
	}
}
