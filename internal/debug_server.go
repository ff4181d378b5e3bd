package internal

import (
	"chat-relay/observability"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// StatsProvider returns the full relay snapshot, registry counts included.
type StatsProvider func() observability.Stats

// NewDebugServer exposes the ops endpoints of the relay:
//
//	/healthz  liveness
//	/stats    JSON snapshot of the relay counters
//	/metrics  Prometheus exposition
func NewDebugServer(address string, monitor *observability.Monitor, stats StatsProvider) *http.Server {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "OK")
	}).Methods(http.MethodGet)

	router.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}).Methods(http.MethodGet)

	router.Handle("/metrics", monitor.Handler()).Methods(http.MethodGet)

	return &http.Server{
		Addr:              address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
