package client

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/duelsync/go/internal/duel/events"
	"github.com/mcdev12/duelsync/go/internal/duel/gateway"
	"github.com/mcdev12/duelsync/go/internal/duel/matchsync"
)

// StateSnapshot is the body of GET /debug/state
type StateSnapshot struct {
	Connection        gateway.Status         `json:"connection"`
	ReconnectAttempts int                    `json:"reconnectAttempts"`
	NextRetryMillis   int64                  `json:"nextRetryMs,omitempty"`
	QueueLength       int                    `json:"queueLength"`
	Searching         bool                   `json:"searching"`
	Match             *matchsync.Match       `json:"match,omitempty"`
	MyStatus          matchsync.PlayerStatus `json:"myStatus,omitempty"`
	Message           string                 `json:"message,omitempty"`
	IdleRemaining     int                    `json:"idleRemaining"`
	Frozen            map[string]int         `json:"frozen,omitempty"`
	Combo             int                    `json:"combo"`
	Results           *matchsync.Results     `json:"results,omitempty"`
}

// DebugHandler serves metrics and engine state for local inspection
func (a *App) DebugHandler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /debug/state", a.handleState)
	mux.HandleFunc("GET /debug/events", a.handleEvents)
	mux.HandleFunc("GET /debug/queue", a.handleQueueList)
	mux.HandleFunc("DELETE /debug/queue", a.handleQueueRemove)

	origins := []string{"*"}
	if a.cfg != nil && len(a.cfg.Debug.AllowedOrigins) > 0 {
		origins = a.cfg.Debug.AllowedOrigins
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodDelete,
		},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"*"},
	})

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

func (a *App) handleState(w http.ResponseWriter, r *http.Request) {
	count, err := a.Manager.QueueCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	snap := StateSnapshot{
		Connection:        a.Manager.Status(),
		ReconnectAttempts: a.Manager.ReconnectAttempts(),
		NextRetryMillis:   a.Manager.NextRetryIn().Milliseconds(),
		QueueLength:       count,
		Searching:         a.Match.Searching(),
		Match:             a.Match.Match(),
		Message:           a.Match.StatusMessage(),
		IdleRemaining:     a.Match.IdleRemaining(),
		Frozen:            a.Match.Frozen(),
		Combo:             a.Match.Combo(),
		Results:           a.Match.Results(),
	}
	if snap.Match != nil {
		snap.MyStatus = a.Match.MyStatus()
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	recent := a.Match.RecentEvents()
	if recent == nil {
		recent = []matchsync.DebugEvent{}
	}
	writeJSON(w, http.StatusOK, recent)
}

func (a *App) handleQueueList(w http.ResponseWriter, r *http.Request) {
	items, err := a.Manager.QueueList(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []events.Submission{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *App) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	removed, err := a.Manager.RemoveQueued(r.Context(), index)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, removed)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to write debug response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
