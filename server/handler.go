package server

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"livetrack.dev/store"
)

const (
	defaultHistoryLimit    = 100
	defaultAllHistoryLimit = 1000
	maxHistoryLimit        = 10000
)

// Handler serves the HTTP surface: health, the analytics/history API and the
// websocket endpoint.
type Handler struct {
	srv      *Server
	store    *store.Store
	secret   string
	upgrader websocket.Upgrader
}

// NewHandler wires the broker and store into an HTTP handler. An empty
// origins list allows any origin; an empty secret leaves the analytics API
// ungated (local use).
func NewHandler(srv *Server, st *store.Store, secret string, origins []string) *Handler {
	return &Handler{
		srv:    srv,
		store:  st,
		secret: secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// non-browser client
			return true
		}
		return allowed[origin]
	}
}

// Routes builds the router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(withCors)

	r.Get("/health", h.health)
	r.Get("/ws", h.websocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.gate)
		r.Get("/analytics", h.analytics)
		r.Get("/history", h.allHistory)
		r.Get("/history/{connectionID}", h.history)
	})

	return r
}

func withCors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Analytics-Secret")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// gate checks the shared analytics secret, passed as a header or query param.
func (h *Handler) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.secret != "" {
			got := r.Header.Get("X-Analytics-Secret")
			if got == "" {
				got = r.URL.Query().Get("secret")
			}
			if got != h.secret {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) websocket(w http.ResponseWriter, r *http.Request) {
	ServeWebSocket(w, r, h.srv, h.upgrader)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	var totalLocations, totalUsers int
	if h.store != nil {
		var err error
		totalLocations, totalUsers, err = h.store.Totals()
		if err != nil {
			log.Printf("[server] health totals: %v", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"activeConnections": h.srv.Active(),
		"trackedUsers":      h.srv.Tracked(),
		"database": map[string]interface{}{
			"totalLocations": totalLocations,
			"totalUsers":     totalUsers,
		},
	})
}

func (h *Handler) analytics(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics unavailable")
		return
	}

	a, err := h.store.Analytics()
	if err != nil {
		log.Printf("[server] analytics: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}

	id := chi.URLParam(r, "connectionID")
	limit := parseLimit(r, defaultHistoryLimit)

	points, err := h.store.History(id, limit)
	if err != nil {
		log.Printf("[server] history %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, points)
}

func (h *Handler) allHistory(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}

	limit := parseLimit(r, defaultAllHistoryLimit)

	start, ok := parseDate(r.URL.Query().Get("startDate"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid startDate")
		return
	}
	end, ok := parseDate(r.URL.Query().Get("endDate"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid endDate")
		return
	}

	entries, err := h.store.AllHistory(limit, start, end)
	if err != nil {
		log.Printf("[server] all history: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func parseLimit(r *http.Request, def int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

// parseDate accepts RFC3339 or a plain date. Empty means unset.
func parseDate(v string) (*time.Time, bool) {
	if v == "" {
		return nil, true
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, true
		}
	}
	return nil, false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
