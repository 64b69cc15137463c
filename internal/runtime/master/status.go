package master

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/drblury/rflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rflow/internal/runtime/logging"
	"github.com/drblury/rflow/internal/runtime/shard"
)

// Status is a snapshot of everything the master supervises.
type Status struct {
	Application string         `json:"application"`
	Pid         int            `json:"pid"`
	StartedAt   time.Time      `json:"started_at"`
	Shards      []shard.Status `json:"shards"`
	Brokers     []BrokerStatus `json:"brokers"`
	Resources   ResourceUsage  `json:"resources"`
}

// Status returns the current supervision state.
func (m *Master) Status() Status {
	m.mu.Lock()
	startedAt := m.startedAt
	m.mu.Unlock()

	st := Status{
		Application: m.settings.ApplicationName,
		Pid:         os.Getpid(),
		StartedAt:   startedAt,
		Shards:      make([]shard.Status, 0, len(m.shards)),
		Brokers:     make([]BrokerStatus, 0, len(m.brokers)),
		Resources:   m.resources.Snapshot(),
	}
	for _, s := range m.shards {
		st.Shards = append(st.Shards, s.Status())
	}
	for _, b := range m.brokers {
		st.Brokers = append(st.Brokers, b.status())
	}
	return st
}

// StatusHandler serves /api/status, /api/shards and /api/brokers.
func (m *Master) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", m.handle(func() any { return m.Status() }))
	mux.HandleFunc("/api/shards", m.handle(func() any { return m.Status().Shards }))
	mux.HandleFunc("/api/brokers", m.handle(func() any { return m.Status().Brokers }))
	return mux
}

func (m *Master) handle(snapshot func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if len(m.settings.WebUICORSAllowedOrigins) > 0 {
			if allowed := m.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet, http.MethodHead:
		default:
			w.Header().Set("Allow", "GET, OPTIONS")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := jsoncodec.Encode(w, snapshot()); err != nil {
			m.logger.Error("Failed to encode status", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for a
// request origin, or "" when it is not allowed.
func (m *Master) allowedCORSOrigin(origin string) string {
	for _, allowed := range m.settings.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

func (m *Master) serveStatus(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(m.settings.WebUIPort),
		Handler:           m.StatusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	m.logger.Info("Status API listening", loggingpkg.LogFields{"addr": srv.Addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
