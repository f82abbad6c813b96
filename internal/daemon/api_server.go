package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"strand/internal/config"
	"strand/internal/logging"
	"strand/internal/recordings"
	"strand/internal/supervisor"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

type startRecordingRequest struct {
	StreamRef   string `json:"stream_ref"`
	ProducerRef string `json:"producer_ref,omitempty"`
}

type addProxyRequest struct {
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

type proxyTestResponse struct {
	ProxyID   int64                   `json:"proxy_id"`
	Status    recordings.HealthStatus `json:"status"`
	LatencyMS float64                 `json:"latency_ms"`
	Error     string                  `json:"error,omitempty"`
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", srv.handleStatus)
	mux.HandleFunc("/api/recordings", srv.handleRecordings)
	mux.HandleFunc("/api/recordings/", srv.handleRecording)
	mux.HandleFunc("/api/proxies", srv.handleProxies)
	mux.HandleFunc("/api/proxies/", srv.handleProxyAction)
	mux.HandleFunc("/api/events", srv.handleEvents)

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil || s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil || s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)

	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	s.mu.Unlock()
}

func (s *apiServer) addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleRecordings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRecordings(w, r)
	case http.MethodPost:
		s.startRecording(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) listRecordings(w http.ResponseWriter, r *http.Request) {
	var states []recordings.State
	for _, value := range r.URL.Query()["state"] {
		state, ok := recordings.ParseState(value)
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", value))
			return
		}
		states = append(states, state)
	}

	recs, err := s.daemon.store.RecordingsInStates(r.Context(), states...)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summaries := make([]recordings.RecordingSummary, 0, len(recs))
	for _, rec := range recs {
		summaries = append(summaries, rec.Summary())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"recordings": summaries})
}

func (s *apiServer) startRecording(w http.ResponseWriter, r *http.Request) {
	var req startRecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.StreamRef) == "" {
		s.writeError(w, http.StatusBadRequest, "stream_ref is required")
		return
	}

	rec, err := s.daemon.supervisor.StartRecording(r.Context(), req.StreamRef, req.ProducerRef)
	if err != nil {
		switch {
		case errors.Is(err, supervisor.ErrAlreadyActive):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, supervisor.ErrNotLive):
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, supervisor.ErrNotAccepting):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"recording": rec.Summary()})
}

func (s *apiServer) handleRecording(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/recordings/")
	idStr, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid recording id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		rec, err := s.daemon.store.GetRecording(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rec == nil {
			s.writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"recording": rec.Summary()})
	case action == "stop" && r.Method == http.MethodPost:
		if err := s.daemon.supervisor.StopRecording(r.Context(), id); err != nil {
			if errors.Is(err, supervisor.ErrNotActive) {
				s.writeError(w, http.StatusConflict, err.Error())
				return
			}
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		rec, err := s.daemon.store.GetRecording(r.Context(), id)
		if err != nil || rec == nil {
			s.writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"recording": rec.Summary()})
	case action == "retry" && r.Method == http.MethodPost:
		if err := s.daemon.store.RetryPipeline(r.Context(), id); err != nil {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		rec, err := s.daemon.store.GetRecording(r.Context(), id)
		if err != nil || rec == nil {
			s.writeJSON(w, http.StatusOK, map[string]any{"retried": true})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"recording": rec.Summary()})
	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *apiServer) handleProxies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		proxies, err := s.daemon.store.ListProxies(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"proxies": proxies})
	case http.MethodPost:
		var req addProxyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.URL) == "" {
			s.writeError(w, http.StatusBadRequest, "url is required")
			return
		}
		proxy, err := s.daemon.store.AddProxy(r.Context(), req.URL, req.Priority)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusCreated, map[string]any{"proxy": proxy})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleProxyAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/proxies/")
	idStr, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid proxy id")
		return
	}

	proxy, err := s.daemon.store.GetProxy(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if proxy == nil {
		s.writeError(w, http.StatusNotFound, "proxy not found")
		return
	}

	switch action {
	case "enable", "disable":
		if err := s.daemon.store.SetProxyEnabled(r.Context(), id, action == "enable"); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		proxy, err = s.daemon.store.GetProxy(r.Context(), id)
		if err != nil || proxy == nil {
			s.writeError(w, http.StatusInternalServerError, "proxy reload failed")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"proxy": proxy})
	case "test":
		s.testProxy(w, r, proxy)
	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *apiServer) testProxy(w http.ResponseWriter, r *http.Request, proxy *recordings.Proxy) {
	s.daemon.monitor.ProbeOne(r.Context(), proxy)

	refreshed, err := s.daemon.store.GetProxy(r.Context(), proxy.ID)
	if err != nil || refreshed == nil {
		s.writeError(w, http.StatusInternalServerError, "proxy reload failed")
		return
	}
	resp := proxyTestResponse{
		ProxyID:   refreshed.ID,
		Status:    refreshed.HealthStatus,
		LatencyMS: refreshed.AverageLatencyMS,
	}
	if refreshed.HealthStatus == recordings.HealthFailed {
		resp.Error = "probe failed"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.daemon.hub.ServeHTTP(w, r)
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
