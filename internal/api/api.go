// internal/api/api.go
// Provides the HTTP surface of the chat server: the WebSocket endpoint,
// account and history APIs, static files, health and metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/erilali/chathub/internal/hub"
	"github.com/erilali/chathub/internal/logger"
	"github.com/erilali/chathub/internal/message"
	"github.com/erilali/chathub/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	version         = "1.0.0"
	maxHistoryLimit = 500
	maxRequestBody  = 64 << 10
)

// Server holds the collaborators the HTTP handlers need.
type Server struct {
	Hub          *hub.Hub
	Backend      *store.Backend
	StaticDir    string
	HistoryLimit int
	Gatherer     prometheus.Gatherer
	Logger       *logger.Logger
}

// Routes builds the router. The WebSocket route sits outside the request
// logger so the upgrade sees the raw ResponseWriter.
func (s *Server) Routes() http.Handler {
	if s.Logger == nil {
		s.Logger = logger.Nop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.Hub.ServeWs)

	r.Group(func(r chi.Router) {
		r.Use(requestLogger(s.Logger))

		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Get("/api/history", s.handleHistory)
		r.Get("/health", s.handleHealth)
		if s.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
		}
		if s.Backend.UploadDir != "" {
			r.Handle("/uploads/*", http.StripPrefix("/uploads/", noListing(http.FileServer(http.Dir(s.Backend.UploadDir)))))
		}
		if s.StaticDir != "" {
			r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(s.StaticDir))))
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				http.ServeFile(w, r, filepath.Join(s.StaticDir, "index.html"))
			})
		}
	})
	return r
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(map[string]interface{}{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
			}).Debug("HTTP request")
		})
	}
}

// noListing hides directory indexes.
func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	var body credentials
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, authResult{Error: "invalid request body"})
		return body, false
	}
	body.Username = strings.TrimSpace(body.Username)
	if body.Username == "" || body.Password == "" {
		writeJSON(w, http.StatusOK, authResult{Error: store.ErrEmptyUsername.Error()})
		return body, false
	}
	return body, true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	err := s.Backend.Credentials.Register(r.Context(), body.Username, body.Password)
	switch {
	case err == nil:
		s.Logger.Infof("Registered user %s", body.Username)
		writeJSON(w, http.StatusOK, authResult{OK: true})
	case errors.Is(err, store.ErrDuplicateUser), errors.Is(err, store.ErrEmptyUsername):
		writeJSON(w, http.StatusOK, authResult{Error: err.Error()})
	default:
		s.Logger.Errorf("Error registering %s: %v", body.Username, err)
		writeJSON(w, http.StatusInternalServerError, authResult{Error: "registration failed"})
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	valid, err := s.Backend.Credentials.Verify(r.Context(), body.Username, body.Password)
	if err != nil {
		s.Logger.Errorf("Error verifying %s: %v", body.Username, err)
		writeJSON(w, http.StatusInternalServerError, authResult{Error: "login failed"})
		return
	}
	if !valid {
		writeJSON(w, http.StatusOK, authResult{Error: "invalid username or password"})
		return
	}
	writeJSON(w, http.StatusOK, authResult{OK: true})
}

type historyResponse struct {
	Messages []message.HistoryRecord `json:"messages"`
	Count    int                     `json:"count"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := s.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := s.Backend.Messages.Recent(r.Context(), limit)
	if err != nil {
		s.Logger.Errorf("Error reading history: %v", err)
		http.Error(w, "Error retrieving messages", http.StatusInternalServerError)
		return
	}
	resp := historyResponse{Messages: make([]message.HistoryRecord, 0, len(records))}
	for _, rec := range records {
		resp.Messages = append(resp.Messages, rec.History())
	}
	resp.Count = len(resp.Messages)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":      "ok",
		"version":     version,
		"connections": s.Hub.Registry.Len(),
	}
	for k, v := range s.Backend.Status(r.Context()) {
		health[k] = v
	}
	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
