// Package api exposes the ingest pipeline and the raddec query over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"rfidgw/internal/ingest"
	"rfidgw/internal/metrics"
	"rfidgw/internal/payload"
)

// Route paths. The /api/method aliases keep existing reader configurations
// working; they answer inside a {"message": ...} envelope.
const (
	EventsPath      = "/api/v1/rfid/events"
	RaddecPath      = "/api/v1/rfid/raddec"
	EventsAliasPath = "/api/method/rfid.api.ingest_impinj_events"
	RaddecAliasPath = "/api/method/rfid.api.get_raddec_events"
)

// DefaultMaxBodyBytes bounds an ingest request body.
const DefaultMaxBodyBytes = 4 << 20

// TransportHTTP labels payloads received by this server.
const TransportHTTP = "http"

type Server struct {
	svc     *ingest.Service
	creds   Credentials
	maxBody int64
	metrics *metrics.Registry
	logger  *zap.Logger
}

func NewServer(svc *ingest.Service, creds Credentials, maxBody int64, m *metrics.Registry, logger *zap.Logger) *Server {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Server{svc: svc, creds: creds, maxBody: maxBody, metrics: m, logger: logger}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post(EventsPath, s.handleIngest(false))
		r.Get(RaddecPath, s.handleRaddec(false))
		r.Post(EventsAliasPath, s.handleIngest(true))
		r.Get(RaddecAliasPath, s.handleRaddec(true))
	})
	return r
}

func (s *Server) handleIngest(enveloped bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.IngressMessages.WithLabelValues(TransportHTTP).Inc()
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			s.writeError(w, r, http.StatusBadRequest, "read request body")
			return
		}
		sum, err := s.svc.IngestJSON(r.Context(), body)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "request body must contain a valid JSON payload")
			return
		}
		writeResult(w, http.StatusOK, sum, enveloped)
	}
}

func (s *Server) handleRaddec(enveloped bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 0
		if v := strings.TrimSpace(q.Get("limit")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				s.writeError(w, r, http.StatusBadRequest, "limit must be an integer")
				return
			}
			limit = n
		}
		var since time.Time
		if v := strings.TrimSpace(q.Get("since")); v != "" {
			ts, ok := payload.ParseTime(v)
			if !ok {
				s.writeError(w, r, http.StatusBadRequest, "since is not a recognised datetime")
				return
			}
			since = ts
		}
		out, err := s.svc.Raddecs(since, limit)
		if err != nil {
			s.logger.Error("raddec query failed", zap.Error(err))
			s.writeError(w, r, http.StatusInternalServerError, "query failed")
			return
		}
		writeResult(w, http.StatusOK, out, enveloped)
	}
}

func writeResult(w http.ResponseWriter, status int, v any, enveloped bool) {
	if enveloped {
		v = map[string]any{"message": v}
	}
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.logger.Debug("request rejected",
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("reason", msg),
	)
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
