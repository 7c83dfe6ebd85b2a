// Package server exposes verification and field discovery over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	ciesign "github.com/mapo80/cie-middleware-mobile"
	"github.com/mapo80/cie-middleware-mobile/verify"
	"github.com/mapo80/cie-middleware-mobile/xmlsig"
	"go.uber.org/zap"
)

// DefaultMaxBody is the largest document accepted when Config.MaxBody is
// zero.
const DefaultMaxBody = 32 << 20

// Config holds server configuration.
type Config struct {
	Logger  *zap.Logger
	Version string
	// Verify is the base of every verification. Its Roots select the
	// trusted roots.
	Verify  verify.Options
	MaxBody int64
}

type server struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Chi router with all routes configured.
func New(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	s := &server{cfg: cfg, logger: cfg.Logger.Named("server")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/verify", s.verify)
		r.Post("/fields", s.fields)
	})
	return r
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.cfg.Version})
}

func (s *server) verify(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	report, err := ciesign.Verify(r.Context(), data, s.cfg.Verify, s.logger)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) fields(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	report, err := ciesign.Fields(data, s.logger)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "document too large"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "failed to read request body"})
		return nil, false
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "empty request body"})
		return nil, false
	}
	return data, true
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ciesign.ErrInvalidInput),
		errors.Is(err, verify.ErrParse):
		status = http.StatusBadRequest
	case errors.Is(err, ciesign.ErrUnsupported):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, verify.ErrSignatureNotFound),
		errors.Is(err, xmlsig.ErrSignatureNotFound),
		errors.Is(err, xmlsig.ErrInvalidSignature):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
