package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/adwski/livecode-session/backend/service"
	"github.com/adwski/livecode-session/protocol"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type SessionService interface {
	CreateSession(presenterName, language string) (*protocol.Session, error)
	GetSession(sessionID string) (*protocol.Session, error)
	DeleteSession(sessionID string) error
	SessionCount() int
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Sessions  int    `json:"sessions"`
}

type Server struct {
	logger zerolog.Logger
	svc    SessionService
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	SessionService SessionService
	ListenAddr     string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.SessionService,
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}
	return srv
}

func (srv *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors)
	r.Options("/*", corsHandler)

	r.Get("/", srv.root)
	r.Get("/health", srv.health)
	r.Post("/sessions", srv.createSession)
	r.Get("/sessions/{sessionID}", srv.getSession)
	r.Delete("/sessions/{sessionID}", srv.deleteSession)
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) root(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "LiveCode Session API is running"})
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &HealthResponse{
		Status:    "healthy",
		Timestamp: protocol.Timestamp(time.Now()),
		Sessions:  srv.svc.SessionCount(),
	})
}

func (srv *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var (
		body []byte
		req  protocol.CreateSessionRequest
	)
	body, _ = io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if err := json.Unmarshal(body, &req); err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "invalid request body"})
		return
	}

	srv.logger.Trace().Any("request", req).Msg("got create session request")

	sess, err := srv.svc.CreateSession(req.PresenterName, req.Language)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalid) {
			code = http.StatusUnprocessableEntity
		}
		srv.writeJSON(w, code, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, sess)
}

func (srv *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.svc.GetSession(chi.URLParam(r, "sessionID"))
	if err != nil {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: "Session not found"})
		return
	}
	srv.writeJSON(w, http.StatusOK, sess)
}

func (srv *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := srv.svc.DeleteSession(chi.URLParam(r, "sessionID")); err != nil {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: "Session not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, b, &srv.logger)
}

func writeBytes(w http.ResponseWriter, code int, b []byte, logger *zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
