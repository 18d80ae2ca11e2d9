package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adwski/presence-relay/backend/model"
	"github.com/adwski/presence-relay/backend/presence"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline  = 10 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second
	defaultIdleTimeout       = 20 * time.Second

	defaultWriteTimeout   = 5 * time.Second
	defaultMaxPayloadSize = 64 << 10
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type SignalingService interface {
	OpenPresenceChannel(ctx context.Context, sessionID, participantID string, t presence.Transport) error
	Leave(sessionID, participantID string) error
	Relay(sessionID, senderID, peerID string, payload []byte) error
	Status(sessionID string) model.StatusResponse
}

type Server struct {
	logger zerolog.Logger
	svc    SignalingService
	*http.Server

	stopStreams    context.CancelFunc
	retry          time.Duration
	writeTimeout   time.Duration
	maxPayloadSize int64
}

type Config struct {
	Logger           *zerolog.Logger
	SignalingService SignalingService
	ListenAddr       string
	RetryInterval    time.Duration
	WriteTimeout     time.Duration
	MaxPayloadSize   int64
}

func NewServer(cfg Config) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = defaultMaxPayloadSize
	}
	baseCtx, stop := context.WithCancel(context.Background())
	srv := &Server{
		logger:         cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:            cfg.SignalingService,
		stopStreams:    stop,
		retry:          cfg.RetryInterval,
		writeTimeout:   cfg.WriteTimeout,
		maxPayloadSize: cfg.MaxPayloadSize,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /stoc/{sessionID}/{participantID}", srv.presence)
	r.HandleFunc("DELETE /stoc/{sessionID}/{participantID}", srv.leave)
	r.HandleFunc("POST /ctos/{sessionID}/{participantID}/{peerID}", srv.relay)
	r.HandleFunc("GET /status/{sessionID}", srv.status)
	r.HandleFunc("GET /stoc/", badRequest)
	r.HandleFunc("POST /ctos/", badRequest)
	r.HandleFunc("GET /status/", badRequest)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           rejectEmptySegments(r),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

// rejectEmptySegments answers 400 instead of the mux redirect to a cleaned path.
func rejectEmptySegments(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.EscapedPath(), "//") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// pathIDs returns the named path values, ok is false if any of them is malformed.
func pathIDs(r *http.Request, names ...string) ([]string, bool) {
	ids := make([]string, len(names))
	for i, name := range names {
		ids[i] = r.PathValue(name)
		if !model.ValidID(ids[i]) {
			return nil, false
		}
	}
	return ids, true
}

func badRequest(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusBadRequest)
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func (srv *Server) presence(w http.ResponseWriter, r *http.Request) {
	ids, ok := pathIDs(r, "sessionID", "participantID")
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sessionID, participantID := ids[0], ids[1]
	logger := srv.logger.With().
		Str("sessionID", sessionID).
		Str("participantID", participantID).
		Logger()

	stream := newEventStream(w, srv.writeTimeout)
	if err := stream.open(srv.retry); err != nil {
		logger.Error().Err(err).Msg("failed to open event stream")
		return
	}
	logger.Debug().Str("remote", r.RemoteAddr).Msg("event stream opened")

	if err := srv.svc.OpenPresenceChannel(r.Context(), sessionID, participantID, stream); err != nil {
		logger.Debug().Err(err).Msg("presence channel refused")
		return
	}
	logger.Debug().Msg("event stream closed")
}

func (srv *Server) leave(w http.ResponseWriter, r *http.Request) {
	noCache(w)
	ids, ok := pathIDs(r, "sessionID", "participantID")
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sessionID, participantID := ids[0], ids[1]
	if err := srv.svc.Leave(sessionID, participantID); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) relay(w http.ResponseWriter, r *http.Request) {
	noCache(w)
	ids, ok := pathIDs(r, "sessionID", "participantID", "peerID")
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sessionID, participantID, peerID := ids[0], ids[1], ids[2]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, srv.maxPayloadSize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		srv.logger.Debug().Err(err).Msg("failed to read relay payload")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err = srv.svc.Relay(sessionID, participantID, peerID, body); err != nil {
		srv.logger.Debug().Err(err).
			Str("sessionID", sessionID).
			Str("src", participantID).
			Str("dst", peerID).
			Msg("relay failed")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) status(w http.ResponseWriter, r *http.Request) {
	noCache(w)
	ids, ok := pathIDs(r, "sessionID")
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sessionID := ids[0]

	b, err := json.Marshal(srv.svc.Status(sessionID))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, http.StatusOK, b)
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		srv.stopStreams()
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		// event streams never go idle on their own
		srv.stopStreams()
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
