package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/presence-relay/backend/model"
	"github.com/adwski/presence-relay/backend/presence"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 << 10
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// pong wait must exceed the presence keepalive interval, pings ride on it
	defaultPongWait = 12 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		OpenPresenceChannel(ctx context.Context, sessionID, participantID string, t presence.Transport) error
		Relay(sessionID, senderID, peerID string, payload []byte) error
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string
		PongWait         time.Duration
		MaxMessageSize   int64
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		baseCtx        context.Context
		stop           context.CancelFunc
		wg             *sync.WaitGroup
		pongWait       time.Duration
		maxMessageSize int64

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWebSocketMaxMessageSize
	}
	baseCtx, stop := context.WithCancel(context.Background())
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SignalingService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		baseCtx:        baseCtx,
		stop:           stop,
		wg:             &sync.WaitGroup{},
		pongWait:       cfg.PongWait,
		maxMessageSize: cfg.MaxMessageSize,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/signal/{sessionID}/{participantID}", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error, 1)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
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
	// hijacked connections are not tracked by http.Server
	srv.stop()
	srv.wg.Wait()
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	participantID := r.PathValue("participantID")
	if !model.ValidID(sessionID) || !model.ValidID(participantID) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	srv.wg.Add(1)
	go srv.handleWSConn(conn, sessionID, participantID)
}

func (srv *Server) handleWSConn(conn *websocket.Conn, sessionID, participantID string) {
	defer srv.wg.Done()

	ctx, cancel := context.WithCancel(srv.baseCtx)
	defer cancel()

	logger := srv.logger.With().
		Str("sessionID", sessionID).
		Str("participantID", participantID).
		Logger()

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		webSocketReceiver(ctx, wg, conn, sessionID, participantID, srv.svc, srv.pongWait, srv.maxMessageSize, &logger)
		cancel()
	}()

	err := srv.svc.OpenPresenceChannel(ctx, sessionID, participantID, &wsTransport{conn: conn})
	if err != nil {
		logger.Debug().Err(err).Msg("presence channel refused")
	}
	cancel()

	webSocketCloser(conn, &logger)
	wg.Wait()
	logger.Debug().Msg("signaling connection ended")
}

// wsTransport writes presence events as JSON text frames
// and keepalives as ping control frames.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteEvent(ev model.Event) error {
	b, err := json.Marshal(&ev)
	if err != nil {
		return err
	}
	if err = t.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	wsW, err := t.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = wsW.Write(b); err != nil {
		return err
	}
	return wsW.Close()
}

func (t *wsTransport) WriteKeepalive() error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.PingMessage, []byte{})
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	sessionID string,
	participantID string,
	svc SignalingService,
	pongWait time.Duration,
	maxMessageSize int64,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(pongWait)
	})
	err := readDeadLineFunc(pongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else if ctx.Err() == nil {
					logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var env model.Envelope
			if wsErr = json.Unmarshal(msg, &env); wsErr != nil || !model.ValidID(env.DST) {
				logger.Debug().Err(wsErr).Msg("malformed incoming message")
				continue
			}
			if wsErr = svc.Relay(sessionID, participantID, env.DST, env.Data); wsErr != nil {
				logger.Debug().Err(wsErr).Str("dst", env.DST).Msg("incoming message was dropped")
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send websocket close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
