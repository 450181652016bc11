package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dmgolub/roomrelay/backend/model"
	"github.com/dmgolub/roomrelay/backend/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultWireBuffer = 32
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	Router interface {
		HandleEnvelope(ctx context.Context, sess *service.Session, env model.Envelope)
		HandleDisconnect(ctx context.Context, sess *service.Session)
	}

	Verifier interface {
		Verify(credential string) (model.Participant, error)
	}

	Config struct {
		Logger     *zerolog.Logger
		Router     Router
		Verifier   Verifier
		ListenAddr string
	}

	Server struct {
		router   Router
		verifier Verifier
		ws       *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "websocket-server").Logger(),
		router:   cfg.Router,
		verifier: cfg.Verifier,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/relay", srv.relay)

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

	errSrv := make(chan error)
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
}

func (srv *Server) relay(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	participant, err := srv.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		srv.logger.Warn().Err(err).Msg("credential verification failed")
		rejectConn(conn, &srv.logger)
		return
	}

	wire := model.NewWire(defaultWireBuffer)
	sess := service.NewSession(participant, wire)

	srv.logger.Debug().
		Str("participantID", participant.ID).
		Msg("connection established")

	go srv.handleWSConn(r.Context(), conn, sess, wire)
}

func (srv *Server) handleWSConn(
	reqCtx context.Context,
	conn *websocket.Conn,
	sess *service.Session,
	wire model.Wire,
) {
	// outlives the http request so the leave cascade can still fan out
	ctx, cancel := context.WithCancel(context.WithoutCancel(reqCtx))
	defer cancel()

	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("participantID", sess.Participant().ID).
		Logger()

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, sess, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.router.HandleDisconnect(context.WithoutCancel(ctx), sess)
	logger.Debug().Msg("connection ended")
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	sess *service.Session,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
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
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var env model.Envelope
			if wsErr = json.Unmarshal(msg, &env); wsErr != nil {
				// malformed envelope: log and keep the connection alive
				logger.Error().Err(wsErr).Msg("failed to unmarshall incoming envelope")
				continue
			}
			srv.router.HandleEnvelope(ctx, sess, env)
		}
	}
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	wire model.Wire,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-wire.Done():
			// flush what the router already queued, then let the
			// connection close; an expelled guest must still get its
			// final notice
			flushWire(conn, wire, logger)
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case notice, ok := <-wire.TX:
			if !ok {
				break SendLoop
			}
			if wsErr := writeNotice(conn, notice); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing notice")
				break SendLoop
			}
		}
	}
}

func flushWire(conn *websocket.Conn, wire model.Wire, logger *zerolog.Logger) {
	for {
		select {
		case notice := <-wire.TX:
			if err := writeNotice(conn, notice); err != nil {
				logger.Error().Err(err).Msg("failed to flush outgoing notice")
				return
			}
		default:
			return
		}
	}
}

func writeNotice(conn *websocket.Conn, notice model.Notice) error {
	b, err := json.Marshal(&notice)
	if err != nil {
		return err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = w.Write(b); err != nil {
		return err
	}
	return w.Close()
}

func rejectConn(conn *websocket.Conn, logger *zerolog.Logger) {
	if err := writeNotice(conn, model.Notice{
		Kind:    model.NoticeError,
		Message: "unauthorized",
	}); err != nil {
		logger.Error().Err(err).Msg("failed to write rejection notice")
	}
	deadline := time.Now().Add(defaultWebSocketCloseWriteDeadline)
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
		deadline)
	if err != nil {
		logger.Error().Err(err).Msg("failed to write close frame")
	}
	if err = conn.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close websocket connection")
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
