package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dmgolub/roomrelay/backend/mirror"
	"github.com/dmgolub/roomrelay/backend/registry"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// RoomIndex is the live in-memory view.
	RoomIndex interface {
		Snapshot() []registry.Info
	}

	// ProjectionStore is the durable mirror read side.
	ProjectionStore interface {
		GetRoom(roomID string) (mirror.RoomProjection, error)
	}

	GenericResponse struct {
		Message string      `json:"message,omitempty"`
		Error   string      `json:"error,omitempty"`
		Data    interface{} `json:"data,omitempty"`
	}

	Config struct {
		Logger      *zerolog.Logger
		Rooms       RoomIndex
		Projections ProjectionStore
		ListenAddr  string
	}

	// Server exposes the read-only inspection API. All mutations flow
	// through the websocket relay; nothing here writes.
	Server struct {
		logger      zerolog.Logger
		rooms       RoomIndex
		projections ProjectionStore
		*http.Server
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:      cfg.Logger.With().Str("component", "api-server").Logger(),
		rooms:       cfg.Rooms,
		projections: cfg.Projections,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/rooms", srv.listRooms)
	r.HandleFunc("GET /api/rooms/{roomID}", srv.getRoomProjection)
	r.HandleFunc("GET /debug/rooms", srv.dumpRooms)
	r.HandleFunc("GET /healthz", srv.health)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (srv *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: srv.rooms.Snapshot()})
}

func (srv *Server) getRoomProjection(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	roomID := r.PathValue("roomID")
	if roomID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	proj, err := srv.projections.GetRoom(roomID)
	if err != nil {
		if errors.Is(err, mirror.ErrRoomRecordNotFound) {
			srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
			return
		}
		srv.logger.Error().Err(err).Str("roomID", roomID).Msg("projection read failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: proj})
}

func (srv *Server) dumpRooms(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.Write([]byte(spew.Sdump(srv.rooms.Snapshot()))); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write room dump")
	}
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
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
