package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/dmgolub/roomrelay/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultSendTimeout = time.Second
)

// Switch owns the live transport handles, keyed by room and participant.
// Room state never references a wire directly; everything that needs to
// reach a participant's socket goes through here. Sends are bounded by a
// timeout so one dead endpoint cannot stall a fan-out.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

func (sw *Switch) Connect(roomID, participantID string, wire model.Wire) {
	sw.mx.Lock()
	room, ok := sw.fwd[roomID]
	if !ok {
		room = make(map[string]model.Wire)
		sw.fwd[roomID] = room
	}
	room[participantID] = wire
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("roomID", roomID).
		Str("participantID", participantID).
		Msg("endpoint connected")
}

func (sw *Switch) Disconnect(roomID, participantID string) {
	sw.mx.Lock()
	if room, ok := sw.fwd[roomID]; ok {
		delete(room, participantID)
		if len(room) == 0 {
			delete(sw.fwd, roomID)
		}
	}
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("roomID", roomID).
		Str("participantID", participantID).
		Msg("endpoint disconnected")
}

// Expel disconnects the endpoint and asks its transport to close.
func (sw *Switch) Expel(roomID, participantID string) {
	sw.mx.Lock()
	var (
		wire model.Wire
		ok   bool
	)
	if room, roomOK := sw.fwd[roomID]; roomOK {
		wire, ok = room[participantID]
		delete(room, participantID)
		if len(room) == 0 {
			delete(sw.fwd, roomID)
		}
	}
	sw.mx.Unlock()

	if ok {
		wire.Shutdown()
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("participantID", participantID).
			Msg("endpoint expelled")
	}
}

// DropRoom tears down every endpoint of a room, closing all transports.
func (sw *Switch) DropRoom(roomID string) {
	sw.mx.Lock()
	room := sw.fwd[roomID]
	delete(sw.fwd, roomID)
	sw.mx.Unlock()

	for participantID, wire := range room {
		wire.Shutdown()
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("participantID", participantID).
			Msg("endpoint dropped with room")
	}
}

// Unicast delivers a notice to one participant. Returns false if the
// target is not connected or the send timed out.
func (sw *Switch) Unicast(ctx context.Context, roomID, participantID string, notice model.Notice) bool {
	sw.mx.RLock()
	wire, ok := sw.fwd[roomID][participantID]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("dst", participantID).
			Str("kind", notice.Kind).
			Msg("cannot forward, dst not found")
		return false
	}
	return sw.send(ctx, roomID, participantID, wire, notice)
}

// Broadcast delivers a notice to every endpoint of a room except the
// listed ids. Delivery order across recipients is unspecified.
func (sw *Switch) Broadcast(ctx context.Context, roomID string, notice model.Notice, except ...string) {
	sw.mx.RLock()
	room := sw.fwd[roomID]
	targets := make(map[string]model.Wire, len(room))
	for participantID, wire := range room {
		targets[participantID] = wire
	}
	sw.mx.RUnlock()

	for _, ex := range except {
		delete(targets, ex)
	}
	for participantID, wire := range targets {
		if !sw.send(ctx, roomID, participantID, wire, notice) {
			sw.logger.Debug().
				Str("roomID", roomID).
				Str("dst", participantID).
				Str("kind", notice.Kind).
				Msg("broadcast did not reach endpoint")
		}
	}
}

func (sw *Switch) send(ctx context.Context, roomID, participantID string, wire model.Wire, notice model.Notice) bool {
	tCh := time.NewTimer(defaultSendTimeout)
	defer tCh.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wire.Done():
		return false
	case <-tCh.C:
		sw.logger.Error().
			Str("roomID", roomID).
			Str("dst", participantID).
			Msg("dead endpoint")
		return false
	case wire.TX <- notice:
		return true
	}
}
