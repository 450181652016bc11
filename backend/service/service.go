package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmgolub/roomrelay/backend/mirror"
	"github.com/dmgolub/roomrelay/backend/model"
	"github.com/dmgolub/roomrelay/backend/registry"
	"github.com/rs/zerolog"
)

const (
	defaultReplyTimeout = time.Second
)

var (
	ErrUnknownKind   = errors.New("unknown message kind")
	ErrAlreadyInRoom = errors.New("connection is already bound to a room")
	ErrNotInRoom     = errors.New("connection is not bound to a room")
	ErrRoomMismatch  = errors.New("room id does not match connection context")
	ErrNotHost       = errors.New("operation is allowed for the host only")
	ErrBadDelta      = errors.New("capacity delta must be -1 or +1")
)

type (
	RoomRegistry interface {
		CreateRoom(roomID string, host model.Participant, capacity int, state string) (*registry.Room, error)
		GetRoom(roomID string) (*registry.Room, error)
		DestroyRoom(roomID string)
	}

	Switch interface {
		Connect(roomID, participantID string, wire model.Wire)
		Disconnect(roomID, participantID string)
		Expel(roomID, participantID string)
		DropRoom(roomID string)
		Unicast(ctx context.Context, roomID, participantID string, notice model.Notice) bool
		Broadcast(ctx context.Context, roomID string, notice model.Notice, except ...string)
	}

	// Service is the message router: it decodes envelope intent, drives
	// registry and room mutations, fans out the resulting notices and
	// projects every successful mutation into the mirror.
	Service struct {
		registry RoomRegistry
		sw       Switch
		mirror   mirror.Mirror
		logger   zerolog.Logger
	}

	Config struct {
		Registry RoomRegistry
		Switch   Switch
		Mirror   mirror.Mirror
		Logger   *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		registry: cfg.Registry,
		sw:       cfg.Switch,
		mirror:   cfg.Mirror,
		logger:   cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// Session is one connection's routing context: a verified participant and,
// after a successful create or join, the room it belongs to. The binding
// is explicit; it is never inferred from later envelope fields.
type Session struct {
	participant model.Participant
	wire        model.Wire

	mx     sync.Mutex
	roomID string

	closeOnce sync.Once
}

func NewSession(participant model.Participant, wire model.Wire) *Session {
	return &Session{
		participant: participant,
		wire:        wire,
	}
}

func (s *Session) Participant() model.Participant {
	return s.participant
}

func (s *Session) RoomID() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.roomID
}

func (s *Session) bind(roomID string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.roomID != "" {
		return false
	}
	s.roomID = roomID
	return true
}

func (s *Session) unbind() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	roomID := s.roomID
	s.roomID = ""
	return roomID
}

// HandleEnvelope routes one inbound envelope. All errors are reported to
// the sender only; no error here ever mutates another participant's state.
func (svc *Service) HandleEnvelope(ctx context.Context, sess *Session, env model.Envelope) {
	var err error
	switch env.Kind {
	case model.KindCreateRoom:
		err = svc.createRoom(ctx, sess, env)
	case model.KindJoinRoom:
		err = svc.joinRoom(ctx, sess, env)
	case model.KindLeaveRoom:
		err = svc.leaveRoom(ctx, sess, env)
	case model.KindKick:
		err = svc.kick(ctx, sess, env)
	case model.KindBlock:
		err = svc.block(ctx, sess, env)
	case model.KindSignal:
		err = svc.signal(ctx, sess, env)
	case model.KindSetCapacity:
		err = svc.setCapacity(ctx, sess, env)
	case model.KindSetState:
		err = svc.setState(ctx, sess, env)
	default:
		err = ErrUnknownKind
	}
	if err != nil {
		svc.logger.Debug().Err(err).
			Str("kind", env.Kind).
			Str("participantID", sess.participant.ID).
			Msg("envelope rejected")
		svc.reply(ctx, sess, model.Notice{
			Kind:    model.NoticeError,
			Message: err.Error(),
		})
	}
}

// HandleDisconnect runs the departure cascade for whatever room context
// the session last held. Safe to call more than once; only the first call
// does anything.
func (svc *Service) HandleDisconnect(ctx context.Context, sess *Session) {
	sess.closeOnce.Do(func() {
		roomID := sess.RoomID()
		if roomID == "" {
			return
		}
		if err := svc.leave(ctx, sess, roomID); err != nil {
			svc.logger.Debug().Err(err).
				Str("roomID", roomID).
				Str("participantID", sess.participant.ID).
				Msg("disconnect cascade")
		}
	})
}

func (svc *Service) createRoom(ctx context.Context, sess *Session, env model.Envelope) error {
	if env.RoomID == "" {
		return errors.New("create-room requires room_id")
	}
	if sess.RoomID() != "" {
		return ErrAlreadyInRoom
	}
	host := sess.participant
	if env.Participant != nil && env.Participant.Name != "" {
		host.Name = env.Participant.Name
	}
	room, err := svc.registry.CreateRoom(env.RoomID, host, env.Capacity, env.State)
	if err != nil {
		return err
	}
	if !sess.bind(env.RoomID) {
		// lost a race against another envelope on this connection
		svc.registry.DestroyRoom(env.RoomID)
		return ErrAlreadyInRoom
	}
	svc.sw.Connect(env.RoomID, host.ID, sess.wire)

	info := room.Snapshot()
	svc.mirror.UpsertRoom(info.ID, info.State, info.Capacity)
	svc.mirror.UpsertParticipant(info.ID, host, true)

	svc.logger.Debug().
		Str("roomID", env.RoomID).
		Str("hostID", host.ID).
		Msg("room created")
	svc.reply(ctx, sess, model.Notice{
		Kind:   model.NoticeRoomCreated,
		RoomID: env.RoomID,
	})
	return nil
}

func (svc *Service) joinRoom(ctx context.Context, sess *Session, env model.Envelope) error {
	if env.RoomID == "" {
		return errors.New("join-room requires room_id")
	}
	if sess.RoomID() != "" {
		return ErrAlreadyInRoom
	}
	room, err := svc.registry.GetRoom(env.RoomID)
	if err != nil {
		return err
	}
	guest := sess.participant
	if env.Participant != nil && env.Participant.Name != "" {
		guest.Name = env.Participant.Name
	}
	info, err := room.Join(guest)
	if err != nil {
		if errors.Is(err, registry.ErrRoomClosed) {
			return registry.ErrRoomNotFound
		}
		return err
	}
	if !sess.bind(env.RoomID) {
		if res, leaveErr := room.Leave(guest.ID); leaveErr == nil && !res.HostLeft {
			svc.logger.Debug().Str("roomID", env.RoomID).Msg("rolled back racing join")
		}
		return ErrAlreadyInRoom
	}
	svc.sw.Connect(env.RoomID, guest.ID, sess.wire)

	svc.mirror.UpsertParticipant(env.RoomID, guest, false)

	svc.logger.Debug().
		Str("roomID", env.RoomID).
		Str("participantID", guest.ID).
		Msg("guest joined")

	// room context for the new guest, guest-joined for everyone else
	svc.reply(ctx, sess, model.Notice{
		Kind:         model.NoticeJoined,
		RoomID:       info.ID,
		State:        info.State,
		Capacity:     info.Capacity,
		Participants: info.Participants,
	})
	svc.sw.Broadcast(ctx, env.RoomID, model.Notice{
		Kind:        model.NoticeGuestJoined,
		RoomID:      env.RoomID,
		Participant: &guest,
	}, guest.ID)
	return nil
}

func (svc *Service) leaveRoom(ctx context.Context, sess *Session, env model.Envelope) error {
	roomID, err := svc.boundRoom(sess, env)
	if err != nil {
		return err
	}
	return svc.leave(ctx, sess, roomID)
}

func (svc *Service) leave(ctx context.Context, sess *Session, roomID string) error {
	participantID := sess.participant.ID
	room, err := svc.registry.GetRoom(roomID)
	if err != nil {
		sess.unbind()
		svc.sw.Disconnect(roomID, participantID)
		return nil
	}
	res, err := room.Leave(participantID)
	sess.unbind()
	if err != nil {
		// room already closing or membership already gone, nothing to fan out
		svc.sw.Disconnect(roomID, participantID)
		return nil
	}
	if res.HostLeft {
		svc.registry.DestroyRoom(roomID)
		svc.sw.Broadcast(ctx, roomID, model.Notice{
			Kind:   model.NoticeHostLeft,
			RoomID: roomID,
		}, participantID)
		svc.sw.DropRoom(roomID)
		svc.mirror.RemoveRoom(roomID)
		svc.logger.Debug().
			Str("roomID", roomID).
			Str("hostID", participantID).
			Msg("host left, room destroyed")
		return nil
	}
	svc.sw.Disconnect(roomID, participantID)
	svc.sw.Broadcast(ctx, roomID, model.Notice{
		Kind:   model.NoticeGuestLeft,
		RoomID: roomID,
		UID:    participantID,
	})
	svc.mirror.RemoveParticipant(roomID, participantID)
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("participantID", participantID).
		Msg("guest left")
	return nil
}

func (svc *Service) kick(ctx context.Context, sess *Session, env model.Envelope) error {
	roomID, room, err := svc.hostRoom(sess, env)
	if err != nil {
		return err
	}
	res, err := room.Kick(env.TargetID)
	if err != nil {
		if errors.Is(err, registry.ErrNotMember) {
			return registry.ErrNotMember
		}
		return registry.ErrRoomNotFound
	}
	svc.expel(ctx, roomID, res)
	svc.mirror.RemoveParticipant(roomID, res.Kicked.ID)
	return nil
}

func (svc *Service) block(ctx context.Context, sess *Session, env model.Envelope) error {
	roomID, room, err := svc.hostRoom(sess, env)
	if err != nil {
		return err
	}
	res, err := room.Block(env.TargetID)
	if err != nil {
		return registry.ErrRoomNotFound
	}
	svc.mirror.SetBlocked(roomID, env.TargetID)
	if res.Kicked {
		svc.expel(ctx, roomID, res.Kick)
		svc.mirror.RemoveParticipant(roomID, res.Kick.Kicked.ID)
	}
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("participantID", env.TargetID).
		Bool("expelled", res.Kicked).
		Msg("participant blocked")
	return nil
}

// expel tells the guest it is out, closes its transport and informs the
// rest of the room. The expelled notice goes first so it lands before the
// transport close.
func (svc *Service) expel(ctx context.Context, roomID string, res registry.KickResult) {
	svc.sw.Unicast(ctx, roomID, res.Kicked.ID, model.Notice{
		Kind:   model.NoticeKicked,
		RoomID: roomID,
	})
	svc.sw.Expel(roomID, res.Kicked.ID)
	svc.sw.Broadcast(ctx, roomID, model.Notice{
		Kind:   model.NoticeGuestKicked,
		RoomID: roomID,
		UID:    res.Kicked.ID,
	})
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("participantID", res.Kicked.ID).
		Msg("guest expelled")
}

func (svc *Service) signal(ctx context.Context, sess *Session, env model.Envelope) error {
	roomID, err := svc.boundRoom(sess, env)
	if err != nil {
		return err
	}
	room, err := svc.registry.GetRoom(roomID)
	if err != nil {
		return err
	}
	if env.To == "" {
		return errors.New("signal requires to")
	}
	if !room.Resolve(env.To) {
		// target is gone, drop silently
		svc.logger.Debug().
			Str("roomID", roomID).
			Str("dst", env.To).
			Msg("signal target not present, dropped")
		return nil
	}
	svc.sw.Unicast(ctx, roomID, env.To, model.Notice{
		Kind:    model.NoticeSignal,
		RoomID:  roomID,
		From:    sess.participant.ID,
		Payload: env.Payload,
	})
	return nil
}

func (svc *Service) setCapacity(ctx context.Context, sess *Session, env model.Envelope) error {
	if env.Delta != -1 && env.Delta != 1 {
		return ErrBadDelta
	}
	roomID, room, err := svc.hostRoom(sess, env)
	if err != nil {
		return err
	}
	info, err := room.SetCapacity(env.Delta)
	if err != nil {
		return registry.ErrRoomNotFound
	}
	svc.mirror.UpsertRoom(info.ID, info.State, info.Capacity)
	svc.roomUpdated(ctx, roomID)
	return nil
}

func (svc *Service) setState(ctx context.Context, sess *Session, env model.Envelope) error {
	roomID, room, err := svc.hostRoom(sess, env)
	if err != nil {
		return err
	}
	info, err := room.SetState(env.State)
	if err != nil {
		return registry.ErrRoomNotFound
	}
	svc.mirror.UpsertRoom(info.ID, info.State, info.Capacity)
	if info.MediaStarted {
		svc.mirror.SetField(info.ID, "media_started", true)
	}
	svc.roomUpdated(ctx, roomID)
	return nil
}

// roomUpdated goes to every member, host included.
func (svc *Service) roomUpdated(ctx context.Context, roomID string) {
	svc.sw.Broadcast(ctx, roomID, model.Notice{
		Kind:   model.NoticeRoomUpdated,
		RoomID: roomID,
	})
}

// boundRoom resolves the room an envelope addresses against the session
// binding. An explicit room_id must match the binding.
func (svc *Service) boundRoom(sess *Session, env model.Envelope) (string, error) {
	roomID := sess.RoomID()
	if roomID == "" {
		return "", ErrNotInRoom
	}
	if env.RoomID != "" && env.RoomID != roomID {
		return "", ErrRoomMismatch
	}
	return roomID, nil
}

// hostRoom additionally requires the sender to be the room's host.
func (svc *Service) hostRoom(sess *Session, env model.Envelope) (string, *registry.Room, error) {
	roomID, err := svc.boundRoom(sess, env)
	if err != nil {
		return "", nil, err
	}
	room, err := svc.registry.GetRoom(roomID)
	if err != nil {
		return "", nil, err
	}
	if room.HostID() != sess.participant.ID {
		return "", nil, ErrNotHost
	}
	return roomID, room, nil
}

// reply delivers a notice straight to the session's own wire, bypassing
// the switch: replies must work before the connection joins any room.
func (svc *Service) reply(ctx context.Context, sess *Session, notice model.Notice) {
	tCh := time.NewTimer(defaultReplyTimeout)
	defer tCh.Stop()
	select {
	case <-ctx.Done():
	case <-sess.wire.Done():
	case <-tCh.C:
		svc.logger.Error().
			Str("participantID", sess.participant.ID).
			Str("kind", notice.Kind).
			Msg("reply timed out")
	case sess.wire.TX <- notice:
	}
}
