package registry

import (
	"errors"
	"sync"

	"github.com/dmgolub/roomrelay/backend/model"
	"github.com/samber/lo"
)

var (
	ErrBlocked    = errors.New("participant is blocked in this room")
	ErrRoomFull   = errors.New("room is full")
	ErrRoomClosed = errors.New("room is closed")
	ErrNotMember  = errors.New("participant is not a member of this room")
)

// stateActive is the conventional client state value that marks the start
// of the media session; the relay stores it opaquely but latches the
// media-started flag when it sees it.
const stateActive = "active"

// Room holds one call room's membership and admission state. All methods
// take the room lock, so admission checks and the resulting mutation are
// atomic with respect to other operations on the same room. Methods return
// plain data snapshots; notification delivery happens outside the lock.
type Room struct {
	mx           *sync.Mutex
	id           string
	state        string
	capacity     int
	mediaStarted bool
	closed       bool
	host         model.Participant
	guests       map[string]model.Participant
	blocked      map[string]struct{}
}

func newRoom(id string, host model.Participant, capacity int, state string) *Room {
	return &Room{
		mx:       &sync.Mutex{},
		id:       id,
		state:    state,
		capacity: max(1, capacity),
		host:     host,
		guests:   make(map[string]model.Participant),
		blocked:  make(map[string]struct{}),
	}
}

// Info is a point-in-time copy of room state, safe to hold after the
// call returns. Participants lists the host first.
type Info struct {
	ID           string              `json:"room_id"`
	State        string              `json:"state"`
	Capacity     int                 `json:"capacity"`
	MediaStarted bool                `json:"media_started"`
	Host         model.Participant   `json:"host"`
	Participants []model.Participant `json:"participants"`
}

func (r *Room) snapshotLocked() Info {
	return Info{
		ID:           r.id,
		State:        r.state,
		Capacity:     r.capacity,
		MediaStarted: r.mediaStarted,
		Host:         r.host,
		Participants: append([]model.Participant{r.host}, lo.Values(r.guests)...),
	}
}

func (r *Room) Snapshot() Info {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.snapshotLocked()
}

func (r *Room) HostID() string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.host.ID
}

// Join admits p as a guest. Checked in order: block list, then capacity.
// On success the returned Info reflects the room with p already in it.
func (r *Room) Join(p model.Participant) (Info, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.closed {
		return Info{}, ErrRoomClosed
	}
	if _, ok := r.blocked[p.ID]; ok {
		return Info{}, ErrBlocked
	}
	if len(r.guests) >= r.capacity {
		return Info{}, ErrRoomFull
	}
	r.guests[p.ID] = p
	return r.snapshotLocked(), nil
}

// LeaveResult describes what a departure did. When HostLeft is set the
// room is terminally closed and Guests lists everyone to cascade-close;
// otherwise Remaining lists host plus guests still present.
type LeaveResult struct {
	HostLeft  bool
	Guests    []model.Participant
	Remaining []model.Participant
}

func (r *Room) Leave(participantID string) (LeaveResult, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.closed {
		return LeaveResult{}, ErrRoomClosed
	}
	if participantID == r.host.ID {
		r.closed = true
		return LeaveResult{HostLeft: true, Guests: lo.Values(r.guests)}, nil
	}
	if _, ok := r.guests[participantID]; !ok {
		return LeaveResult{}, ErrNotMember
	}
	delete(r.guests, participantID)
	return LeaveResult{
		Remaining: append([]model.Participant{r.host}, lo.Values(r.guests)...),
	}, nil
}

// KickResult lists the removed guest and the members left to notify.
type KickResult struct {
	Kicked    model.Participant
	Remaining []model.Participant
}

func (r *Room) Kick(participantID string) (KickResult, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.closed {
		return KickResult{}, ErrRoomClosed
	}
	return r.kickLocked(participantID)
}

func (r *Room) kickLocked(participantID string) (KickResult, error) {
	kicked, ok := r.guests[participantID]
	if !ok {
		return KickResult{}, ErrNotMember
	}
	delete(r.guests, participantID)
	return KickResult{
		Kicked:    kicked,
		Remaining: append([]model.Participant{r.host}, lo.Values(r.guests)...),
	}, nil
}

// BlockResult reports whether the block also expelled a present guest.
type BlockResult struct {
	Kicked bool
	Kick   KickResult
}

// Block denies participantID admission for the life of the room. Ids that
// never joined can be pre-blocked; a currently present guest is expelled
// in the same critical section, so it can never coexist with its block.
func (r *Room) Block(participantID string) (BlockResult, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.closed {
		return BlockResult{}, ErrRoomClosed
	}
	r.blocked[participantID] = struct{}{}
	kick, err := r.kickLocked(participantID)
	if errors.Is(err, ErrNotMember) {
		return BlockResult{}, nil
	}
	return BlockResult{Kicked: true, Kick: kick}, nil
}

// SetCapacity applies delta and clamps at one; shrinking below the current
// guest count does not evict anyone, it only stops further admissions.
func (r *Room) SetCapacity(delta int) (Info, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.closed {
		return Info{}, ErrRoomClosed
	}
	r.capacity = max(1, r.capacity+delta)
	return r.snapshotLocked(), nil
}

// SetState stores the opaque client state value. The media-started flag
// latches on and never resets while the room lives.
func (r *Room) SetState(state string) (Info, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.closed {
		return Info{}, ErrRoomClosed
	}
	r.state = state
	if state == stateActive {
		r.mediaStarted = true
	}
	return r.snapshotLocked(), nil
}

// Resolve reports whether participantID is the host or a present guest.
func (r *Room) Resolve(participantID string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.closed {
		return false
	}
	if participantID == r.host.ID {
		return true
	}
	_, ok := r.guests[participantID]
	return ok
}

func (r *Room) close() {
	r.mx.Lock()
	r.closed = true
	r.mx.Unlock()
}
