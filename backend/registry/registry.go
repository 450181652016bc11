package registry

import (
	"errors"
	"sync"

	"github.com/dmgolub/roomrelay/backend/model"
)

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room is not found")
)

// Registry is the authoritative room table. A room id is unique while its
// room lives and may be reused only after DestroyRoom removed it.
type Registry struct {
	mx    *sync.Mutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{
		mx:    &sync.Mutex{},
		rooms: make(map[string]*Room),
	}
}

func (reg *Registry) CreateRoom(roomID string, host model.Participant, capacity int, state string) (*Room, error) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	if _, ok := reg.rooms[roomID]; ok {
		return nil, ErrRoomExists
	}
	room := newRoom(roomID, host, capacity, state)
	reg.rooms[roomID] = room
	return room, nil
}

func (reg *Registry) GetRoom(roomID string) (*Room, error) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	room, ok := reg.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// DestroyRoom removes the room and marks it closed, so operations still
// holding the pointer fail instead of mutating a zombie. No-op if absent.
func (reg *Registry) DestroyRoom(roomID string) {
	reg.mx.Lock()
	room, ok := reg.rooms[roomID]
	delete(reg.rooms, roomID)
	reg.mx.Unlock()

	if ok {
		room.close()
	}
}

// Snapshot copies out every live room's state for inspection.
func (reg *Registry) Snapshot() []Info {
	reg.mx.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mx.Unlock()

	out := make([]Info, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.Snapshot())
	}
	return out
}
