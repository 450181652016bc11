package model

import (
	"encoding/json"
	"sync"
)

// Inbound envelope kinds understood by the router.
const (
	KindCreateRoom  = "create-room"
	KindJoinRoom    = "join-room"
	KindLeaveRoom   = "leave-room"
	KindKick        = "kick"
	KindBlock       = "block"
	KindSignal      = "signal"
	KindSetCapacity = "set-capacity"
	KindSetState    = "set-state"
)

// Outbound notice kinds sent by the relay.
const (
	NoticeError       = "error"
	NoticeRoomCreated = "room-created"
	NoticeJoined      = "joined"
	NoticeGuestJoined = "guest-joined"
	NoticeGuestLeft   = "guest-left"
	NoticeGuestKicked = "guest-expelled"
	NoticeKicked      = "expelled"
	NoticeHostLeft    = "host-left"
	NoticeRoomUpdated = "room-updated"
	NoticeSignal      = "signal"
)

type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Envelope is one inbound client message. Which fields are meaningful
// depends on Kind; the router rejects envelopes missing the fields their
// kind requires. Payload is opaque and forwarded as-is.
type Envelope struct {
	Kind        string          `json:"kind"`
	RoomID      string          `json:"room_id,omitempty"`
	Participant *Participant    `json:"participant,omitempty"`
	TargetID    string          `json:"participant_id,omitempty"`
	To          string          `json:"to,omitempty"`
	Capacity    int             `json:"capacity,omitempty"`
	Delta       int             `json:"delta,omitempty"`
	State       string          `json:"state,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Notice is one outbound server message.
type Notice struct {
	Kind         string          `json:"kind"`
	RoomID       string          `json:"room_id,omitempty"`
	State        string          `json:"state,omitempty"`
	Capacity     int             `json:"capacity,omitempty"`
	Participant  *Participant    `json:"participant,omitempty"`
	Participants []Participant   `json:"participants,omitempty"`
	UID          string          `json:"uid,omitempty"`
	From         string          `json:"from,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Wire is the outbound half of one client connection. The switch writes
// notices to TX; Shutdown asks the transport to close the connection and
// is safe to call more than once.
type Wire struct {
	TX   chan Notice
	done chan struct{}
	once *sync.Once
}

func NewWire(buffer int) Wire {
	return Wire{
		TX:   make(chan Notice, buffer),
		done: make(chan struct{}),
		once: &sync.Once{},
	}
}

func (w Wire) Shutdown() {
	w.once.Do(func() {
		close(w.done)
	})
}

// Done is closed once Shutdown has been requested.
func (w Wire) Done() <-chan struct{} {
	return w.done
}
