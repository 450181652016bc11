// Package mirror projects room and membership changes into a durable
// store. The projection is advisory: the in-memory registry stays the
// source of truth for routing, and nothing here ever surfaces an error
// to a client.
package mirror

import (
	"context"
	"sync"

	"github.com/dmgolub/roomrelay/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize = 256
)

const (
	opUpsertRoom = iota
	opRemoveRoom
	opUpsertParticipant
	opRemoveParticipant
	opSetBlocked
	opSetField
)

// Mirror is the fire-and-forget projection port the router writes to.
type Mirror interface {
	UpsertRoom(roomID, state string, capacity int)
	RemoveRoom(roomID string)
	UpsertParticipant(roomID string, p model.Participant, host bool)
	RemoveParticipant(roomID, participantID string)
	SetBlocked(roomID, participantID string)
	SetField(roomID, field string, value any)
}

// Store is the synchronous backend the queue drains into.
type Store interface {
	UpsertRoom(roomID, state string, capacity int) error
	RemoveRoom(roomID string) error
	UpsertParticipant(roomID string, p model.Participant, host bool) error
	RemoveParticipant(roomID, participantID string) error
	SetBlocked(roomID, participantID string) error
	SetField(roomID, field string, value any) error
}

type op struct {
	kind          int
	roomID        string
	participantID string
	participant   model.Participant
	host          bool
	state         string
	capacity      int
	field         string
	value         any
}

// Queue decouples projection writes from the routing path: Mirror calls
// enqueue and return immediately, a single worker applies ops in order,
// and a full queue drops the op rather than block a room operation.
type Queue struct {
	logger zerolog.Logger
	store  Store
	ops    chan op
	wg     *sync.WaitGroup
}

func NewQueue(store Store, logger *zerolog.Logger) *Queue {
	return &Queue{
		logger: logger.With().Str("component", "mirror").Logger(),
		store:  store,
		ops:    make(chan op, defaultQueueSize),
		wg:     &sync.WaitGroup{},
	}
}

// Run drains the queue until ctx is canceled, then applies whatever is
// still buffered before returning.
func (q *Queue) Run(ctx context.Context) {
	q.wg.Add(1)
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case o := <-q.ops:
					q.apply(o)
				default:
					q.logger.Debug().Msg("mirror queue drained")
					return
				}
			}
		case o := <-q.ops:
			q.apply(o)
		}
	}
}

// Wait blocks until Run has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) apply(o op) {
	var err error
	switch o.kind {
	case opUpsertRoom:
		err = q.store.UpsertRoom(o.roomID, o.state, o.capacity)
	case opRemoveRoom:
		err = q.store.RemoveRoom(o.roomID)
	case opUpsertParticipant:
		err = q.store.UpsertParticipant(o.roomID, o.participant, o.host)
	case opRemoveParticipant:
		err = q.store.RemoveParticipant(o.roomID, o.participantID)
	case opSetBlocked:
		err = q.store.SetBlocked(o.roomID, o.participantID)
	case opSetField:
		err = q.store.SetField(o.roomID, o.field, o.value)
	}
	if err != nil {
		q.logger.Error().Err(err).
			Str("roomID", o.roomID).
			Int("op", o.kind).
			Msg("mirror projection failed")
	}
}

func (q *Queue) enqueue(o op) {
	select {
	case q.ops <- o:
	default:
		q.logger.Warn().
			Str("roomID", o.roomID).
			Int("op", o.kind).
			Msg("mirror queue full, projection dropped")
	}
}

func (q *Queue) UpsertRoom(roomID, state string, capacity int) {
	q.enqueue(op{kind: opUpsertRoom, roomID: roomID, state: state, capacity: capacity})
}

func (q *Queue) RemoveRoom(roomID string) {
	q.enqueue(op{kind: opRemoveRoom, roomID: roomID})
}

func (q *Queue) UpsertParticipant(roomID string, p model.Participant, host bool) {
	q.enqueue(op{kind: opUpsertParticipant, roomID: roomID, participant: p, host: host})
}

func (q *Queue) RemoveParticipant(roomID, participantID string) {
	q.enqueue(op{kind: opRemoveParticipant, roomID: roomID, participantID: participantID})
}

func (q *Queue) SetBlocked(roomID, participantID string) {
	q.enqueue(op{kind: opSetBlocked, roomID: roomID, participantID: participantID})
}

func (q *Queue) SetField(roomID, field string, value any) {
	q.enqueue(op{kind: opSetField, roomID: roomID, field: field, value: value})
}
