package mirror

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dmgolub/roomrelay/backend/model"
)

var (
	ErrRoomRecordNotFound = errors.New("room record is not found")
)

// BadgerStore keeps the projection in a Badger keyspace:
//
//	room:<id>                   room record (json)
//	member:<roomID>:<pid>       participant record (json)
//	blocked:<roomID>:<pid>      presence marker
//	field:<roomID>:<name>       ad-hoc field value (json)
//
// Everything under a room shares the room id in the key prefix, so a room
// removal is a prefix sweep in one transaction.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(path).
		WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (bs *BadgerStore) Close() error {
	return bs.db.Close()
}

type roomRecord struct {
	ID       string `json:"room_id"`
	State    string `json:"state"`
	Capacity int    `json:"capacity"`
}

type participantRecord struct {
	model.Participant
	Host bool `json:"host,omitempty"`
}

func roomKey(roomID string) []byte {
	return []byte("room:" + roomID)
}

func memberKey(roomID, participantID string) []byte {
	return []byte(fmt.Sprintf("member:%s:%s", roomID, participantID))
}

func blockedKey(roomID, participantID string) []byte {
	return []byte(fmt.Sprintf("blocked:%s:%s", roomID, participantID))
}

func fieldKey(roomID, field string) []byte {
	return []byte(fmt.Sprintf("field:%s:%s", roomID, field))
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func (bs *BadgerStore) UpsertRoom(roomID, state string, capacity int) error {
	return bs.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, roomKey(roomID), roomRecord{
			ID:       roomID,
			State:    state,
			Capacity: capacity,
		})
	})
}

func (bs *BadgerStore) RemoveRoom(roomID string) error {
	prefixes := [][]byte{
		roomKey(roomID),
		[]byte("member:" + roomID + ":"),
		[]byte("blocked:" + roomID + ":"),
		[]byte("field:" + roomID + ":"),
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			var keys [][]byte
			for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (bs *BadgerStore) UpsertParticipant(roomID string, p model.Participant, host bool) error {
	return bs.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, memberKey(roomID, p.ID), participantRecord{
			Participant: p,
			Host:        host,
		})
	})
}

func (bs *BadgerStore) RemoveParticipant(roomID, participantID string) error {
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(memberKey(roomID, participantID))
	})
}

func (bs *BadgerStore) SetBlocked(roomID, participantID string) error {
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockedKey(roomID, participantID), []byte{1})
	})
}

func (bs *BadgerStore) SetField(roomID, field string, value any) error {
	return bs.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, fieldKey(roomID, field), value)
	})
}

// RoomProjection is the read model served by the inspection API.
type RoomProjection struct {
	ID           string              `json:"room_id"`
	State        string              `json:"state"`
	Capacity     int                 `json:"capacity"`
	Participants []model.Participant `json:"participants,omitempty"`
	Host         string              `json:"host,omitempty"`
	Blocked      []string            `json:"blocked,omitempty"`
	Fields       map[string]any      `json:"fields,omitempty"`
}

// GetRoom reads one room's full projection back out of the store.
func (bs *BadgerStore) GetRoom(roomID string) (RoomProjection, error) {
	var proj RoomProjection
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(roomKey(roomID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRoomRecordNotFound
		}
		if err != nil {
			return err
		}
		var rec roomRecord
		if err = item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		proj.ID = rec.ID
		proj.State = rec.State
		proj.Capacity = rec.Capacity

		memberPrefix := []byte("member:" + roomID + ":")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = memberPrefix
		it := txn.NewIterator(opts)
		for it.Rewind(); it.ValidForPrefix(memberPrefix); it.Next() {
			var mrec participantRecord
			if err = it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &mrec)
			}); err != nil {
				it.Close()
				return err
			}
			proj.Participants = append(proj.Participants, mrec.Participant)
			if mrec.Host {
				proj.Host = mrec.ID
			}
		}
		it.Close()

		blockedPrefix := []byte("blocked:" + roomID + ":")
		bOpts := badger.DefaultIteratorOptions
		bOpts.PrefetchValues = false
		bOpts.Prefix = blockedPrefix
		bit := txn.NewIterator(bOpts)
		for bit.Rewind(); bit.ValidForPrefix(blockedPrefix); bit.Next() {
			proj.Blocked = append(proj.Blocked, string(bit.Item().Key()[len(blockedPrefix):]))
		}
		bit.Close()

		fieldPrefix := []byte("field:" + roomID + ":")
		fOpts := badger.DefaultIteratorOptions
		fOpts.Prefix = fieldPrefix
		fit := txn.NewIterator(fOpts)
		for fit.Rewind(); fit.ValidForPrefix(fieldPrefix); fit.Next() {
			name := string(fit.Item().Key()[len(fieldPrefix):])
			var value any
			if err = fit.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &value)
			}); err != nil {
				fit.Close()
				return err
			}
			if proj.Fields == nil {
				proj.Fields = make(map[string]any)
			}
			proj.Fields[name] = value
		}
		fit.Close()
		return nil
	})
	if err != nil {
		return RoomProjection{}, err
	}
	return proj, nil
}
