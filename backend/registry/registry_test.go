package registry

import (
	"testing"

	"github.com/dmgolub/roomrelay/backend/model"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateConflict(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry()

	room, err := reg.CreateRoom("r1", model.Participant{ID: "H"}, 2, "waiting")
	req.NoError(err)
	_, err = room.Join(model.Participant{ID: "G1"})
	req.NoError(err)

	_, err = reg.CreateRoom("r1", model.Participant{ID: "H2"}, 5, "active")
	req.ErrorIs(err, ErrRoomExists)

	// the existing room is untouched by the conflicting create
	got, err := reg.GetRoom("r1")
	req.NoError(err)
	snap := got.Snapshot()
	req.Equal("H", snap.Host.ID)
	req.Equal(2, snap.Capacity)
	req.Equal("waiting", snap.State)
}

func TestRegistry_GetRoomNotFound(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry()

	_, err := reg.GetRoom("nope")
	req.ErrorIs(err, ErrRoomNotFound)
}

func TestRegistry_DestroyIdempotentAndReusable(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry()

	room, err := reg.CreateRoom("r1", model.Participant{ID: "H"}, 2, "waiting")
	req.NoError(err)

	reg.DestroyRoom("r1")
	reg.DestroyRoom("r1")

	_, err = reg.GetRoom("r1")
	req.ErrorIs(err, ErrRoomNotFound)

	// a destroyed room is closed even for holders of a stale pointer
	_, err = room.Join(model.Participant{ID: "G1"})
	req.ErrorIs(err, ErrRoomClosed)

	// the id is free again once the previous room is gone
	_, err = reg.CreateRoom("r1", model.Participant{ID: "H2"}, 1, "waiting")
	req.NoError(err)
}

func TestRegistry_CapacityClampedOnCreate(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry()

	room, err := reg.CreateRoom("r1", model.Participant{ID: "H"}, 0, "waiting")
	req.NoError(err)
	req.Equal(1, room.Snapshot().Capacity)
}

func TestRegistry_Snapshot(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry()

	_, err := reg.CreateRoom("r1", model.Participant{ID: "H1"}, 2, "waiting")
	req.NoError(err)
	_, err = reg.CreateRoom("r2", model.Participant{ID: "H2"}, 3, "active")
	req.NoError(err)

	infos := reg.Snapshot()
	req.Len(infos, 2)
	ids := []string{infos[0].ID, infos[1].ID}
	req.ElementsMatch([]string{"r1", "r2"}, ids)
}
