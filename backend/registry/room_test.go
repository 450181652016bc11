package registry

import (
	"sync"
	"testing"

	"github.com/dmgolub/roomrelay/backend/model"
	"github.com/stretchr/testify/require"
)

func testRoom(t *testing.T, capacity int) *Room {
	t.Helper()
	return newRoom("r1", model.Participant{ID: "H", Name: "host"}, capacity, "waiting")
}

func guestIDs(info Info) []string {
	ids := make([]string, 0, len(info.Participants))
	for _, p := range info.Participants {
		if p.ID != info.Host.ID {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func TestRoom_JoinUntilFull(t *testing.T) {
	req := require.New(t)
	room := testRoom(t, 2)

	info, err := room.Join(model.Participant{ID: "G1"})
	req.NoError(err)
	req.Len(guestIDs(info), 1)

	info, err = room.Join(model.Participant{ID: "G2"})
	req.NoError(err)
	req.Len(guestIDs(info), 2)

	_, err = room.Join(model.Participant{ID: "G3"})
	req.ErrorIs(err, ErrRoomFull)

	// membership unchanged by the rejected join
	snap := room.Snapshot()
	req.ElementsMatch([]string{"G1", "G2"}, guestIDs(snap))
	req.Equal("H", snap.Host.ID)
}

func TestRoom_BlockedJoinRejected(t *testing.T) {
	req := require.New(t)
	room := testRoom(t, 1)

	res, err := room.Block("X")
	req.NoError(err)
	req.False(res.Kicked)

	_, err = room.Join(model.Participant{ID: "X"})
	req.ErrorIs(err, ErrBlocked)
	req.Empty(guestIDs(room.Snapshot()))
}

func TestRoom_BlockCheckedBeforeCapacity(t *testing.T) {
	req := require.New(t)
	room := testRoom(t, 1)

	_, err := room.Block("X")
	req.NoError(err)
	_, err = room.Join(model.Participant{ID: "G1"})
	req.NoError(err)

	// room is now also full, but the block reason wins
	_, err = room.Join(model.Participant{ID: "X"})
	req.ErrorIs(err, ErrBlocked)
}

func TestRoom_BlockExpelsPresentGuest(t *testing.T) {
	req := require.New(t)
	room := testRoom(t, 2)

	_, err := room.Join(model.Participant{ID: "G1"})
	req.NoError(err)

	res, err := room.Block("G1")
	req.NoError(err)
	req.True(res.Kicked)
	req.Equal("G1", res.Kick.Kicked.ID)
	req.Empty(guestIDs(room.Snapshot()))

	// and it stays out
	_, err = room.Join(model.Participant{ID: "G1"})
	req.ErrorIs(err, ErrBlocked)
}

func TestRoom_Kick(t *testing.T) {
	req := require.New(t)
	room := testRoom(t, 3)

	_, err := room.Join(model.Participant{ID: "G1"})
	req.NoError(err)
	_, err = room.Join(model.Participant{ID: "G2"})
	req.NoError(err)

	res, err := room.Kick("G1")
	req.NoError(err)
	req.Equal("G1", res.Kicked.ID)
	remaining := make([]string, 0, len(res.Remaining))
	for _, p := range res.Remaining {
		remaining = append(remaining, p.ID)
	}
	req.ElementsMatch([]string{"H", "G2"}, remaining)
	req.ElementsMatch([]string{"G2"}, guestIDs(room.Snapshot()))

	_, err = room.Kick("G1")
	req.ErrorIs(err, ErrNotMember)

	// kick without block does not prevent rejoin
	_, err = room.Join(model.Participant{ID: "G1"})
	req.NoError(err)
}

func TestRoom_GuestLeave(t *testing.T) {
	req := require.New(t)
	room := testRoom(t, 2)

	_, err := room.Join(model.Participant{ID: "G1"})
	req.NoError(err)
	_, err = room.Join(model.Participant{ID: "G2"})
	req.NoError(err)

	res, err := room.Leave("G1")
	req.NoError(err)
	req.False(res.HostLeft)
	req.Len(res.Remaining, 2)

	_, err = room.Leave("G1")
	req.ErrorIs(err, ErrNotMember)
}

func TestRoom_HostLeaveCloses(t *testing.T) {
	req := require.New(t)
	room := testRoom(t, 2)

	_, err := room.Join(model.Participant{ID: "G1"})
	req.NoError(err)

	res, err := room.Leave("H")
	req.NoError(err)
	req.True(res.HostLeft)
	req.Len(res.Guests, 1)
	req.Equal("G1", res.Guests[0].ID)

	// every operation on a closed room fails
	_, err = room.Join(model.Participant{ID: "G2"})
	req.ErrorIs(err, ErrRoomClosed)
	_, err = room.Leave("G1")
	req.ErrorIs(err, ErrRoomClosed)
	req.False(room.Resolve("H"))
}

func TestRoom_HostLeaveConcurrentlyClosesOnce(t *testing.T) {
	req := require.New(t)
	room := testRoom(t, 2)
	_, err := room.Join(model.Participant{ID: "G1"})
	req.NoError(err)

	const attempts = 8
	results := make(chan LeaveResult, attempts)
	wg := &sync.WaitGroup{}
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			if res, leaveErr := room.Leave("H"); leaveErr == nil {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	var hostLeft int
	for res := range results {
		req.True(res.HostLeft)
		hostLeft++
	}
	req.Equal(1, hostLeft)
}

func TestRoom_SetCapacityClampsAtOne(t *testing.T) {
	req := require.New(t)
	room := testRoom(t, 1)

	info, err := room.SetCapacity(1)
	req.NoError(err)
	req.Equal(2, info.Capacity)

	info, err = room.SetCapacity(-1)
	req.NoError(err)
	req.Equal(1, info.Capacity)

	info, err = room.SetCapacity(-1)
	req.NoError(err)
	req.Equal(1, info.Capacity)
}

func TestRoom_SetCapacityShrinkDoesNotEvict(t *testing.T) {
	req := require.New(t)
	room := testRoom(t, 2)

	_, err := room.Join(model.Participant{ID: "G1"})
	req.NoError(err)
	_, err = room.Join(model.Participant{ID: "G2"})
	req.NoError(err)

	info, err := room.SetCapacity(-1)
	req.NoError(err)
	req.Equal(1, info.Capacity)
	req.Len(guestIDs(info), 2)

	_, err = room.Join(model.Participant{ID: "G3"})
	req.ErrorIs(err, ErrRoomFull)
}

func TestRoom_SetStateLatchesMediaStarted(t *testing.T) {
	req := require.New(t)
	room := testRoom(t, 2)

	info, err := room.SetState("active")
	req.NoError(err)
	req.Equal("active", info.State)
	req.True(info.MediaStarted)

	info, err = room.SetState("waiting")
	req.NoError(err)
	req.Equal("waiting", info.State)
	req.True(info.MediaStarted)
}

func TestRoom_Resolve(t *testing.T) {
	req := require.New(t)
	room := testRoom(t, 2)
	_, err := room.Join(model.Participant{ID: "G1"})
	req.NoError(err)

	req.True(room.Resolve("H"))
	req.True(room.Resolve("G1"))
	req.False(room.Resolve("G2"))
}

func TestRoom_InvariantsUnderConcurrentChurn(t *testing.T) {
	req := require.New(t)
	room := testRoom(t, 3)

	ids := []string{"G1", "G2", "G3", "G4", "G5", "G6"}
	wg := &sync.WaitGroup{}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := room.Join(model.Participant{ID: id}); err == nil {
					_, _ = room.Leave(id)
				}
			}
		}(id)
	}
	violations := make(chan string, 64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			snap := room.Snapshot()
			if len(snap.Participants)-1 > snap.Capacity {
				violations <- "guest count above capacity"
			}
			for _, p := range snap.Participants[1:] {
				if p.ID == snap.Host.ID {
					violations <- "host present in guest set"
				}
			}
		}
	}()
	wg.Wait()
	close(violations)
	for v := range violations {
		req.Fail(v)
	}

	_, err := room.Block("G1")
	req.NoError(err)
	snap := room.Snapshot()
	req.NotContains(guestIDs(snap), "G1")
}
