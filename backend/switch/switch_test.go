package _switch

import (
	"context"
	"testing"

	"github.com/dmgolub/roomrelay/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestSwitch() *Switch {
	logger := zerolog.Nop()
	return NewSwitch(&logger)
}

func drain(wire model.Wire) []model.Notice {
	var out []model.Notice
	for {
		select {
		case n := <-wire.TX:
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestSwitch_Unicast(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch()

	w1 := model.NewWire(4)
	w2 := model.NewWire(4)
	sw.Connect("r1", "A", w1)
	sw.Connect("r1", "B", w2)

	ok := sw.Unicast(context.Background(), "r1", "B", model.Notice{Kind: model.NoticeSignal, From: "A"})
	req.True(ok)

	got := drain(w2)
	req.Len(got, 1)
	req.Equal("A", got[0].From)
	req.Empty(drain(w1))
}

func TestSwitch_UnicastUnknownTarget(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch()
	sw.Connect("r1", "A", model.NewWire(4))

	req.False(sw.Unicast(context.Background(), "r1", "B", model.Notice{Kind: model.NoticeSignal}))
	req.False(sw.Unicast(context.Background(), "r2", "A", model.Notice{Kind: model.NoticeSignal}))
}

func TestSwitch_BroadcastExcept(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch()

	wires := map[string]model.Wire{
		"A": model.NewWire(4),
		"B": model.NewWire(4),
		"C": model.NewWire(4),
	}
	for id, w := range wires {
		sw.Connect("r1", id, w)
	}

	sw.Broadcast(context.Background(), "r1", model.Notice{Kind: model.NoticeGuestJoined}, "A")

	req.Empty(drain(wires["A"]))
	req.Len(drain(wires["B"]), 1)
	req.Len(drain(wires["C"]), 1)
}

func TestSwitch_BroadcastSkipsOtherRooms(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch()

	w1 := model.NewWire(4)
	w2 := model.NewWire(4)
	sw.Connect("r1", "A", w1)
	sw.Connect("r2", "B", w2)

	sw.Broadcast(context.Background(), "r1", model.Notice{Kind: model.NoticeRoomUpdated})

	req.Len(drain(w1), 1)
	req.Empty(drain(w2))
}

func TestSwitch_ExpelClosesWire(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch()

	w := model.NewWire(4)
	sw.Connect("r1", "A", w)
	sw.Expel("r1", "A")

	select {
	case <-w.Done():
	default:
		req.Fail("wire was not shut down")
	}
	req.False(sw.Unicast(context.Background(), "r1", "A", model.Notice{Kind: model.NoticeKicked}))
}

func TestSwitch_DropRoomClosesEveryWire(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch()

	w1 := model.NewWire(4)
	w2 := model.NewWire(4)
	sw.Connect("r1", "A", w1)
	sw.Connect("r1", "B", w2)

	sw.DropRoom("r1")

	for _, w := range []model.Wire{w1, w2} {
		select {
		case <-w.Done():
		default:
			req.Fail("wire was not shut down")
		}
	}
}

func TestSwitch_SendToShutdownWireDoesNotBlock(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch()

	w := model.NewWire(0)
	sw.Connect("r1", "A", w)
	w.Shutdown()

	// no reader and no buffer; only the shutdown signal prevents a stall
	req.False(sw.Unicast(context.Background(), "r1", "A", model.Notice{Kind: model.NoticeRoomUpdated}))
}

func TestSwitch_SendHonorsContextCancel(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch()

	w := model.NewWire(0)
	sw.Connect("r1", "A", w)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req.False(sw.Unicast(ctx, "r1", "A", model.Notice{Kind: model.NoticeRoomUpdated}))
}

func TestSwitch_DisconnectRemovesEndpoint(t *testing.T) {
	req := require.New(t)
	sw := newTestSwitch()

	w := model.NewWire(4)
	sw.Connect("r1", "A", w)
	sw.Disconnect("r1", "A")

	req.False(sw.Unicast(context.Background(), "r1", "A", model.Notice{Kind: model.NoticeRoomUpdated}))
	select {
	case <-w.Done():
		req.Fail("disconnect must not shut the wire down")
	default:
	}
}
