package _switch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/livecode-session/backend/model"
	"github.com/adwski/livecode-session/protocol"
)

func newTestSwitch() *Switch {
	logger := zerolog.Nop()
	return NewSwitch(&logger)
}

func recv(t *testing.T, w model.Wire) model.Announcement {
	t.Helper()
	select {
	case ann := <-w.TX:
		return ann
	case <-time.After(time.Second):
		t.Fatal("nothing received")
		return model.Announcement{}
	}
}

func assertEmpty(t *testing.T, w model.Wire) {
	t.Helper()
	select {
	case ann := <-w.TX:
		t.Fatalf("unexpected announcement %+v", ann)
	default:
	}
}

func TestSwitchGreetingComesFirst(t *testing.T) {
	sw := newTestSwitch()
	a := model.NewWire(protocol.RolePresenter, nil)
	b := model.NewWire(protocol.RoleSpectator, nil)

	count, err := sw.Connect("s1", "a", a, func(n int) (protocol.Envelope, error) {
		return protocol.Envelope{Type: protocol.TypeInit, ParticipantsCount: protocol.Ptr(n)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = sw.Connect("s1", "b", b, func(n int) (protocol.Envelope, error) {
		return protocol.Envelope{Type: protocol.TypeInit, ParticipantsCount: protocol.Ptr(n)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, sw.Broadcast(context.Background(), model.Announcement{
		SRC:      "a",
		Envelope: protocol.Envelope{Type: protocol.TypeCodeUpdate, Code: protocol.Ptr("x")},
	}, "s1"))

	first := recv(t, b)
	assert.Equal(t, protocol.TypeInit, first.Envelope.Type)
	assert.Equal(t, 2, *first.Envelope.ParticipantsCount)
	assert.Equal(t, protocol.TypeCodeUpdate, recv(t, b).Envelope.Type)

	assert.Equal(t, protocol.TypeInit, recv(t, a).Envelope.Type)
	assertEmpty(t, a)
}

func TestSwitchBroadcastWithoutSourceReachesEveryone(t *testing.T) {
	sw := newTestSwitch()
	a := model.NewWire(protocol.RolePresenter, nil)
	b := model.NewWire(protocol.RoleSpectator, nil)
	_, _ = sw.Connect("s1", "a", a, nil)
	_, _ = sw.Connect("s1", "b", b, nil)
	other := model.NewWire(protocol.RoleSpectator, nil)
	_, _ = sw.Connect("s2", "c", other, nil)

	require.NoError(t, sw.Broadcast(context.Background(), model.Announcement{
		Envelope: protocol.Envelope{Type: protocol.TypeChatMessage},
	}, "s1"))

	assert.Equal(t, protocol.TypeChatMessage, recv(t, a).Envelope.Type)
	assert.Equal(t, protocol.TypeChatMessage, recv(t, b).Envelope.Type)
	assertEmpty(t, other)
}

func TestSwitchSinglePresenter(t *testing.T) {
	sw := newTestSwitch()
	_, err := sw.Connect("s1", "p1", model.NewWire(protocol.RolePresenter, nil), nil)
	require.NoError(t, err)

	_, err = sw.Connect("s1", "p2", model.NewWire(protocol.RolePresenter, nil), nil)
	assert.ErrorIs(t, err, ErrPresenterTaken)
	assert.Equal(t, 1, sw.Count("s1"))

	_, err = sw.Connect("s2", "p3", model.NewWire(protocol.RolePresenter, nil), nil)
	assert.NoError(t, err, "other sessions are independent")

	count, err := sw.Disconnect("s1", "p1", nil)
	require.NoError(t, err)
	assert.Zero(t, count)
	_, err = sw.Connect("s1", "p2", model.NewWire(protocol.RolePresenter, nil), nil)
	assert.NoError(t, err, "presenter can return after disconnect")
}

func TestSwitchGreetingErrorRejects(t *testing.T) {
	sw := newTestSwitch()
	boom := errors.New("boom")
	_, err := sw.Connect("s1", "a", model.NewWire(protocol.RoleSpectator, nil), func(int) (protocol.Envelope, error) {
		return protocol.Envelope{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, sw.Count("s1"))
}

func TestSwitchDisconnectAllKicks(t *testing.T) {
	sw := newTestSwitch()
	kicked := make(chan string, 2)
	_, _ = sw.Connect("s1", "a", model.NewWire(protocol.RolePresenter, func() { kicked <- "a" }), nil)
	_, _ = sw.Connect("s1", "b", model.NewWire(protocol.RoleSpectator, func() { kicked <- "b" }), nil)

	count, err := sw.Disconnect("s1", "b", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	sw.DisconnectAll("s1")

	assert.Equal(t, "a", <-kicked)
	assertNoKick := func() {
		select {
		case k := <-kicked:
			t.Fatalf("unexpected kick %s", k)
		default:
		}
	}
	assertNoKick()
}

func TestSwitchTallyIsSerializedWithGreetings(t *testing.T) {
	sw := newTestSwitch()
	_, _ = sw.Connect("s1", "a", model.NewWire(protocol.RoleSpectator, nil), nil)
	_, _ = sw.Connect("s1", "b", model.NewWire(protocol.RoleSpectator, nil), nil)

	var (
		// written only under the switch lock
		recorded  []int
		inTally   = make(chan struct{})
		connected = make(chan int, 1)
	)
	go func() {
		<-inTally
		n, _ := sw.Connect("s1", "c", model.NewWire(protocol.RoleSpectator, nil), func(n int) (protocol.Envelope, error) {
			recorded = append(recorded, n)
			return protocol.Envelope{Type: protocol.TypeInit}, nil
		})
		connected <- n
	}()

	count, err := sw.Disconnect("s1", "a", func(n int) error {
		close(inTally)
		select {
		case <-connected:
			t.Error("connect completed while the tally was running")
		case <-time.After(50 * time.Millisecond):
		}
		recorded = append(recorded, n)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 2, <-connected)
	assert.Equal(t, []int{1, 2}, recorded)
}

func TestSwitchTallyError(t *testing.T) {
	sw := newTestSwitch()
	_, _ = sw.Connect("s1", "a", model.NewWire(protocol.RoleSpectator, nil), nil)
	_, _ = sw.Connect("s1", "b", model.NewWire(protocol.RoleSpectator, nil), nil)

	boom := errors.New("boom")
	count, err := sw.Disconnect("s1", "a", func(int) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, sw.Count("s1"), "endpoint is removed regardless")
}

func TestSwitchBroadcastReportsCancel(t *testing.T) {
	sw := newTestSwitch()
	a := model.NewWire(protocol.RoleSpectator, nil)
	_, _ = sw.Connect("s1", "a", a, nil)

	assert.NoError(t, sw.Broadcast(context.Background(), model.Announcement{SRC: "a"}, "s1"),
		"reaching nobody is not an error")
	assert.NoError(t, sw.Broadcast(context.Background(), model.Announcement{}, "missing"))

	for len(a.TX) < cap(a.TX) {
		a.TX <- model.Announcement{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sw.Broadcast(ctx, model.Announcement{Envelope: protocol.Envelope{Type: protocol.TypeChatMessage}}, "s1")
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
}
