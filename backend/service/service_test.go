package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/livecode-session/backend/model"
	store "github.com/adwski/livecode-session/backend/storage/memory"
	sw "github.com/adwski/livecode-session/backend/switch"
	"github.com/adwski/livecode-session/protocol"
)

var fixedNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestService() *Service {
	logger := zerolog.Nop()
	svc := NewService(Config{
		SessionStore: store.NewMemStore(),
		Switch:       sw.NewSwitch(&logger),
		Logger:       &logger,
	})
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func recv(t *testing.T, w model.Wire) protocol.Envelope {
	t.Helper()
	select {
	case ann := <-w.TX:
		return ann.Envelope
	case <-time.After(time.Second):
		t.Fatal("nothing received")
		return protocol.Envelope{}
	}
}

func assertNothing(t *testing.T, w model.Wire) {
	t.Helper()
	select {
	case ann := <-w.TX:
		t.Fatalf("unexpected %+v", ann.Envelope)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCreateSession(t *testing.T) {
	svc := newTestService()

	sess, err := svc.CreateSession("bob", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultLanguage, sess.Language)
	assert.Equal(t, "", sess.Code)
	assert.Equal(t, 1, svc.SessionCount())

	_, err = svc.CreateSession("  ", "go")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.GetSession("missing")
	assert.ErrorIs(t, err, ErrGet)
	assert.ErrorIs(t, svc.DeleteSession("missing"), ErrDelete)
}

func TestRelayFlow(t *testing.T) {
	svc := newTestService()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := svc.CreateSession("bob", "python")
	require.NoError(t, err)

	presenter := model.NewWire(protocol.RolePresenter, cancel)
	require.NoError(t, svc.CreateRelaySession(ctx, sess.ID, "p", presenter))
	init := recv(t, presenter)
	assert.Equal(t, protocol.TypeInit, init.Type)
	assert.Equal(t, "presenter", init.Role)
	require.NotNil(t, init.Session)
	assert.Equal(t, 1, init.Session.ParticipantsCount)
	assert.Equal(t, "python", init.Session.Language)

	spectator := model.NewWire(protocol.RoleSpectator, cancel)
	require.NoError(t, svc.CreateRelaySession(ctx, sess.ID, "s", spectator))
	init = recv(t, spectator)
	assert.Equal(t, protocol.TypeInit, init.Type)
	assert.Equal(t, 2, init.Session.ParticipantsCount)

	joined := recv(t, presenter)
	assert.Equal(t, protocol.TypeUserJoined, joined.Type)
	assert.Equal(t, 2, *joined.ParticipantsCount)
	assert.Equal(t, protocol.Timestamp(fixedNow), joined.Timestamp)

	presenter.RX <- model.Inbound{SRC: "p", Role: protocol.RolePresenter, Envelope: protocol.Envelope{
		Type: protocol.TypeCodeUpdate, Code: protocol.Ptr("print(2)"),
	}}
	upd := recv(t, spectator)
	assert.Equal(t, protocol.TypeCodeUpdate, upd.Type)
	assert.Equal(t, "print(2)", *upd.Code)
	assertNothing(t, presenter)

	stored, err := svc.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "print(2)", stored.Code)
	assert.Equal(t, 2, stored.ParticipantsCount)

	// spectators cannot write code; their later chat proves the update was handled
	spectator.RX <- model.Inbound{SRC: "s", Role: protocol.RoleSpectator, Envelope: protocol.Envelope{
		Type: protocol.TypeCodeUpdate, Code: protocol.Ptr("hack"),
	}}
	spectator.RX <- model.Inbound{SRC: "s", Role: protocol.RoleSpectator, Envelope: protocol.Envelope{
		Type: protocol.TypeChatMessage, Message: protocol.Ptr("hi"),
	}}
	for _, w := range []model.Wire{presenter, spectator} {
		chat := recv(t, w)
		assert.Equal(t, protocol.TypeChatMessage, chat.Type)
		assert.Equal(t, "hi", *chat.Message)
		assert.Equal(t, anonymousUser, *chat.User)
	}
	stored, _ = svc.GetSession(sess.ID)
	assert.Equal(t, "print(2)", stored.Code)

	spectator.RX <- model.Inbound{SRC: "s", Role: protocol.RoleSpectator, Envelope: protocol.Envelope{
		Type: protocol.TypeCursorPosition, Position: map[string]int{"line": 3}, User: protocol.Ptr("eve"),
	}}
	cur := recv(t, presenter)
	assert.Equal(t, protocol.TypeCursorPosition, cur.Type)
	assert.Equal(t, "eve", *cur.User)
	assertNothing(t, spectator)

	require.NoError(t, svc.DeleteRelaySession(ctx, sess.ID, "s"))
	left := recv(t, presenter)
	assert.Equal(t, protocol.TypeUserLeft, left.Type)
	assert.Equal(t, 1, *left.ParticipantsCount)
}

func TestRelaySessionErrors(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	err := svc.CreateRelaySession(ctx, "missing", "x", model.NewWire(protocol.RoleSpectator, nil))
	assert.ErrorIs(t, err, ErrGet)

	sess, err := svc.CreateSession("bob", "go")
	require.NoError(t, err)
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, svc.CreateRelaySession(wctx, sess.ID, "p1", model.NewWire(protocol.RolePresenter, cancel)))

	err = svc.CreateRelaySession(wctx, sess.ID, "p2", model.NewWire(protocol.RolePresenter, cancel))
	assert.ErrorIs(t, err, ErrConnect)
	assert.ErrorIs(t, err, sw.ErrPresenterTaken)
}

func TestDeleteSessionKicksEndpoints(t *testing.T) {
	svc := newTestService()
	sess, err := svc.CreateSession("bob", "go")
	require.NoError(t, err)

	ctx, kick := context.WithCancel(context.Background())
	require.NoError(t, svc.CreateRelaySession(ctx, sess.ID, "s", model.NewWire(protocol.RoleSpectator, kick)))

	require.NoError(t, svc.DeleteSession(sess.ID))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("endpoint was not kicked")
	}
	assert.NoError(t, svc.DeleteRelaySession(context.Background(), sess.ID, "s"))
	assert.Zero(t, svc.SessionCount())
}

func TestParticipantsCountMatchesSwitchUnderChurn(t *testing.T) {
	logger := zerolog.Nop()
	relay := sw.NewSwitch(&logger)
	svc := NewService(Config{
		SessionStore: store.NewMemStore(),
		Switch:       relay,
		Logger:       &logger,
	})
	sess, err := svc.CreateSession("bob", "go")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const stay, churn = 5, 20
	wg := &sync.WaitGroup{}
	for i := 0; i < stay+churn; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("e%d", i)
			w := model.NewWire(protocol.RoleSpectator, cancel)
			if !assert.NoError(t, svc.CreateRelaySession(ctx, sess.ID, id, w)) {
				return
			}
			if i >= stay {
				assert.NoError(t, svc.DeleteRelaySession(ctx, sess.ID, id))
			}
		}(i)
	}
	wg.Wait()

	stored, err := svc.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, stay, relay.Count(sess.ID))
	assert.Equal(t, relay.Count(sess.ID), stored.ParticipantsCount)
}
