package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/livecode-session/backend/model"
	"github.com/adwski/livecode-session/protocol"
)

const (
	defaultFwdTimout = time.Second
)

var (
	ErrPresenterTaken = errors.New("presenter already connected")
	ErrCanceled       = errors.New("broadcast canceled")
)

// Greeter builds the first frame for a new endpoint from the endpoint count
// that includes it.
type Greeter func(count int) (protocol.Envelope, error)

// Tally records the endpoint count left after a disconnect.
type Tally func(count int) error

type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

// Disconnect removes the endpoint and returns how many remain. The tally
// sees the same count under the switch lock, so it cannot interleave with
// a concurrent Connect greeting.
func (sw *Switch) Disconnect(instance, endpoint string, tally Tally) (int, error) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("instance", instance).
			Str("endpoint", endpoint).
			Msg("endpoint disconnected")
	}()

	var count int
	if inst, ok := sw.fwd[instance]; ok {
		delete(inst, endpoint)
		if count = len(inst); count == 0 {
			delete(sw.fwd, instance)
		}
	}
	if tally != nil {
		if err := tally(count); err != nil {
			return count, err
		}
	}
	return count, nil
}

// DisconnectAll kicks every endpoint of the instance.
func (sw *Switch) DisconnectAll(instance string) {
	sw.mx.RLock()
	wires := make([]model.Wire, 0, len(sw.fwd[instance]))
	for _, wire := range sw.fwd[instance] {
		wires = append(wires, wire)
	}
	sw.mx.RUnlock()

	for _, wire := range wires {
		if wire.Kick != nil {
			wire.Kick()
		}
	}
	sw.logger.Debug().
		Str("instance", instance).
		Int("endpoints", len(wires)).
		Msg("instance disconnected")
}

// Connect registers the endpoint. The greeting is queued to the endpoint
// before any broadcast can reach it. An instance holds at most one presenter.
func (sw *Switch) Connect(instance, endpoint string, wire model.Wire, greet Greeter) (int, error) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	inst, ok := sw.fwd[instance]
	if !ok {
		inst = make(map[string]model.Wire)
	}
	if wire.Role == protocol.RolePresenter {
		for _, w := range inst {
			if w.Role == protocol.RolePresenter {
				return len(inst), ErrPresenterTaken
			}
		}
	}

	count := len(inst) + 1
	if greet != nil {
		env, err := greet(count)
		if err != nil {
			return len(inst), err
		}
		select {
		case wire.TX <- model.Announcement{DST: endpoint, Envelope: env}:
		default:
			sw.logger.Error().Str("endpoint", endpoint).Msg("greeting dropped, endpoint queue is full")
		}
	}

	inst[endpoint] = wire
	sw.fwd[instance] = inst
	sw.logger.Debug().
		Str("instance", instance).
		Str("endpoint", endpoint).
		Str("role", wire.Role.String()).
		Msg("endpoint connected")
	return count, nil
}

func (sw *Switch) Count(instance string) int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.fwd[instance])
}

// Broadcast queues the announcement to every endpoint of the instance except
// its source. It fails only when ctx ends before everyone was tried.
func (sw *Switch) Broadcast(ctx context.Context, ann model.Announcement, instance string) error {
	ann.DST = "" // clear dst just in case
	sent, canceled := sw.forward(ctx, ann, instance)
	if canceled {
		return errors.Join(ErrCanceled, ctx.Err())
	}
	if !sent {
		sw.logger.Debug().
			Str("instance", instance).
			Str("type", ann.Envelope.Type).
			Str("src", ann.SRC).
			Msg("broadcast did not reach anyone")
	}
	return nil
}

func (sw *Switch) forward(ctx context.Context, ann model.Announcement, instance string) (sent, canceled bool) {
	logger := sw.logger.With().
		Str("instance", instance).
		Str("type", ann.Envelope.Type).
		Str("src", ann.SRC).Logger()

	sw.mx.RLock()
	inst := make(map[string]model.Wire, len(sw.fwd[instance]))
	for k, v := range sw.fwd[instance] {
		inst[k] = v
	}
	sw.mx.RUnlock()

	if ann.DST != "" {
		wire, ok := inst[ann.DST]
		if !ok {
			logger.Debug().Str("dst", ann.DST).Msg("cannot forward, dst not found")
			return false, false
		}
		return send(ctx, ann, wire.TX, &logger)
	}

	for dst, wire := range inst {
		if dst == ann.SRC {
			continue
		}
		annSent, annCanceled := send(ctx, ann, wire.TX, &logger)
		if annCanceled {
			return sent, true
		}
		sent = sent || annSent
	}
	return sent, false
}

func send(ctx context.Context, ann model.Announcement, tx chan<- model.Announcement, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", ann.DST).Msg("dead endpoint")
	case tx <- ann:
		logger.Trace().Str("dst", ann.DST).Msg("announce is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
