package model

import (
	"context"

	"github.com/adwski/livecode-session/protocol"
)

const defaultTXBuffer = 64

// Announcement is a frame the relay queues for its endpoints.
type Announcement struct {
	DST string // when set, only this endpoint gets the frame
	SRC string // broadcast skips this endpoint; empty reaches everyone

	Envelope protocol.Envelope
}

// Inbound is a client frame tagged with its origin.
type Inbound struct {
	SRC      string
	Role     protocol.Role
	Envelope protocol.Envelope
}

type Wire struct {
	RX   chan Inbound
	TX   chan Announcement
	Role protocol.Role

	// Kick tears the endpoint's connection down.
	Kick context.CancelFunc
}

func NewWire(role protocol.Role, kick context.CancelFunc) Wire {
	return Wire{
		RX:   make(chan Inbound),
		TX:   make(chan Announcement, defaultTXBuffer),
		Role: role,
		Kick: kick,
	}
}
