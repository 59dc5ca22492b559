package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/adwski/livecode-session/client/state"
)

// printer renders store changes as terminal lines.
type printer struct {
	mx   *sync.Mutex
	out  io.Writer
	prev state.Snapshot
	seen bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{mx: &sync.Mutex{}, out: out}
}

func (p *printer) printf(format string, args ...any) {
	p.mx.Lock()
	defer p.mx.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) print(s state.Snapshot) {
	p.mx.Lock()
	defer p.mx.Unlock()

	prev := p.prev
	if !p.seen {
		prev = state.New().Snapshot()
	}
	p.prev, p.seen = s, true

	if s.IsConnected != prev.IsConnected {
		if s.IsConnected {
			fmt.Fprintf(p.out, "* connected to %s as %s\n", s.SessionID, s.Role)
		} else {
			fmt.Fprintln(p.out, "* disconnected, reconnecting")
		}
	}
	if s.ParticipantsCount != prev.ParticipantsCount {
		fmt.Fprintf(p.out, "* participants: %d\n", s.ParticipantsCount)
	}
	if s.Language != prev.Language {
		fmt.Fprintf(p.out, "* language: %s\n", s.Language)
	}
	if s.Code != prev.Code {
		fmt.Fprintf(p.out, "----- code -----\n%s\n----------------\n", s.Code)
	}
	if len(s.ChatMessages) > len(prev.ChatMessages) {
		for _, m := range s.ChatMessages[len(prev.ChatMessages):] {
			fmt.Fprintf(p.out, "<%s> %s\n", m.User, m.Message)
		}
	}
}
