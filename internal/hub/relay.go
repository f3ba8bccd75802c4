package hub

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bingosuite/chatsync/internal/link"
	"github.com/bingosuite/chatsync/internal/model"
)

// Relay is the subordinate side: it forwards local events to the main server
// and shows whatever the main broadcasts back.
type Relay struct {
	local     Local
	connector *link.Connector
	current   atomic.Pointer[link.Link]
	log       zerolog.Logger
}

func NewRelay(local Local, c *link.Connector, log zerolog.Logger) *Relay {
	return &Relay{
		local:     local,
		connector: c,
		log:       log.With().Str("component", "relay").Str("server", local.Name()).Logger(),
	}
}

// Run keeps the link to the main server up until ctx is done. It only
// returns an error when the main rejects this server's credential.
func (r *Relay) Run(ctx context.Context) error {
	return r.connector.Run(ctx, r.session)
}

func (r *Relay) session(ctx context.Context, l *link.Link) {
	r.current.Store(l)
	defer r.current.CompareAndSwap(l, nil)
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	go l.WritePump()
	if err := l.ReadPump(r.handleFrame); err != nil {
		r.log.Warn().Err(err).Msg("Link read error")
	}
}

func (r *Relay) handleFrame(l *link.Link, f link.Frame) {
	switch f.Type {
	case link.FrameBroadcast:
		r.local.Say(f.Text)
	case link.FramePlayerListRequest:
		reply := link.Frame{
			Type:      link.FramePlayerListReply,
			RequestID: f.RequestID,
			Players:   r.local.Players(),
			Timestamp: time.Now().UnixMilli(),
		}
		if err := l.Send(reply); err != nil {
			r.log.Warn().Err(err).Msg("Failed to queue player list reply")
		}
	default:
		r.log.Debug().Str("type", string(f.Type)).Msg("Ignoring frame")
	}
}

// Submit forwards a local event to the main server. Events raised while the
// link is down are dropped.
func (r *Relay) Submit(ev model.MessageEvent) {
	l := r.current.Load()
	if l == nil {
		r.log.Debug().Str("kind", string(ev.Kind)).Msg("Not connected to main, dropping event")
		return
	}
	ev.OriginKind = model.OriginServer
	ev.OriginID = r.local.Name()
	switch err := l.Send(link.Frame{Type: link.FrameEvent, Event: &ev, Timestamp: time.Now().UnixMilli()}); {
	case errors.Is(err, link.ErrQueueFull):
		r.log.Warn().Int("pending", l.Pending()).Msg("Link queue full, dropping event")
	case err != nil:
		r.log.Debug().Err(err).Msg("Link unavailable, dropping event")
	}
}

func (r *Relay) Connected() bool {
	l := r.current.Load()
	return l != nil && l.State() == model.LinkAuthenticated
}

func (r *Relay) Status() Status {
	return Status{
		Role:          model.RoleSubordinate.String(),
		Name:          r.local.Name(),
		MainConnected: r.Connected(),
	}
}
