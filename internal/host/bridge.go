// Package host adapts the game server's in-process events to normalized
// MessageEvents and delivers relayed text back to the players.
package host

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/bingosuite/chatsync/internal/model"
)

// Source tags who produced a line of chat. Text the hub shows to players is
// tagged SourceRelay so that, if the runtime reports it back as chat, it is
// not relayed again.
type Source int

const (
	SourcePlayer Source = iota
	SourceRelay
)

func (s Source) String() string {
	if s == SourceRelay {
		return "relay"
	}
	return "player"
}

// Runtime is the game server the hub runs inside.
type Runtime interface {
	Broadcast(text string, src Source)
	OnlinePlayers() []string
}

// Listener receives the game server's events.
type Listener interface {
	OnChat(player, text string, src Source)
	OnJoin(player string)
	OnLeave(player string)
	OnDeath(player, message string)
	OnAdvancement(player, advancement string)
}

// Submitter accepts normalized events for routing.
type Submitter interface {
	Submit(ev model.MessageEvent)
}

// SubmitFunc adapts a function to Submitter.
type SubmitFunc func(ev model.MessageEvent)

func (f SubmitFunc) Submit(ev model.MessageEvent) { f(ev) }

// Bridge turns host events into MessageEvents originating at this server and
// shows relayed text to local players.
type Bridge struct {
	name string
	rt   Runtime
	sub  Submitter
	log  zerolog.Logger
	now  func() time.Time
}

func NewBridge(name string, rt Runtime, sub Submitter, log zerolog.Logger) *Bridge {
	return &Bridge{
		name: name,
		rt:   rt,
		sub:  sub,
		log:  log.With().Str("component", "host").Logger(),
		now:  time.Now,
	}
}

func (b *Bridge) Name() string { return b.name }

// Say shows already-rendered text to this server's players.
func (b *Bridge) Say(text string) {
	b.rt.Broadcast(text, SourceRelay)
}

func (b *Bridge) Players() []string {
	return b.rt.OnlinePlayers()
}

func (b *Bridge) OnChat(player, text string, src Source) {
	if src == SourceRelay {
		b.log.Debug().Str("text", text).Msg("Skipping relayed chat")
		return
	}
	b.submit(model.KindChat, player, text)
}

func (b *Bridge) OnJoin(player string) {
	b.submit(model.KindJoin, player, player+" joined the game")
}

func (b *Bridge) OnLeave(player string) {
	b.submit(model.KindLeave, player, player+" left the game")
}

func (b *Bridge) OnDeath(player, message string) {
	if message == "" {
		message = player + " died"
	}
	b.submit(model.KindDeath, player, message)
}

func (b *Bridge) OnAdvancement(player, advancement string) {
	text := player + " has made the advancement [" + advancement + "]"
	if advancement == "" {
		text = player + " has made an advancement"
	}
	b.submit(model.KindAdvancement, player, text)
}

func (b *Bridge) submit(kind model.Kind, player, text string) {
	b.sub.Submit(model.MessageEvent{
		Kind:       kind,
		OriginKind: model.OriginServer,
		OriginID:   b.name,
		Author:     player,
		RawText:    text,
		Timestamp:  b.now(),
	})
}
