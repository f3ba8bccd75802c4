// Package hub runs the main server's relay: it owns the authenticated links,
// feeds every inbound event through the router one at a time and fans the
// results out to subordinates, the local server and the chat groups.
package hub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bingosuite/chatsync/internal/binding"
	"github.com/bingosuite/chatsync/internal/link"
	"github.com/bingosuite/chatsync/internal/model"
	"github.com/bingosuite/chatsync/internal/onebot"
	"github.com/bingosuite/chatsync/internal/router"
)

const (
	eventBufferSize       = 256
	groupBufferSize       = 64
	inboxBufferSize       = 256
	defaultListWindow     = 2 * time.Second
	defaultCommandTimeout = 5 * time.Second
)

// Local is the server the hub itself runs in.
type Local interface {
	Name() string
	// Say shows already-rendered text to local players.
	Say(text string)
	Players() []string
}

// GroupSender delivers text to chat groups. The OneBot gateway is the real one.
type GroupSender interface {
	SendGroupMessage(ctx context.Context, groupID int64, text string) error
	Connected() bool
}

type Options struct {
	Policy *model.RoutingPolicy
	Groups []model.GroupTarget

	// Groups, Bindings and the command switches only matter with a Sender.
	Sender      GroupSender
	Bindings    binding.Store
	Commands    bool
	RequireBind bool

	// ListWindow bounds how long /list waits for subordinates to answer.
	ListWindow time.Duration
}

type groupMessage struct {
	text string
	ids  []int64
}

type Hub struct {
	local  Local
	router *router.Router
	opts   Options

	mu    sync.RWMutex
	links map[string]*link.Link

	register   chan *link.Link
	unregister chan *link.Link
	events     chan model.MessageEvent
	groupOut   chan groupMessage
	groupIn    chan onebot.GroupMessage

	listMu sync.Mutex
	lists  map[string]chan playerList

	// ctx scopes command handlers and group deliveries to Run.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// wg joins every goroutine started through spawn.
	spawnMu  sync.Mutex
	stopping bool
	wg       sync.WaitGroup

	log zerolog.Logger
}

func New(local Local, opts Options, log zerolog.Logger) *Hub {
	if opts.ListWindow <= 0 {
		opts.ListWindow = defaultListWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		local:      local,
		opts:       opts,
		links:      make(map[string]*link.Link),
		register:   make(chan *link.Link),
		unregister: make(chan *link.Link),
		events:     make(chan model.MessageEvent, eventBufferSize),
		groupOut:   make(chan groupMessage, groupBufferSize),
		groupIn:    make(chan onebot.GroupMessage, inboxBufferSize),
		lists:      make(map[string]chan playerList),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log.With().Str("component", "hub").Str("server", local.Name()).Logger(),
	}
	groups := opts.Groups
	if opts.Sender == nil {
		groups = nil
	}
	h.router = router.New(opts.Policy, groups, h, log)
	return h
}

// Run serializes link registration and routing until ctx is done, then
// closes every link and waits for the goroutines it owns.
func (h *Hub) Run(ctx context.Context) {
	h.spawn(h.deliverGroups)
	h.spawn(h.receiveGroups)

	defer func() {
		h.cancel()
		close(h.done)
		h.spawnMu.Lock()
		h.stopping = true
		h.spawnMu.Unlock()
		h.mu.Lock()
		for name, l := range h.links {
			_ = l.Close()
			delete(h.links, name)
		}
		h.mu.Unlock()
		h.wg.Wait()
		h.log.Info().Msg("Hub stopped")
	}()

	h.log.Info().Msg("Hub started")
	for {
		select {
		case <-ctx.Done():
			return

		case l := <-h.register:
			h.mu.Lock()
			old := h.links[l.Name()]
			h.links[l.Name()] = l
			n := len(h.links)
			h.mu.Unlock()
			if old != nil && old != l {
				h.log.Warn().Str("peer", l.Name()).Msg("Server reconnected, replacing previous link")
				_ = old.Close()
			}
			h.log.Info().Str("peer", l.Name()).Int("servers", n).Msg("Server joined")

		case l := <-h.unregister:
			h.mu.Lock()
			removed := h.links[l.Name()] == l
			if removed {
				delete(h.links, l.Name())
			}
			n := len(h.links)
			h.mu.Unlock()
			if removed {
				h.log.Info().Str("peer", l.Name()).Int("servers", n).Msg("Server left")
			}

		case ev := <-h.events:
			h.router.Route(ev)
		}
	}
}

// spawn runs f on a goroutine that Run waits for. It reports false once Run
// is shutting down.
func (h *Hub) spawn(f func()) bool {
	h.spawnMu.Lock()
	defer h.spawnMu.Unlock()
	if h.stopping {
		return false
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		f()
	}()
	return true
}

// Serve hands every link the listener authenticates to the hub and returns
// once the listener and all of its links have shut down. Subordinates may not
// authenticate under the main server's own name.
func (h *Hub) Serve(ctx context.Context, ln *link.Listener) error {
	ln.Reserve(h.local.Name())
	return ln.Serve(ctx, func(l *link.Link) { h.attach(ctx, l) })
}

// attach runs one subordinate link until it closes.
func (h *Hub) attach(ctx context.Context, l *link.Link) {
	select {
	case h.register <- l:
	case <-h.done:
		_ = l.Close()
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	if !h.spawn(l.WritePump) {
		_ = l.Close()
		return
	}
	if err := l.ReadPump(h.handleFrame); err != nil {
		h.log.Warn().Err(err).Str("peer", l.Name()).Msg("Link read error")
	}

	select {
	case h.unregister <- l:
	case <-h.done:
	}
}

func (h *Hub) handleFrame(l *link.Link, f link.Frame) {
	switch f.Type {
	case link.FrameEvent:
		ev := *f.Event
		ev.OriginKind = model.OriginServer
		ev.OriginID = l.Name()
		h.Submit(ev)
	case link.FramePlayerListReply:
		h.deliverPlayerList(f.RequestID, playerList{server: l.Name(), players: f.Players})
	default:
		h.log.Debug().Str("peer", l.Name()).Str("type", string(f.Type)).Msg("Ignoring frame")
	}
}

// Submit queues ev for routing without blocking. A full queue drops it.
func (h *Hub) Submit(ev model.MessageEvent) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn().Str("origin", ev.Origin().String()).Msg("Event queue full, dropping event")
	}
}

// SetPolicy replaces the routing policy for subsequent events.
func (h *Hub) SetPolicy(p *model.RoutingPolicy) {
	h.router.SetPolicy(p)
}

func (h *Hub) Servers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.links)+1)
	names = append(names, h.local.Name())
	for name := range h.links {
		names = append(names, name)
	}
	slices.Sort(names[1:])
	return names
}

func (h *Hub) BroadcastToServers(text, excluding string) {
	if excluding != h.local.Name() {
		h.local.Say(text)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	f := link.Frame{Type: link.FrameBroadcast, Text: text, Timestamp: time.Now().UnixMilli()}
	for name, l := range h.links {
		if name == excluding {
			continue
		}
		switch err := l.Send(f); {
		case errors.Is(err, link.ErrQueueFull):
			h.log.Warn().Str("peer", name).Int("pending", l.Pending()).Msg("Link queue full, dropping message")
		case err != nil:
			h.log.Debug().Err(err).Str("peer", name).Msg("Link unavailable, dropping message")
		}
	}
}

func (h *Hub) BroadcastToGroups(text string, groupIDs []int64) {
	h.enqueueGroups(groupMessage{text: text, ids: groupIDs})
}

func (h *Hub) enqueueGroups(m groupMessage) {
	if h.opts.Sender == nil || len(m.ids) == 0 {
		return
	}
	select {
	case h.groupOut <- m:
	default:
		h.log.Warn().Ints64("groups", m.ids).Msg("Group queue full, dropping message")
	}
}

// deliverGroups sends group messages in order, off the routing loop. Each
// call is bounded by the sender's own timeout.
func (h *Hub) deliverGroups() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case m := <-h.groupOut:
			for _, id := range m.ids {
				err := h.opts.Sender.SendGroupMessage(h.ctx, id, m.text)
				switch {
				case err == nil:
				case errors.Is(err, onebot.ErrNotConnected):
					h.log.Debug().Int64("group", id).Msg("No bot client, dropping group message")
				default:
					h.log.Warn().Err(err).Int64("group", id).Msg("Group delivery failed")
				}
			}
		}
	}
}

// Status is a point-in-time view of the hub.
type Status struct {
	Role             string   `json:"role"`
	Name             string   `json:"name"`
	Servers          []string `json:"servers"`
	GatewayConnected bool     `json:"gatewayConnected"`
	Groups           []int64  `json:"groups,omitempty"`
	MainConnected    bool     `json:"mainConnected,omitempty"`
}

func (s Status) String() string {
	if s.Role == model.RoleSubordinate.String() {
		return fmt.Sprintf("%s (%s) main connected: %t", s.Name, s.Role, s.MainConnected)
	}
	return fmt.Sprintf("%s (%s) servers: [%s] bot connected: %t",
		s.Name, s.Role, strings.Join(s.Servers, ", "), s.GatewayConnected)
}

func (h *Hub) Status() Status {
	st := Status{
		Role:    model.RoleMain.String(),
		Name:    h.local.Name(),
		Servers: h.Servers()[1:],
	}
	if h.opts.Sender != nil {
		st.GatewayConnected = h.opts.Sender.Connected()
		for _, g := range h.opts.Groups {
			st.Groups = append(st.Groups, g.GroupID)
		}
	}
	return st
}

// Nodes lists the main server and every connected subordinate.
func (h *Hub) Nodes() []model.ServerNode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	nodes := []model.ServerNode{{Name: h.local.Name(), Role: model.RoleMain, LinkState: model.LinkAuthenticated}}
	for name, l := range h.links {
		nodes = append(nodes, model.ServerNode{Name: name, Role: model.RoleSubordinate, LinkState: l.State()})
	}
	slices.SortFunc(nodes[1:], func(a, b model.ServerNode) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return nodes
}

type playerList struct {
	server  string
	players []string
}

// Players collects the online players of every server. Subordinates that do
// not answer within the list window are reported as nil.
func (h *Hub) Players(ctx context.Context) map[string][]string {
	self := h.local.Players()
	if self == nil {
		self = []string{}
	}
	out := map[string][]string{h.local.Name(): self}

	h.mu.RLock()
	targets := make([]*link.Link, 0, len(h.links))
	for name, l := range h.links {
		out[name] = nil
		targets = append(targets, l)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return out
	}

	id := uuid.NewString()
	replies := make(chan playerList, len(targets))
	h.listMu.Lock()
	h.lists[id] = replies
	h.listMu.Unlock()
	defer func() {
		h.listMu.Lock()
		delete(h.lists, id)
		h.listMu.Unlock()
	}()

	asked := 0
	for _, l := range targets {
		if err := l.Send(link.Frame{Type: link.FramePlayerListRequest, RequestID: id}); err != nil {
			h.log.Debug().Err(err).Str("peer", l.Name()).Msg("Player list request not sent")
			continue
		}
		asked++
	}

	timer := time.NewTimer(h.opts.ListWindow)
	defer timer.Stop()
	for asked > 0 {
		select {
		case r := <-replies:
			if r.players == nil {
				r.players = []string{}
			}
			out[r.server] = r.players
			asked--
		case <-timer.C:
			return out
		case <-ctx.Done():
			return out
		}
	}
	return out
}

func (h *Hub) deliverPlayerList(id string, r playerList) {
	h.listMu.Lock()
	ch, ok := h.lists[id]
	h.listMu.Unlock()
	if !ok {
		h.log.Debug().Str("request", id).Msg("Late player list reply")
		return
	}
	select {
	case ch <- r:
	default:
	}
}
