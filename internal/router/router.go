// Package router decides, for every normalized event, which servers and
// groups receive it and with what text.
package router

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/bingosuite/chatsync/internal/model"
)

// Dispatcher is the delivery surface the hub exposes to the router.
type Dispatcher interface {
	// Servers lists every ServerNode name currently reachable, including the hub's own.
	Servers() []string
	BroadcastToServers(text string, excluding string)
	BroadcastToGroups(text string, groupIDs []int64)
}

type Router struct {
	policy   atomic.Pointer[model.RoutingPolicy]
	groups   []model.GroupTarget
	dispatch Dispatcher
	log      zerolog.Logger
}

func New(policy *model.RoutingPolicy, groups []model.GroupTarget, d Dispatcher, log zerolog.Logger) *Router {
	r := &Router{
		groups:   append([]model.GroupTarget(nil), groups...),
		dispatch: d,
		log:      log.With().Str("component", "router").Logger(),
	}
	r.policy.Store(policy)
	return r
}

// SetPolicy swaps the routing policy. In-flight Route calls finish with the old one.
func (r *Router) SetPolicy(p *model.RoutingPolicy) {
	r.policy.Store(p)
	r.log.Info().Msg("Routing policy replaced")
}

func (r *Router) Policy() *model.RoutingPolicy {
	return r.policy.Load()
}

// Plan computes the rendered messages for ev without dispatching them. The
// origin endpoint never appears among the targets.
func (r *Router) Plan(ev model.MessageEvent) []model.RenderedMessage {
	p := r.policy.Load()
	if p == nil {
		return nil
	}
	if err := ev.Validate(); err != nil {
		r.log.Warn().Err(err).Msg("Dropping invalid event")
		return nil
	}
	if !p.KindEnabled(ev.Kind) {
		r.log.Debug().Str("kind", string(ev.Kind)).Msg("Event kind disabled")
		return nil
	}

	var toServers, toGroups bool
	switch ev.OriginKind {
	case model.OriginServer:
		toServers, toGroups = p.SyncServerToServer, p.SyncServerToGroup
	case model.OriginGroup:
		toServers, toGroups = p.SyncGroupToServer, p.SyncGroupToGroup
	}

	if ev.Kind == model.KindChat && p.FilterCommands && HasPrefix(ev.RawText, p.FilterPrefixes) {
		r.log.Debug().Str("origin", ev.Origin().String()).Msg("Filtered command-like message")
		return nil
	}

	text := Truncate(ev.RawText, p.MaxMessageLength)
	server := ev.OriginID
	if ev.OriginKind == model.OriginGroup {
		server = p.GroupLabel
	}

	var out []model.RenderedMessage
	if toServers {
		if targets := r.serverTargets(ev); len(targets) > 0 {
			tpl := p.ServerChatFormat
			if ev.Kind.IsLifecycle() {
				tpl = p.ServerEventFormat
			}
			out = append(out, model.RenderedMessage{
				Text:    Render(tpl, server, ev.Author, text),
				Targets: targets,
			})
		}
	}
	if toGroups {
		if targets := r.groupTargets(ev); len(targets) > 0 {
			tpl := p.GroupChatFormat
			if ev.Kind.IsLifecycle() {
				tpl = p.GroupEventFormat
			}
			out = append(out, model.RenderedMessage{
				Text:    Render(tpl, server, ev.Author, text),
				Targets: targets,
			})
		}
	}
	return out
}

// Route plans ev and hands each rendered message to the dispatcher.
func (r *Router) Route(ev model.MessageEvent) {
	for _, msg := range r.Plan(ev) {
		if len(msg.Targets) == 0 {
			continue
		}
		switch msg.Targets[0].Kind {
		case model.OriginServer:
			excluding := ""
			if ev.OriginKind == model.OriginServer {
				excluding = ev.OriginID
			}
			r.dispatch.BroadcastToServers(msg.Text, excluding)
		case model.OriginGroup:
			ids := make([]int64, 0, len(msg.Targets))
			for _, t := range msg.Targets {
				id, err := strconv.ParseInt(t.ID, 10, 64)
				if err != nil {
					continue
				}
				ids = append(ids, id)
			}
			r.dispatch.BroadcastToGroups(msg.Text, ids)
		}
		r.log.Debug().
			Str("origin", ev.Origin().String()).
			Str("kind", string(ev.Kind)).
			Int("targets", len(msg.Targets)).
			Msg("Routed event")
	}
}

func (r *Router) serverTargets(ev model.MessageEvent) []model.Endpoint {
	var out []model.Endpoint
	for _, name := range r.dispatch.Servers() {
		if ev.OriginKind == model.OriginServer && name == ev.OriginID {
			continue
		}
		out = append(out, model.Endpoint{Kind: model.OriginServer, ID: name})
	}
	return out
}

func (r *Router) groupTargets(ev model.MessageEvent) []model.Endpoint {
	var out []model.Endpoint
	for _, g := range r.groups {
		if !g.Active {
			continue
		}
		id := strconv.FormatInt(g.GroupID, 10)
		if ev.OriginKind == model.OriginGroup && id == ev.OriginID {
			continue
		}
		out = append(out, model.Endpoint{Kind: model.OriginGroup, ID: id})
	}
	return out
}

// HasGroup reports whether id is one of the active configured groups.
func (r *Router) HasGroup(id int64) bool {
	for _, g := range r.groups {
		if g.GroupID == id && g.Active {
			return true
		}
	}
	return false
}
