package hub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bingosuite/chatsync/internal/binding"
	"github.com/bingosuite/chatsync/internal/model"
	"github.com/bingosuite/chatsync/internal/onebot"
)

const helpText = `Commands:
/bind <nickname> - link your account to an in-game name
/unbind - remove your link
/list - show online players on every server
/help - show this message`

const bindHint = "Bind your in-game name with /bind <nickname> before chatting with the servers."

// OnGroupMessage takes group messages from the gateway and queues them for
// receiveGroups. A full queue drops the message.
func (h *Hub) OnGroupMessage(m onebot.GroupMessage) {
	if !h.router.HasGroup(m.GroupID) {
		h.log.Debug().Int64("group", m.GroupID).Msg("Ignoring message from unconfigured group")
		return
	}
	select {
	case h.groupIn <- m:
	default:
		h.log.Warn().Int64("group", m.GroupID).Int64("user", m.UserID).Msg("Group inbox full, dropping message")
	}
}

// receiveGroups handles queued group messages in arrival order. Commands are
// answered in the group and never relayed; everything else becomes a chat
// event.
func (h *Hub) receiveGroups() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case m := <-h.groupIn:
			h.handleGroupMessage(m)
		}
	}
}

func (h *Hub) handleGroupMessage(m onebot.GroupMessage) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	if h.opts.Commands && strings.HasPrefix(text, "/") {
		h.spawn(func() { h.runCommand(m, text) })
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, defaultCommandTimeout)
	defer cancel()
	author, bound := h.author(ctx, m)
	if h.opts.RequireBind && h.opts.Bindings != nil && !bound {
		h.reply(m.GroupID, bindHint)
		return
	}

	ts := m.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	h.Submit(model.MessageEvent{
		Kind:       model.KindChat,
		OriginKind: model.OriginGroup,
		OriginID:   strconv.FormatInt(m.GroupID, 10),
		Author:     author,
		RawText:    text,
		Timestamp:  ts,
	})
}

// author prefers the member's bound nickname over their group display name.
func (h *Hub) author(ctx context.Context, m onebot.GroupMessage) (string, bool) {
	if h.opts.Bindings == nil {
		return m.DisplayName(), false
	}
	nick, ok, err := h.opts.Bindings.Nickname(ctx, m.UserID)
	if err != nil {
		h.log.Warn().Err(err).Int64("user", m.UserID).Msg("Binding lookup failed")
		return m.DisplayName(), false
	}
	if !ok {
		return m.DisplayName(), false
	}
	return nick, true
}

func (h *Hub) runCommand(m onebot.GroupMessage, text string) {
	ctx, cancel := context.WithTimeout(h.ctx, defaultCommandTimeout)
	defer cancel()

	name, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	h.log.Debug().Int64("group", m.GroupID).Int64("user", m.UserID).Str("command", name).Msg("Group command")

	var out string
	switch strings.ToLower(name) {
	case "/help":
		out = helpText
	case "/list":
		out = formatPlayers(h.local.Name(), h.Players(ctx))
	case "/bind":
		out = h.bind(ctx, m, arg)
	case "/unbind":
		out = h.unbind(ctx, m)
	default:
		out = fmt.Sprintf("Unknown command %s. Send /help for the list of commands.", name)
	}
	h.reply(m.GroupID, out)
}

func (h *Hub) bind(ctx context.Context, m onebot.GroupMessage, nickname string) string {
	if h.opts.Bindings == nil {
		return "Binding is not enabled on this server."
	}
	if nickname == "" {
		return "Usage: /bind <nickname>"
	}
	err := h.opts.Bindings.Bind(ctx, m.UserID, nickname)
	switch {
	case err == nil:
		return fmt.Sprintf("%s is now bound to %s.", m.DisplayName(), nickname)
	case errors.Is(err, binding.ErrBadNickname):
		return "Nicknames are 3 to 16 characters without spaces."
	case errors.Is(err, binding.ErrAlreadyBound):
		return "You are already bound. Send /unbind first."
	case errors.Is(err, binding.ErrNicknameTaken):
		return fmt.Sprintf("%s is already bound to someone else.", nickname)
	default:
		h.log.Error().Err(err).Int64("user", m.UserID).Msg("Bind failed")
		return "Binding failed, try again later."
	}
}

func (h *Hub) unbind(ctx context.Context, m onebot.GroupMessage) string {
	if h.opts.Bindings == nil {
		return "Binding is not enabled on this server."
	}
	nick, err := h.opts.Bindings.Unbind(ctx, m.UserID)
	switch {
	case err == nil:
		return fmt.Sprintf("Unbound %s.", nick)
	case errors.Is(err, binding.ErrNotBound):
		return "You are not bound."
	default:
		h.log.Error().Err(err).Int64("user", m.UserID).Msg("Unbind failed")
		return "Unbinding failed, try again later."
	}
}

// reply answers in one group without going through the router.
func (h *Hub) reply(groupID int64, text string) {
	h.enqueueGroups(groupMessage{text: text, ids: []int64{groupID}})
}

// formatPlayers lists self first, then the other servers by name.
func formatPlayers(self string, players map[string][]string) string {
	names := make([]string, 0, len(players))
	for name := range players {
		if name != self {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	names = append([]string{self}, names...)

	var b strings.Builder
	b.WriteString("Online players:")
	for _, name := range names {
		list := players[name]
		switch {
		case list == nil:
			fmt.Fprintf(&b, "\n[%s] no response", name)
		case len(list) == 0:
			fmt.Fprintf(&b, "\n[%s] (0)", name)
		default:
			fmt.Fprintf(&b, "\n[%s] (%d): %s", name, len(list), strings.Join(list, ", "))
		}
	}
	return b.String()
}
