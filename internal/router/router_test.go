package router

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bingosuite/chatsync/internal/model"
)

type recordingDispatcher struct {
	servers     []string
	serverCalls []serverCall
	groupCalls  []groupCall
}

type serverCall struct {
	text      string
	excluding string
}

type groupCall struct {
	text string
	ids  []int64
}

func (d *recordingDispatcher) Servers() []string { return d.servers }

func (d *recordingDispatcher) BroadcastToServers(text, excluding string) {
	d.serverCalls = append(d.serverCalls, serverCall{text, excluding})
}

func (d *recordingDispatcher) BroadcastToGroups(text string, ids []int64) {
	d.groupCalls = append(d.groupCalls, groupCall{text, ids})
}

func testPolicy() *model.RoutingPolicy {
	return &model.RoutingPolicy{
		SyncServerToGroup:  true,
		SyncGroupToServer:  true,
		SyncServerToServer: true,
		SyncGroupToGroup:   true,
		SyncJoinLeave:      true,
		SyncDeath:          true,
		SyncAdvancement:    true,
		FilterCommands:     true,
		FilterPrefixes:     []string{"/", "!", ".", "#"},
		MaxMessageLength:   200,
		ServerChatFormat:   "[{server}] <{player}> {message}",
		ServerEventFormat:  "[{server}] {message}",
		GroupChatFormat:    "({server}) {player}: {message}",
		GroupEventFormat:   "({server}) {message}",
		GroupLabel:         "QQ",
	}
}

func newTestRouter(p *model.RoutingPolicy, servers ...string) (*Router, *recordingDispatcher) {
	d := &recordingDispatcher{servers: servers}
	groups := []model.GroupTarget{{GroupID: 1001, Active: true}, {GroupID: 1002, Active: true}, {GroupID: 1003, Active: false}}
	return New(p, groups, d, zerolog.Nop()), d
}

func chatFrom(server, player, text string) model.MessageEvent {
	return model.MessageEvent{
		Kind:       model.KindChat,
		OriginKind: model.OriginServer,
		OriginID:   server,
		Author:     player,
		RawText:    text,
		Timestamp:  time.Now(),
	}
}

func TestRenderSubstitution(t *testing.T) {
	got := Render("[{server}] <{player}> {message}", "Lobby", "Alice", "hi")
	assert.Equal(t, "[Lobby] <Alice> hi", got)
}

func TestRenderDoesNotReexpandValues(t *testing.T) {
	got := Render("<{player}> {message}", "Lobby", "{message}", "{server}")
	assert.Equal(t, "<{message}> {server}", got)
}

func TestRenderDefaultsPlayer(t *testing.T) {
	assert.Equal(t, "unknown player", Render("{player}", "", "", ""))
}

func TestTruncateIdempotent(t *testing.T) {
	inputs := []string{"", "short", strings.Repeat("a", 500), "héllo wörld ünïcode", "你好世界你好世界"}
	for _, max := range []int{1, 3, 5, 200} {
		for _, in := range inputs {
			once := Truncate(in, max)
			assert.Equal(t, once, Truncate(once, max), "max=%d in=%q", max, in)
			assert.LessOrEqual(t, len([]rune(once)), max)
		}
	}
}

func TestTruncateCountsCharacters(t *testing.T) {
	assert.Equal(t, "你好", Truncate("你好世界", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
}

func TestValidateTemplate(t *testing.T) {
	valid := []string{"", "plain", "[{server}] <{player}> {message}", "{message}{message}"}
	for _, tpl := range valid {
		assert.NoError(t, ValidateTemplate(tpl), tpl)
	}
	invalid := []string{"{server", "server}", "{nope}", "}{message}", "{ message }"}
	for _, tpl := range invalid {
		assert.ErrorIs(t, ValidateTemplate(tpl), ErrBadTemplate, tpl)
	}
}

func TestPlanNeverTargetsOrigin(t *testing.T) {
	r, _ := newTestRouter(testPolicy(), "Main", "A", "B")
	for _, origin := range []string{"Main", "A", "B"} {
		for _, msg := range r.Plan(chatFrom(origin, "Alice", "hello")) {
			for _, target := range msg.Targets {
				assert.NotEqual(t, model.Endpoint{Kind: model.OriginServer, ID: origin}, target)
			}
		}
	}

	groupEvent := model.MessageEvent{Kind: model.KindChat, OriginKind: model.OriginGroup, OriginID: "1001", Author: "Bob", RawText: "yo"}
	for _, msg := range r.Plan(groupEvent) {
		for _, target := range msg.Targets {
			assert.NotEqual(t, "1001", target.ID)
		}
	}
}

func TestPlanFiltersCommands(t *testing.T) {
	r, _ := newTestRouter(testPolicy(), "Main", "A")
	for _, text := range []string{"/tp Alice", "!help", ".x", "#tag"} {
		assert.Empty(t, r.Plan(chatFrom("A", "Alice", text)), text)
	}

	p := testPolicy()
	p.FilterCommands = false
	r, _ = newTestRouter(p, "Main", "A")
	assert.NotEmpty(t, r.Plan(chatFrom("A", "Alice", "/tp Alice")))
}

func TestPlanHonoursKindFlags(t *testing.T) {
	p := testPolicy()
	p.SyncJoinLeave = false
	p.SyncDeath = false
	p.SyncAdvancement = false
	r, _ := newTestRouter(p, "Main", "A")
	for _, k := range []model.Kind{model.KindJoin, model.KindLeave, model.KindDeath, model.KindAdvancement} {
		ev := model.MessageEvent{Kind: k, OriginKind: model.OriginServer, OriginID: "A", Author: "Alice", RawText: "x"}
		assert.Empty(t, r.Plan(ev), string(k))
	}
}

func TestPlanTemplatesByTargetClass(t *testing.T) {
	r, _ := newTestRouter(testPolicy(), "Main", "A")
	msgs := r.Plan(chatFrom("A", "Alice", "hi"))
	require.Len(t, msgs, 2)
	assert.Equal(t, "[A] <Alice> hi", msgs[0].Text)
	assert.Equal(t, "(A) Alice: hi", msgs[1].Text)

	join := model.MessageEvent{Kind: model.KindJoin, OriginKind: model.OriginServer, OriginID: "A", Author: "Alice", RawText: "Alice joined the game"}
	msgs = r.Plan(join)
	require.Len(t, msgs, 2)
	assert.Equal(t, "[A] Alice joined the game", msgs[0].Text)
	assert.Equal(t, "(A) Alice joined the game", msgs[1].Text)
}

func TestPlanGroupOriginUsesLabel(t *testing.T) {
	r, _ := newTestRouter(testPolicy(), "Main", "A")
	ev := model.MessageEvent{Kind: model.KindChat, OriginKind: model.OriginGroup, OriginID: "1001", Author: "Bob", RawText: "yo"}
	msgs := r.Plan(ev)
	require.Len(t, msgs, 2)
	assert.Equal(t, "[QQ] <Bob> yo", msgs[0].Text)
	assert.Len(t, msgs[0].Targets, 2)
	assert.Equal(t, []model.Endpoint{{Kind: model.OriginGroup, ID: "1002"}}, msgs[1].Targets)
}

func TestPlanDirectionFlags(t *testing.T) {
	p := testPolicy()
	p.SyncServerToGroup = false
	r, _ := newTestRouter(p, "Main", "A")
	msgs := r.Plan(chatFrom("A", "Alice", "hi"))
	require.Len(t, msgs, 1)
	assert.Equal(t, model.OriginServer, msgs[0].Targets[0].Kind)

	p = testPolicy()
	p.SyncServerToServer = false
	r, _ = newTestRouter(p, "Main", "A")
	msgs = r.Plan(chatFrom("A", "Alice", "hi"))
	require.Len(t, msgs, 1)
	assert.Equal(t, model.OriginGroup, msgs[0].Targets[0].Kind)
}

func TestPlanTruncatesBeforeTemplating(t *testing.T) {
	p := testPolicy()
	p.MaxMessageLength = 5
	r, _ := newTestRouter(p, "Main", "A")
	msgs := r.Plan(chatFrom("A", "Alice", "hello world"))
	require.NotEmpty(t, msgs)
	assert.Equal(t, "[A] <Alice> hello", msgs[0].Text)
}

func TestRouteDispatchesOncePerClass(t *testing.T) {
	r, d := newTestRouter(testPolicy(), "Main", "A", "B")
	r.Route(chatFrom("A", "Alice", "hello"))

	require.Len(t, d.serverCalls, 1)
	assert.Equal(t, "A", d.serverCalls[0].excluding)
	assert.Contains(t, d.serverCalls[0].text, "hello")
	require.Len(t, d.groupCalls, 1)
	assert.Equal(t, []int64{1001, 1002}, d.groupCalls[0].ids)
}

func TestRouteJoinToGroup(t *testing.T) {
	p := testPolicy()
	p.SyncServerToServer = false
	rd := &recordingDispatcher{servers: []string{"Lobby"}}
	r := New(p, []model.GroupTarget{{GroupID: 1, Active: true}}, rd, zerolog.Nop())

	join := model.MessageEvent{Kind: model.KindJoin, OriginKind: model.OriginServer, OriginID: "Lobby", Author: "Alice", RawText: "Alice joined the game"}
	r.Route(join)
	require.Len(t, rd.groupCalls, 1)
	assert.Equal(t, []int64{1}, rd.groupCalls[0].ids)
	assert.Equal(t, "(Lobby) Alice joined the game", rd.groupCalls[0].text)

	p2 := testPolicy()
	p2.SyncJoinLeave = false
	r.SetPolicy(p2)
	r.Route(join)
	assert.Len(t, rd.groupCalls, 1)
}

func TestHasGroup(t *testing.T) {
	r, _ := newTestRouter(testPolicy(), "Main")
	assert.True(t, r.HasGroup(1001))
	assert.False(t, r.HasGroup(1003))
	assert.False(t, r.HasGroup(9))
}
