package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageEventValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		event   MessageEvent
		wantErr bool
	}{
		{"chat", MessageEvent{Kind: KindChat, OriginKind: OriginServer, OriginID: "Lobby", RawText: "hi", Timestamp: now}, false},
		{"join without text", MessageEvent{Kind: KindJoin, OriginKind: OriginServer, OriginID: "Lobby"}, false},
		{"unknown kind", MessageEvent{Kind: "emote", OriginKind: OriginServer, OriginID: "Lobby", RawText: "x"}, true},
		{"unknown origin", MessageEvent{Kind: KindChat, OriginKind: "console", OriginID: "Lobby", RawText: "x"}, true},
		{"missing origin id", MessageEvent{Kind: KindChat, OriginKind: OriginGroup, RawText: "x"}, true},
		{"empty chat", MessageEvent{Kind: KindChat, OriginKind: OriginGroup, OriginID: "1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestKindEnabled(t *testing.T) {
	p := &RoutingPolicy{SyncJoinLeave: true}
	assert.True(t, p.KindEnabled(KindChat))
	assert.True(t, p.KindEnabled(KindJoin))
	assert.True(t, p.KindEnabled(KindLeave))
	assert.False(t, p.KindEnabled(KindDeath))
	assert.False(t, p.KindEnabled(KindAdvancement))
	assert.False(t, p.KindEnabled("emote"))
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "main", RoleMain.String())
	assert.Equal(t, "subordinate", RoleSubordinate.String())
	assert.Equal(t, "authenticated", LinkAuthenticated.String())
	assert.Equal(t, "group:42", Endpoint{Kind: OriginGroup, ID: "42"}.String())
}
