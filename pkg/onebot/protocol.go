// Package onebot holds the OneBot v11 wire types spoken between the chatsync
// gateway and a bot framework, and a bot-side client for driving the gateway.
package onebot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Post types (event discriminator).
const (
	PostMessage   = "message"
	PostNotice    = "notice"
	PostRequest   = "request"
	PostMetaEvent = "meta_event"
)

const (
	MessageGroup   = "group"
	MessagePrivate = "private"
)

const (
	ActionSendGroupMsg   = "send_group_msg"
	ActionSendPrivateMsg = "send_private_msg"
)

const (
	StatusOK     = "ok"
	StatusAsync  = "async"
	StatusFailed = "failed"
)

// Path is where the gateway accepts reverse websocket connections.
const Path = "/onebot/v11/ws"

type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Event is the envelope of everything the bot framework pushes.
type Event struct {
	Time          int64           `json:"time"`
	SelfID        int64           `json:"self_id"`
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type,omitempty"`
	SubType       string          `json:"sub_type,omitempty"`
	MetaEventType string          `json:"meta_event_type,omitempty"`
	MessageID     int64           `json:"message_id,omitempty"`
	GroupID       int64           `json:"group_id,omitempty"`
	UserID        int64           `json:"user_id,omitempty"`
	Message       json.RawMessage `json:"message,omitempty"`
	RawMessage    string          `json:"raw_message,omitempty"`
	Sender        *Sender         `json:"sender,omitempty"`
}

// Segment is one element of an array-format message. Implementations send
// data values as strings or numbers.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Field returns a data value as text, or "" when it is absent.
func (s Segment) Field(key string) string {
	v, ok := s.Data[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// ActionRequest is sent by the gateway to make the bot act.
type ActionRequest struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo,omitempty"`
}

// ActionResponse is the bot's answer to an ActionRequest, matched by Echo.
type ActionResponse struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data,omitempty"`
	Echo    string          `json:"echo,omitempty"`
	Msg     string          `json:"msg,omitempty"`
	Wording string          `json:"wording,omitempty"`
}

type SendGroupMsgParams struct {
	GroupID    int64  `json:"group_id"`
	Message    string `json:"message"`
	AutoEscape bool   `json:"auto_escape"`
}

var cqCode = regexp.MustCompile(`\[CQ:([a-zA-Z_]+)[^\]]*\]`)

var cqUnescape = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&#44;", ",", "&amp;", "&")

// PlainText flattens a message field into readable text. String messages have
// their CQ codes replaced by "[type]" markers; array messages keep text
// segments and mark everything else the same way.
func PlainText(msg json.RawMessage, raw string) string {
	if len(msg) == 0 {
		return flattenCQ(raw)
	}
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return flattenCQ(s)
	}
	var segs []Segment
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	if err := dec.Decode(&segs); err != nil {
		return flattenCQ(raw)
	}
	var b strings.Builder
	for _, seg := range segs {
		switch seg.Type {
		case "text":
			b.WriteString(seg.Field("text"))
		case "at":
			b.WriteString("@" + seg.Field("qq"))
		default:
			b.WriteString("[" + seg.Type + "]")
		}
	}
	return strings.TrimSpace(b.String())
}

func flattenCQ(s string) string {
	s = cqCode.ReplaceAllString(s, "[$1]")
	return strings.TrimSpace(cqUnescape.Replace(s))
}
