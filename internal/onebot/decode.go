package onebot

import (
	"encoding/json"
	"strconv"
	"time"

	wire "github.com/bingosuite/chatsync/pkg/onebot"
)

// Event is one decoded inbound payload. Exactly one of the concrete types
// below is returned for every frame, so callers switch on the type.
type Event interface {
	event()
}

// GroupMessage is a member speaking in a group.
type GroupMessage struct {
	SelfID   int64
	GroupID  int64
	UserID   int64
	Nickname string
	Card     string
	Text     string
	Time     time.Time
}

// DisplayName prefers the group card, then the nickname, then the user id.
func (m GroupMessage) DisplayName() string {
	if m.Card != "" {
		return m.Card
	}
	if m.Nickname != "" {
		return m.Nickname
	}
	return "user" + strconv.FormatInt(m.UserID, 10)
}

type PrivateMessage struct {
	UserID   int64
	Nickname string
	Text     string
}

type MetaEvent struct {
	Type string
}

// ActionResult acknowledges an earlier action call.
type ActionResult struct {
	Echo    string
	OK      bool
	RetCode int
	Message string
}

// Unrecognized is anything the gateway does not handle.
type Unrecognized struct {
	Reason string
	Raw    []byte
}

func (GroupMessage) event()   {}
func (PrivateMessage) event() {}
func (MetaEvent) event()      {}
func (ActionResult) event()   {}
func (Unrecognized) event()   {}

// probe holds the discriminator fields of both events and action responses.
type probe struct {
	wire.Event
	Status  *string `json:"status"`
	RetCode int     `json:"retcode"`
	Echo    string  `json:"echo"`
	Msg     string  `json:"msg"`
	Wording string  `json:"wording"`
}

// Decode never fails; payloads it cannot classify come back as Unrecognized.
func Decode(data []byte) Event {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return Unrecognized{Reason: "invalid json: " + err.Error(), Raw: data}
	}

	if p.Status != nil {
		msg := p.Wording
		if msg == "" {
			msg = p.Msg
		}
		return ActionResult{
			Echo:    p.Echo,
			OK:      (*p.Status == wire.StatusOK || *p.Status == wire.StatusAsync) && p.RetCode == 0,
			RetCode: p.RetCode,
			Message: msg,
		}
	}

	switch p.PostType {
	case wire.PostMessage:
		text := wire.PlainText(p.Message, p.RawMessage)
		switch p.MessageType {
		case wire.MessageGroup:
			if p.GroupID == 0 {
				return Unrecognized{Reason: "group message without group_id", Raw: data}
			}
			m := GroupMessage{
				SelfID:  p.SelfID,
				GroupID: p.GroupID,
				UserID:  p.UserID,
				Text:    text,
				Time:    time.Unix(p.Time, 0),
			}
			if p.Time == 0 {
				m.Time = time.Now()
			}
			if p.Sender != nil {
				m.Nickname = p.Sender.Nickname
				m.Card = p.Sender.Card
				if m.UserID == 0 {
					m.UserID = p.Sender.UserID
				}
			}
			return m
		case wire.MessagePrivate:
			pm := PrivateMessage{UserID: p.UserID, Text: text}
			if p.Sender != nil {
				pm.Nickname = p.Sender.Nickname
			}
			return pm
		default:
			return Unrecognized{Reason: "unsupported message_type " + strconv.Quote(p.MessageType), Raw: data}
		}
	case wire.PostMetaEvent:
		return MetaEvent{Type: p.MetaEventType}
	case "":
		return Unrecognized{Reason: "missing post_type", Raw: data}
	default:
		return Unrecognized{Reason: "unsupported post_type " + strconv.Quote(p.PostType), Raw: data}
	}
}
