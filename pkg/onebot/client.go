package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StatusError reports a handshake the gateway refused with an HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway rejected connection: %d %s", e.Code, http.StatusText(e.Code))
}

// Client plays the bot-framework side: it dials the gateway, pushes events
// and answers the actions it receives.
type Client struct {
	URL    string
	Token  string
	SelfID int64

	// OnAction is called for every action request. When nil, or when it
	// returns a nil response, the action is acknowledged with status ok.
	OnAction func(ActionRequest) *ActionResponse

	Log zerolog.Logger

	conn      *websocket.Conn
	send      chan any
	done      chan struct{}
	closeOnce sync.Once
	messageID atomic.Int64
}

func NewClient(rawURL, token string, selfID int64, log zerolog.Logger) *Client {
	return &Client{
		URL:    rawURL,
		Token:  token,
		SelfID: selfID,
		Log:    log,
		send:   make(chan any, 256),
		done:   make(chan struct{}),
	}
}

// Connect dials the gateway and starts the pumps.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid gateway url: %w", err)
	}
	header := http.Header{}
	header.Set("X-Self-ID", fmt.Sprint(c.SelfID))
	header.Set("X-Client-Role", "Universal")
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return &StatusError{Code: resp.StatusCode}
		}
		return fmt.Errorf("dial error: %w", err)
	}
	c.conn = conn
	c.Log.Info().Str("url", u.String()).Msg("Connected to gateway")

	go c.readPump()
	go c.writePump()
	return nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readPump() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Log.Warn().Err(err).Msg("Gateway connection error")
			}
			return
		}
		var req ActionRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Action == "" {
			c.Log.Warn().Err(err).Msg("Ignoring unrecognized frame")
			continue
		}
		c.handleAction(req)
	}
}

func (c *Client) handleAction(req ActionRequest) {
	var resp *ActionResponse
	if c.OnAction != nil {
		resp = c.OnAction(req)
	}
	if resp == nil {
		data, _ := json.Marshal(map[string]int64{"message_id": c.messageID.Add(1)})
		resp = &ActionResponse{Status: StatusOK, Data: data}
	}
	resp.Echo = req.Echo
	if err := c.enqueue(resp); err != nil {
		c.Log.Warn().Err(err).Str("action", req.Action).Msg("Failed to acknowledge action")
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case v := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			var err error
			if raw, ok := v.(rawPayload); ok {
				err = c.conn.WriteMessage(websocket.TextMessage, raw)
			} else {
				err = c.conn.WriteJSON(v)
			}
			if err != nil {
				c.Log.Warn().Err(err).Msg("Write error")
				c.Close()
				return
			}
		}
	}
}

func (c *Client) enqueue(v any) error {
	select {
	case c.send <- v:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	}
}

// SendGroupMessage pushes a group message event as if a member had spoken.
func (c *Client) SendGroupMessage(groupID, userID int64, nickname, card, text string) error {
	msg, err := json.Marshal(text)
	if err != nil {
		return err
	}
	return c.SendEvent(Event{
		Time:        time.Now().Unix(),
		SelfID:      c.SelfID,
		PostType:    PostMessage,
		MessageType: MessageGroup,
		SubType:     "normal",
		MessageID:   c.messageID.Add(1),
		GroupID:     groupID,
		UserID:      userID,
		Message:     msg,
		RawMessage:  text,
		Sender:      &Sender{UserID: userID, Nickname: nickname, Card: card},
	})
}

// SendHeartbeat pushes a heartbeat meta event.
func (c *Client) SendHeartbeat() error {
	return c.SendEvent(Event{
		Time:          time.Now().Unix(),
		SelfID:        c.SelfID,
		PostType:      PostMetaEvent,
		MetaEventType: "heartbeat",
	})
}

func (c *Client) SendEvent(ev Event) error {
	return c.enqueue(ev)
}

// SendRaw pushes an arbitrary payload, which need not be a valid event.
func (c *Client) SendRaw(data []byte) error {
	return c.enqueue(rawPayload(data))
}

type rawPayload []byte

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = c.conn.Close()
		}
	})
}
