// Package onebot is the group-chat gateway: a OneBot v11 reverse websocket
// endpoint that a bot framework dials into.
package onebot

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	wire "github.com/bingosuite/chatsync/pkg/onebot"
)

var (
	ErrNotConnected     = errors.New("no bot client connected")
	ErrAlreadyConnected = errors.New("a bot client is already connected")
	ErrCallTimeout      = errors.New("action call timed out")
)

const (
	DefaultCallTimeout = 5 * time.Second
	DefaultAckTimeout  = 10 * time.Second
	defaultQueueSize   = 256
)

// Handler receives group messages decoded by the gateway. It is called from
// the connection's read goroutine and must not block.
type Handler interface {
	OnGroupMessage(GroupMessage)
}

type HandlerFunc func(GroupMessage)

func (f HandlerFunc) OnGroupMessage(m GroupMessage) { f(m) }

type Options struct {
	Addr        string
	Token       string
	CallTimeout time.Duration
	AckTimeout  time.Duration
	QueueSize   int
}

type pendingCall struct {
	action  string
	groupID int64
	sent    time.Time
	timer   *time.Timer
}

type Gateway struct {
	opts     Options
	handler  Handler
	log      zerolog.Logger
	router   *httprouter.Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *connection
	claimed bool
	pending map[string]*pendingCall
	status  func() any

	srv *http.Server
	ln  net.Listener
	wg  sync.WaitGroup
}

func New(opts Options, h Handler, log zerolog.Logger) *Gateway {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	g := &Gateway{
		opts:     opts,
		handler:  h,
		log:      log.With().Str("component", "gateway").Logger(),
		router:   httprouter.New(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		pending:  make(map[string]*pendingCall),
	}
	g.router.GET(wire.Path, g.handleWS)
	g.router.GET("/onebot/v11/", g.handleWS)
	g.router.GET("/status", g.handleStatus)
	return g
}

// SetHandler replaces the group message handler. Call before Start.
func (g *Gateway) SetHandler(h Handler) {
	g.handler = h
}

// SetStatus installs the function whose result is served at /status.
func (g *Gateway) SetStatus(f func() any) {
	g.mu.Lock()
	g.status = f
	g.mu.Unlock()
}

// Handler exposes the HTTP routes, for mounting under a test server.
func (g *Gateway) Handler() http.Handler { return g.router }

// Start binds the listen address and serves until ctx is done.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.opts.Addr, err)
	}
	g.ln = ln
	g.srv = &http.Server{Handler: g.router, ReadHeaderTimeout: 10 * time.Second}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.log.Info().Str("addr", ln.Addr().String()).Msg("OneBot gateway listening")
		if err := g.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error().Err(err).Msg("Gateway server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		g.Close()
	}()
	return nil
}

// Addr is the bound address once Start has returned.
func (g *Gateway) Addr() net.Addr {
	if g.ln == nil {
		return nil
	}
	return g.ln.Addr()
}

// Close stops the HTTP server and drops the bot connection.
func (g *Gateway) Close() {
	if g.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = g.srv.Shutdown(ctx)
		cancel()
	}
	g.mu.Lock()
	c := g.conn
	for echo, p := range g.pending {
		p.timer.Stop()
		delete(g.pending, echo)
	}
	g.mu.Unlock()
	if c != nil {
		c.close()
	}
	g.wg.Wait()
}

func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn != nil
}

// Pending is the number of action calls still waiting for acknowledgment.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if code := g.authorize(r); code != 0 {
		g.log.Warn().Int("status", code).Str("remote", r.RemoteAddr).Msg("Rejected bot connection")
		http.Error(w, http.StatusText(code), code)
		return
	}
	if !g.claim() {
		g.log.Warn().Str("remote", r.RemoteAddr).Msg("Rejected second bot connection")
		http.Error(w, ErrAlreadyConnected.Error(), http.StatusConflict)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.release(nil)
		g.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	g.wg.Add(1)
	defer g.wg.Done()

	c := newConnection(ws, uuid.NewString(), r.Header.Get("X-Self-ID"), g.opts.QueueSize, g.log)
	g.mu.Lock()
	g.conn = c
	g.mu.Unlock()
	g.log.Info().Str("remote", r.RemoteAddr).Str("self_id", c.selfID).Msg("Bot client connected")

	go c.writePump()
	c.readPump(g.handleFrame)

	g.release(c)
	g.log.Info().Str("self_id", c.selfID).Msg("Bot client disconnected")
}

// authorize returns 0 when the request may connect, else the HTTP status to
// reject it with.
func (g *Gateway) authorize(r *http.Request) int {
	if g.opts.Token == "" {
		return 0
	}
	presented := ""
	if h := r.Header.Get("Authorization"); h != "" {
		for _, scheme := range []string{"Bearer ", "Token "} {
			if len(h) > len(scheme) && strings.EqualFold(h[:len(scheme)], scheme) {
				presented = strings.TrimSpace(h[len(scheme):])
				break
			}
		}
	}
	if presented == "" {
		presented = r.URL.Query().Get("access_token")
	}
	if presented == "" {
		return http.StatusUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(g.opts.Token)) != 1 {
		return http.StatusForbidden
	}
	return 0
}

func (g *Gateway) claim() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.claimed {
		return false
	}
	g.claimed = true
	return true
}

func (g *Gateway) release(c *connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == c {
		g.conn = nil
	}
	g.claimed = false
}

func (g *Gateway) handleFrame(data []byte) {
	switch ev := Decode(data).(type) {
	case GroupMessage:
		g.log.Debug().Int64("group", ev.GroupID).Int64("user", ev.UserID).Msg("Group message")
		if g.handler != nil {
			g.handler.OnGroupMessage(ev)
		}
	case ActionResult:
		g.resolve(ev)
	case MetaEvent:
		g.log.Debug().Str("meta", ev.Type).Msg("Meta event")
	case PrivateMessage:
		g.log.Debug().Int64("user", ev.UserID).Msg("Ignoring private message")
	case Unrecognized:
		g.log.Warn().Str("reason", ev.Reason).Int("bytes", len(ev.Raw)).Msg("Ignoring unrecognized payload")
	}
}

// SendGroupMessage issues send_group_msg with text sent literally, so CQ codes
// typed by players or members are never interpreted. It returns once the call
// is queued on the connection; the acknowledgment is awaited in the background
// and a failure or missing ack is only logged.
func (g *Gateway) SendGroupMessage(ctx context.Context, groupID int64, text string) error {
	params := wire.SendGroupMsgParams{GroupID: groupID, Message: text, AutoEscape: true}
	return g.call(ctx, wire.ActionSendGroupMsg, params, groupID)
}

func (g *Gateway) call(ctx context.Context, action string, params any, groupID int64) error {
	g.mu.Lock()
	c := g.conn
	g.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}

	echo := uuid.NewString()
	data, err := json.Marshal(wire.ActionRequest{Action: action, Params: params, Echo: echo})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", action, err)
	}

	p := &pendingCall{action: action, groupID: groupID, sent: time.Now()}
	p.timer = time.AfterFunc(g.opts.AckTimeout, func() { g.expire(echo) })
	g.mu.Lock()
	g.pending[echo] = p
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
	defer cancel()
	if err := c.enqueue(ctx, data); err != nil {
		g.forget(echo)
		switch {
		case errors.Is(err, errConnClosed):
			return ErrNotConnected
		case errors.Is(err, context.DeadlineExceeded):
			return ErrCallTimeout
		default:
			return err
		}
	}
	return nil
}

func (g *Gateway) forget(echo string) *pendingCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[echo]
	if !ok {
		return nil
	}
	delete(g.pending, echo)
	p.timer.Stop()
	return p
}

func (g *Gateway) expire(echo string) {
	if p := g.forget(echo); p != nil {
		g.log.Warn().
			Str("action", p.action).
			Int64("group", p.groupID).
			Str("echo", echo).
			Msg("No acknowledgment for action")
	}
}

func (g *Gateway) resolve(res ActionResult) {
	p := g.forget(res.Echo)
	if p == nil {
		g.log.Debug().Str("echo", res.Echo).Msg("Unmatched action result")
		return
	}
	if !res.OK {
		g.log.Warn().
			Str("action", p.action).
			Int64("group", p.groupID).
			Int("retcode", res.RetCode).
			Str("message", res.Message).
			Msg("Action failed")
		return
	}
	g.log.Debug().Str("action", p.action).Dur("latency", time.Since(p.sent)).Msg("Action acknowledged")
}

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	g.mu.Lock()
	f := g.status
	g.mu.Unlock()

	var body any = map[string]bool{"connected": g.Connected()}
	if f != nil {
		body = f()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.log.Error().Err(err).Msg("Error encoding status")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
