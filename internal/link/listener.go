package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bingosuite/chatsync/internal/model"
)

// ReasonNameInUse is the auth_response reason for a reserved server name.
const ReasonNameInUse = "name in use"

// Listener accepts subordinate connections on the main server and
// authenticates them against the shared secret.
type Listener struct {
	ln     net.Listener
	secret string
	opts   Options
	log    zerolog.Logger
	wg     sync.WaitGroup

	mu       sync.RWMutex
	reserved map[string]bool
}

func Listen(addr, secret string, opts Options, log zerolog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Listener{
		ln:     ln,
		secret: secret,
		opts:   opts.withDefaults(),
		log:    log.With().Str("component", "link").Logger(),
	}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Reserve refuses the handshake of any peer authenticating as one of names.
func (l *Listener) Reserve(names ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reserved == nil {
		l.reserved = make(map[string]bool, len(names))
	}
	for _, name := range names {
		l.reserved[name] = true
	}
}

func (l *Listener) isReserved(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reserved[name]
}

// Serve accepts connections until ctx is done or the listener is closed,
// handing each authenticated link to accepted. Handshakes run concurrently so
// a stalled peer cannot hold up the others.
func (l *Listener) Serve(ctx context.Context, accepted func(*Link)) error {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()
	defer l.wg.Wait()

	l.log.Info().Str("addr", l.ln.Addr().String()).Msg("Link listener started")
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("link accept failed: %w", err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			link, err := l.authenticate(conn)
			if err != nil {
				l.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Rejected link")
				return
			}
			accepted(link)
		}()
	}
}

func (l *Listener) authenticate(conn net.Conn) (*Link, error) {
	link := newLink(conn, l.opts, l.log)
	f, err := link.readNow()
	if err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("handshake read failed: %w", err)
	}
	if f.Type != FrameAuth {
		_ = link.Close()
		return nil, fmt.Errorf("%w: expected auth frame, got %q", ErrAuthFailed, f.Type)
	}
	if err := VerifyCredential(l.secret, f.Name, f.Credential); err != nil {
		_ = link.writeNow(Frame{Type: FrameAuthResponse, Success: false, Reason: "bad credential"})
		_ = link.Close()
		return nil, fmt.Errorf("server %q: %w", f.Name, err)
	}
	if l.isReserved(f.Name) {
		_ = link.writeNow(Frame{Type: FrameAuthResponse, Success: false, Reason: ReasonNameInUse})
		_ = link.Close()
		return nil, fmt.Errorf("server %q: %w: %s", f.Name, ErrAuthFailed, ReasonNameInUse)
	}
	if err := link.writeNow(Frame{Type: FrameAuthResponse, Success: true}); err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("handshake write failed: %w", err)
	}
	link.peer = f.Name
	link.log = link.log.With().Str("server", f.Name).Logger()
	link.setState(model.LinkAuthenticated)
	return link, nil
}
