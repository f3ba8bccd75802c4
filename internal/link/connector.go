package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/bingosuite/chatsync/internal/model"
)

const (
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = time.Minute
)

// Dial connects to the main server at addr and authenticates as name.
func Dial(ctx context.Context, addr, secret, name string, opts Options, log zerolog.Logger) (*Link, error) {
	opts = opts.withDefaults()
	d := net.Dialer{Timeout: opts.HandshakeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	link := newLink(conn, opts, log)
	link.peer = name
	cred, err := IssueCredential(secret, name, time.Now())
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	if err := link.writeNow(Frame{Type: FrameAuth, Name: name, Credential: cred}); err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("handshake write failed: %w", err)
	}
	resp, err := link.readNow()
	if err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("handshake read failed: %w", err)
	}
	if resp.Type != FrameAuthResponse || !resp.Success {
		_ = link.Close()
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, resp.Reason)
	}
	link.log = link.log.With().Str("server", name).Logger()
	link.setState(model.LinkAuthenticated)
	return link, nil
}

// Connector keeps one subordinate link to the main server alive.
type Connector struct {
	Addr    string
	Secret  string
	Name    string
	Options Options

	// Resolve, when set, supplies the main address before each dial. An
	// error or empty result falls back to Addr.
	Resolve func(ctx context.Context) (string, error)

	Initial time.Duration
	Max     time.Duration

	Log zerolog.Logger
}

// Run dials, hands each authenticated link to session and blocks until the
// session returns, then reconnects with exponential backoff. It returns nil
// when ctx is done and an ErrAuthFailed error when the main rejects the
// credential or the name. The backoff only resets after a session that
// lasted at least the initial interval.
func (c *Connector) Run(ctx context.Context, session func(context.Context, *Link)) error {
	log := c.Log.With().Str("component", "link").Str("server", c.Name).Logger()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Initial
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultReconnectInitial
	}
	b.MaxInterval = c.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultReconnectMax
	}
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		addr := c.address(ctx, log)
		link, err := Dial(ctx, addr, c.Secret, c.Name, c.Options, c.Log)
		switch {
		case err == nil:
			log.Info().Str("addr", addr).Msg("Link authenticated")
			started := time.Now()
			session(ctx, link)
			_ = link.Close()
			lasted := time.Since(started)
			log.Warn().Dur("lasted", lasted).Msg("Link to main closed")
			if lasted >= b.InitialInterval {
				b.Reset()
			}
		case errors.Is(err, ErrAuthFailed):
			log.Error().Err(err).Msg("Main rejected the link, not retrying")
			return err
		case ctx.Err() != nil:
			return nil
		default:
			log.Warn().Err(err).Msg("Link dial failed")
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = b.MaxInterval
		}
		log.Debug().Dur("wait", wait).Msg("Reconnecting")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (c *Connector) address(ctx context.Context, log zerolog.Logger) string {
	if c.Resolve == nil {
		return c.Addr
	}
	addr, err := c.Resolve(ctx)
	if err != nil || addr == "" {
		log.Debug().Err(err).Str("fallback", c.Addr).Msg("Main address lookup failed")
		return c.Addr
	}
	return addr
}
