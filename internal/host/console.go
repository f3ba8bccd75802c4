package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/peterh/liner"
	"github.com/rs/zerolog"
)

// RelayAuthor is the name relayed lines are echoed back under.
const RelayAuthor = "Server"

// Console is a Runtime driven by text lines, standing in for a game server.
//
//	name: text          chat from name
//	/join name          /leave name
//	/death name [text]  /adv name [advancement]
//	/players  /status  /quit
type Console struct {
	out         io.Writer
	listener    Listener
	status      func() string
	interactive bool
	log         zerolog.Logger

	mu      sync.Mutex
	players []string
}

func NewConsole(out io.Writer, interactive bool, log zerolog.Logger) *Console {
	return &Console{
		out:         out,
		interactive: interactive,
		log:         log.With().Str("component", "host").Logger(),
	}
}

func (c *Console) SetListener(l Listener) { c.listener = l }

func (c *Console) SetStatus(f func() string) { c.status = f }

// Broadcast prints text and echoes it back as chat with its source intact,
// the way a game server reports every line it shows.
func (c *Console) Broadcast(text string, src Source) {
	c.printf("%s\n", text)
	if c.listener != nil {
		c.listener.OnChat(RelayAuthor, text, src)
	}
}

func (c *Console) OnlinePlayers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.players)
}

// Run reads commands from in until /quit, end of input or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)

	if c.interactive {
		go c.readLiner(lines, errc)
	} else {
		go c.readPlain(in, lines, errc)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if c.Handle(line) {
				return nil
			}
		}
	}
}

func (c *Console) readPlain(in io.Reader, lines chan<- string, errc chan<- error) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		lines <- sc.Text()
	}
	errc <- sc.Err()
}

func (c *Console) readLiner(lines chan<- string, errc chan<- error) {
	state := liner.NewLiner()
	defer state.Close()
	state.SetCtrlCAborts(true)

	for {
		line, err := state.Prompt("chatsync> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				err = nil
			}
			errc <- err
			return
		}
		if strings.TrimSpace(line) != "" {
			state.AppendHistory(line)
		}
		lines <- line
	}
}

// Handle interprets one line and reports whether the console should stop.
func (c *Console) Handle(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		name, text, ok := strings.Cut(line, ":")
		name, text = strings.TrimSpace(name), strings.TrimSpace(text)
		if !ok || name == "" || text == "" {
			c.printf("usage: <player>: <message>\n")
			return false
		}
		c.emit(func(l Listener) { l.OnChat(name, text, SourcePlayer) })
		return false
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	player, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "join":
		if player == "" {
			c.printf("usage: /join <player>\n")
			return false
		}
		c.setOnline(player, true)
		c.emit(func(l Listener) { l.OnJoin(player) })
	case "leave":
		if player == "" {
			c.printf("usage: /leave <player>\n")
			return false
		}
		c.setOnline(player, false)
		c.emit(func(l Listener) { l.OnLeave(player) })
	case "death":
		if player == "" {
			c.printf("usage: /death <player> [message]\n")
			return false
		}
		c.emit(func(l Listener) { l.OnDeath(player, arg) })
	case "adv":
		if player == "" {
			c.printf("usage: /adv <player> [advancement]\n")
			return false
		}
		c.emit(func(l Listener) { l.OnAdvancement(player, arg) })
	case "players":
		players := c.OnlinePlayers()
		c.printf("%d online: %s\n", len(players), strings.Join(players, ", "))
	case "status":
		if c.status != nil {
			c.printf("%s\n", c.status())
		}
	case "quit", "exit":
		return true
	default:
		c.printf("unknown command /%s\n", cmd)
	}
	return false
}

func (c *Console) emit(f func(Listener)) {
	if c.listener == nil {
		c.log.Warn().Msg("No listener attached, dropping event")
		return
	}
	f(c.listener)
}

func (c *Console) setOnline(player string, online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.Index(c.players, player)
	switch {
	case online && i < 0:
		c.players = append(c.players, player)
	case !online && i >= 0:
		c.players = slices.Delete(c.players, i, i+1)
	}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.out, format, args...); err != nil {
		c.log.Debug().Err(err).Msg("Console write failed")
	}
}
