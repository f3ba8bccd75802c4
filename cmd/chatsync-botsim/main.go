package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/cenkalti/backoff/v4"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/bingosuite/chatsync/internal/logging"
	"github.com/bingosuite/chatsync/pkg/onebot"
)

var (
	gatewayURL string
	token      string
	selfID     int64
	userID     int64
)

var rootCmd = &cobra.Command{
	Use:   "chatsync-botsim",
	Short: "Pretend to be a OneBot client connected to a chatsync gateway",
	Long: `chatsync-botsim dials the gateway like a QQ bot framework would.

Each input line "<group> <name>: <text>" is sent as a group message from
<name>. Every send_group_msg the gateway issues is printed and acknowledged.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&gatewayURL, "url", "ws://127.0.0.1:8080"+onebot.Path, "Gateway websocket URL")
	rootCmd.Flags().StringVar(&token, "token", os.Getenv("CHATSYNC_ONEBOT_ACCESS_TOKEN"), "Access token")
	rootCmd.Flags().Int64Var(&selfID, "self-id", 10000, "Bot account id")
	rootCmd.Flags().Int64Var(&userID, "user-id", 20000, "Sender id for simulated messages")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	log := logging.New("info", os.Stderr, logging.IsTerminal(os.Stderr))
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	client := onebot.NewClient(gatewayURL, token, selfID, log)
	client.OnAction = func(req onebot.ActionRequest) *onebot.ActionResponse {
		if req.Action != onebot.ActionSendGroupMsg {
			fmt.Fprintf(out, "<- %s %v\n", req.Action, req.Params)
			return nil
		}
		params, _ := req.Params.(map[string]any)
		fmt.Fprintf(out, "<- [%v] %v\n", params["group_id"], params["message"])
		return nil
	}
	if err := connect(ctx, client); err != nil {
		return err
	}
	defer client.Close()
	fmt.Fprintf(out, "✓ Connected to %s\n", gatewayURL)

	lines := make(chan string)
	errc := make(chan error, 1)
	if logging.IsTerminal(os.Stdin) {
		go readLiner(lines, errc)
	} else {
		go readPlain(os.Stdin, lines, errc)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return errors.New("gateway closed the connection")
		case err := <-errc:
			return err
		case line := <-lines:
			if err := send(client, line); err != nil {
				fmt.Fprintln(out, err)
			}
		}
	}
}

// connect retries until the gateway accepts the client. A rejection by
// status (bad token, another bot already connected) is final.
func connect(ctx context.Context, client *onebot.Client) error {
	if logging.IsTerminal(os.Stdout) {
		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = " Waiting for chatsync gateway..."
		s.Start()
		defer s.Stop()
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		err := client.Connect(ctx)
		var status *onebot.StatusError
		if errors.As(err, &status) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// send parses "<group> <name>: <text>" and emits it as a group message.
func send(client *onebot.Client, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	group, rest, ok := strings.Cut(line, " ")
	if !ok {
		return errors.New("usage: <group> <name>: <text>")
	}
	groupID, err := strconv.ParseInt(group, 10, 64)
	if err != nil {
		return fmt.Errorf("bad group id %q", group)
	}
	name, text, ok := strings.Cut(rest, ":")
	if !ok {
		return errors.New("usage: <group> <name>: <text>")
	}
	return client.SendGroupMessage(groupID, userID, strings.TrimSpace(name), "", strings.TrimSpace(text))
}

func readPlain(in io.Reader, lines chan<- string, errc chan<- error) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		lines <- sc.Text()
	}
	errc <- sc.Err()
}

func readLiner(lines chan<- string, errc chan<- error) {
	state := liner.NewLiner()
	defer state.Close()
	state.SetCtrlCAborts(true)

	for {
		line, err := state.Prompt("bot> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				err = nil
			}
			errc <- err
			return
		}
		state.AppendHistory(line)
		lines <- line
	}
}
