package host

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/bingosuite/chatsync/internal/model"
)

func TestHost(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Host Suite")
}

type recordingSubmitter struct {
	mu     sync.Mutex
	events []model.MessageEvent
}

func (s *recordingSubmitter) Submit(ev model.MessageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSubmitter) Events() []model.MessageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.MessageEvent(nil), s.events...)
}

var _ = Describe("Bridge", func() {
	var (
		out     *bytes.Buffer
		console *Console
		sub     *recordingSubmitter
		bridge  *Bridge
	)

	BeforeEach(func() {
		out = &bytes.Buffer{}
		console = NewConsole(out, false, zerolog.Nop())
		sub = &recordingSubmitter{}
		bridge = NewBridge("Lobby", console, sub, zerolog.Nop())
		console.SetListener(bridge)
	})

	It("should submit player chat as a server-origin event", func() {
		bridge.OnChat("Alice", "hi", SourcePlayer)
		events := sub.Events()
		Expect(events).To(HaveLen(1))
		Expect(events[0].Kind).To(Equal(model.KindChat))
		Expect(events[0].OriginKind).To(Equal(model.OriginServer))
		Expect(events[0].OriginID).To(Equal("Lobby"))
		Expect(events[0].Author).To(Equal("Alice"))
		Expect(events[0].RawText).To(Equal("hi"))
		Expect(events[0].Validate()).To(Succeed())
	})

	It("should never resubmit text it relayed itself", func() {
		bridge.Say("[A] <Bob> hello")
		Expect(out.String()).To(ContainSubstring("[A] <Bob> hello"))
		Expect(sub.Events()).To(BeEmpty())
	})

	It("should describe lifecycle events", func() {
		bridge.OnJoin("Alice")
		bridge.OnLeave("Alice")
		bridge.OnDeath("Bob", "Bob fell from a high place")
		bridge.OnDeath("Carol", "")
		bridge.OnAdvancement("Dave", "Stone Age")

		texts := []string{}
		kinds := []model.Kind{}
		for _, ev := range sub.Events() {
			texts = append(texts, ev.RawText)
			kinds = append(kinds, ev.Kind)
		}
		Expect(kinds).To(Equal([]model.Kind{model.KindJoin, model.KindLeave, model.KindDeath, model.KindDeath, model.KindAdvancement}))
		Expect(texts).To(Equal([]string{
			"Alice joined the game",
			"Alice left the game",
			"Bob fell from a high place",
			"Carol died",
			"Dave has made the advancement [Stone Age]",
		}))
	})
})

var _ = Describe("Console", func() {
	var (
		out     *bytes.Buffer
		console *Console
		sub     *recordingSubmitter
	)

	BeforeEach(func() {
		out = &bytes.Buffer{}
		console = NewConsole(out, false, zerolog.Nop())
		sub = &recordingSubmitter{}
		console.SetListener(NewBridge("Lobby", console, sub, zerolog.Nop()))
	})

	It("should turn name: text into chat", func() {
		Expect(console.Handle("Alice: hello world")).To(BeFalse())
		Expect(sub.Events()).To(HaveLen(1))
		Expect(sub.Events()[0].Author).To(Equal("Alice"))
		Expect(sub.Events()[0].RawText).To(Equal("hello world"))
	})

	It("should track players across join and leave", func() {
		console.Handle("/join Alice")
		console.Handle("/join Bob")
		console.Handle("/join Alice")
		Expect(console.OnlinePlayers()).To(Equal([]string{"Alice", "Bob"}))

		console.Handle("/leave Alice")
		Expect(console.OnlinePlayers()).To(Equal([]string{"Bob"}))

		console.Handle("/players")
		Expect(out.String()).To(ContainSubstring("1 online: Bob"))
	})

	It("should pass death and advancement text through", func() {
		console.Handle("/death Bob was slain by Zombie")
		console.Handle("/adv Bob Diamonds!")
		events := sub.Events()
		Expect(events).To(HaveLen(2))
		Expect(events[0].RawText).To(Equal("was slain by Zombie"))
		Expect(events[1].RawText).To(Equal("Bob has made the advancement [Diamonds!]"))
	})

	It("should print usage for bad input and ignore it", func() {
		console.Handle("no colon here")
		console.Handle("/join")
		console.Handle("/teleport x")
		Expect(sub.Events()).To(BeEmpty())
		Expect(out.String()).To(ContainSubstring("usage: <player>: <message>"))
		Expect(out.String()).To(ContainSubstring("unknown command /teleport"))
	})

	It("should print status and stop on /quit", func() {
		console.SetStatus(func() string { return "role=main" })
		Expect(console.Handle("/status")).To(BeFalse())
		Expect(out.String()).To(ContainSubstring("role=main"))
		Expect(console.Handle("/quit")).To(BeTrue())
	})

	It("should run until the input ends", func() {
		in := strings.NewReader("Alice: one\n/join Bob\nAlice: two\n")
		done := make(chan error, 1)
		go func() { done <- console.Run(context.Background(), in) }()
		Eventually(done, time.Second).Should(Receive(BeNil()))
		Expect(sub.Events()).To(HaveLen(3))
	})
})
