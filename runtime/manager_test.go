package runtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sweetpotato0/ai-relay/dispatcher"
	relayerrors "github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/message"
	"github.com/sweetpotato0/ai-relay/pkg/logging"
	"github.com/sweetpotato0/ai-relay/provider"
	"github.com/sweetpotato0/ai-relay/tokenizer"
	"github.com/sweetpotato0/ai-relay/tool"
	"github.com/sweetpotato0/ai-relay/transcript"
)

// gatedStream yields its chunks, then blocks until release is closed (ending the stream)
// or the request context is cancelled.
type gatedStream struct {
	ctx     context.Context
	chunks  []llm.Chunk
	release <-chan struct{}
}

func (s *gatedStream) Recv() (llm.Chunk, error) {
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return c, nil
	}
	if s.release == nil {
		return llm.Chunk{}, io.EOF
	}
	select {
	case <-s.release:
		return llm.Chunk{}, io.EOF
	case <-s.ctx.Done():
		return llm.Chunk{}, s.ctx.Err()
	}
}

func (s *gatedStream) Close() error { return nil }

type testAdapter struct {
	name    string
	caps    provider.Capabilities
	chunks  []llm.Chunk
	release chan struct{}
}

func (a *testAdapter) Name() string                        { return a.name }
func (a *testAdapter) Capabilities() provider.Capabilities { return a.caps }
func (a *testAdapter) DefaultModels() []string             { return []string{"test-model"} }
func (a *testAdapter) NewClient(provider.Settings) (provider.Client, error) {
	return a, nil
}

func (a *testAdapter) StreamChat(ctx context.Context, _ *llm.Request) (provider.Stream, error) {
	chunks := append([]llm.Chunk(nil), a.chunks...)
	return &gatedStream{ctx: ctx, chunks: chunks, release: a.release}, nil
}

type collected struct {
	mu     sync.Mutex
	texts  []TextEvent
	finals []FinalEvent
	errs   []ErrorEvent
	done   chan struct{}
	once   sync.Once
}

func newCollected() *collected {
	return &collected{done: make(chan struct{})}
}

func (c *collected) hooks() Hooks {
	return Hooks{
		OnText: func(e TextEvent) {
			c.mu.Lock()
			c.texts = append(c.texts, e)
			c.mu.Unlock()
		},
		OnFinalMessage: func(e FinalEvent) {
			c.mu.Lock()
			c.finals = append(c.finals, e)
			c.mu.Unlock()
			c.once.Do(func() { close(c.done) })
		},
		OnError: func(e ErrorEvent) {
			c.mu.Lock()
			c.errs = append(c.errs, e)
			c.mu.Unlock()
			c.once.Do(func() { close(c.done) })
		},
	}
}

func (c *collected) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a terminal event")
	}
}

func (c *collected) terminals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.finals) + len(c.errs)
}

func newManager(t *testing.T, opts []Option, adapters ...provider.Adapter) *Manager {
	t.Helper()
	reg, err := provider.NewRegistry(adapters...)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	d := dispatcher.New(reg,
		dispatcher.WithLogger(logging.Discard()),
		dispatcher.WithCounter(func(string) tokenizer.Counter { return tokenizer.Approx{} }),
	)
	m := NewManager(d, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func chatRequest(providerName, content string) *llm.Request {
	return &llm.Request{
		MessagesType: llm.MessagesChat,
		Messages:     []*message.Message{message.NewMessage(message.RoleUser, content)},
		ProviderName: providerName,
		ModelName:    "test-model",
	}
}

func TestSendPlainText(t *testing.T) {
	rec := transcript.NewInMemory(10)
	a := &testAdapter{name: "plain", caps: provider.Chat | provider.SystemMessage,
		chunks: []llm.Chunk{{TextDelta: "4"}}}
	m := newManager(t, []Option{WithRecorder(rec)}, a)

	c := newCollected()
	id, err := m.Send(chatRequest("plain", "2+2?"), provider.Settings{}, c.hooks())
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a request id")
	}
	c.wait(t)

	if len(c.finals) != 1 || c.finals[0].FullText != "4" || c.finals[0].ToolCall != nil {
		t.Fatalf("finals = %+v", c.finals)
	}
	if c.finals[0].RequestID != id {
		t.Errorf("request id = %q, want %q", c.finals[0].RequestID, id)
	}
	if len(c.errs) != 0 {
		t.Errorf("unexpected errors %+v", c.errs)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	entry, ok := rec.Get(id)
	if !ok {
		t.Fatal("expected transcript entry")
	}
	if entry.Status != transcript.StatusCompleted || entry.Result.FullText != "4" {
		t.Errorf("entry = %+v", entry)
	}
	if m.Pending() != 0 {
		t.Errorf("pending = %d", m.Pending())
	}
}

func TestSendTaggedToolCall(t *testing.T) {
	a := &testAdapter{name: "tagged", caps: provider.Chat,
		chunks: []llm.Chunk{
			{TextDelta: "Let me check. <to"},
			{TextDelta: `ol>{"name": "get_weather", "ar`},
			{TextDelta: `gs": {"city": "nyc"}}</tool>`},
		}}
	m := newManager(t, nil, a)

	req := chatRequest("tagged", "weather in nyc?")
	req.Tools = []*tool.Spec{{Name: "get_weather", Description: "Current weather.", Parameters: []tool.Parameter{
		{Name: "city", Type: "string", Required: true},
	}}}

	c := newCollected()
	if _, err := m.Send(req, provider.Settings{}, c.hooks()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	c.wait(t)

	if len(c.finals) != 1 {
		t.Fatalf("expected a final message, errs=%+v", c.errs)
	}
	final := c.finals[0]
	if strings.TrimSpace(final.FullText) != "Let me check." {
		t.Errorf("text = %q", final.FullText)
	}
	if final.ToolCall == nil || final.ToolCall.Name != "get_weather" || final.ToolCall.RawParams["city"] != "nyc" {
		t.Errorf("tool call = %+v", final.ToolCall)
	}
}

func TestSendMalformedToolJSON(t *testing.T) {
	a := &testAdapter{name: "native", caps: provider.Chat | provider.NativeTools,
		chunks: []llm.Chunk{
			{TextDelta: "Checking."},
			{ToolCallDelta: &llm.ToolCallDelta{Index: 0, NameDelta: "get_weather", ArgumentsDelta: `{"city": nyc`}},
		}}
	m := newManager(t, nil, a)

	c := newCollected()
	if _, err := m.Send(chatRequest("native", "weather?"), provider.Settings{}, c.hooks()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	c.wait(t)

	if len(c.finals) != 1 || c.finals[0].ToolCall != nil || c.finals[0].FullText != "Checking." {
		t.Errorf("finals = %+v errs = %+v", c.finals, c.errs)
	}
}

func TestSendValidation(t *testing.T) {
	m := newManager(t, nil, &testAdapter{name: "plain", caps: provider.Chat})

	t.Run("empty messages", func(t *testing.T) {
		req := chatRequest("plain", "hi")
		req.Messages = nil
		id, err := m.Send(req, provider.Settings{}, Hooks{})
		if !errors.Is(err, relayerrors.ErrMalformedRequest) {
			t.Errorf("expected malformed request, got %v", err)
		}
		if id != "" {
			t.Errorf("no id should be issued, got %q", id)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := m.Send(chatRequest("missing", "hi"), provider.Settings{}, Hooks{})
		var upe *relayerrors.UnknownProviderError
		if !errors.As(err, &upe) {
			t.Errorf("expected UnknownProviderError, got %v", err)
		}
	})

	t.Run("model not configured", func(t *testing.T) {
		settings := provider.Settings{Models: []string{"other-model"}}
		id, err := m.Send(chatRequest("plain", "hi"), settings, Hooks{})
		if !errors.Is(err, relayerrors.ErrUnknownModel) {
			t.Errorf("expected unknown model, got %v", err)
		}
		if id != "" {
			t.Errorf("no id should be issued, got %q", id)
		}
	})

	if m.Pending() != 0 {
		t.Errorf("rejected requests must not be pending, got %d", m.Pending())
	}
}

func TestBackendErrorEvent(t *testing.T) {
	a := &failingAdapter{testAdapter{name: "down", caps: provider.Chat}}
	m := newManager(t, nil, a)

	c := newCollected()
	if _, err := m.Send(chatRequest("down", "hi"), provider.Settings{}, c.hooks()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	c.wait(t)

	if len(c.errs) != 1 {
		t.Fatalf("expected one error event, got %+v", c.finals)
	}
	if c.errs[0].Message != "invalid API key for down, check your key in settings" {
		t.Errorf("message = %q", c.errs[0].Message)
	}
	if !errors.Is(c.errs[0].Cause, relayerrors.ErrInvalidCredentials) {
		t.Errorf("cause = %v", c.errs[0].Cause)
	}
}

type failingAdapter struct {
	testAdapter
}

func (a *failingAdapter) NewClient(provider.Settings) (provider.Client, error) {
	return a, nil
}

func (a *failingAdapter) StreamChat(context.Context, *llm.Request) (provider.Stream, error) {
	return nil, relayerrors.FromStatus(a.name, 401, "", nil)
}

func TestAbortSuppressesEvents(t *testing.T) {
	release := make(chan struct{})
	a := &testAdapter{name: "slow", caps: provider.Chat,
		chunks: []llm.Chunk{{TextDelta: "partial"}}, release: release}
	m := newManager(t, nil, a)

	first := make(chan struct{})
	var once sync.Once
	c := newCollected()
	hooks := c.hooks()
	onText := hooks.OnText
	hooks.OnText = func(e TextEvent) {
		onText(e)
		once.Do(func() { close(first) })
	}

	id, err := m.Send(chatRequest("slow", "hi"), provider.Settings{}, hooks)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	<-first

	m.Abort(id)
	m.Abort(id)
	close(release)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if n := c.terminals(); n != 0 {
		t.Errorf("aborted request delivered %d terminal events", n)
	}
}

func TestAbortUnknownID(t *testing.T) {
	m := newManager(t, nil, &testAdapter{name: "plain", caps: provider.Chat})
	m.Abort("does-not-exist")
	m.Abort("")
}

func TestAbortFromHook(t *testing.T) {
	a := &testAdapter{name: "chatty", caps: provider.Chat,
		chunks: []llm.Chunk{{TextDelta: "a"}, {TextDelta: "b"}, {TextDelta: "c"}}}
	m := newManager(t, nil, a)

	var texts, terminals atomic.Int32
	returned := make(chan struct{})
	hooks := Hooks{
		OnText: func(e TextEvent) {
			if texts.Add(1) == 1 {
				m.Abort(e.RequestID)
				close(returned)
			}
		},
		OnFinalMessage: func(FinalEvent) { terminals.Add(1) },
		OnError:        func(ErrorEvent) { terminals.Add(1) },
	}
	if _, err := m.Send(chatRequest("chatty", "hi"), provider.Settings{}, hooks); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Abort called from a hook did not return")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if texts.Load() != 1 || terminals.Load() != 0 {
		t.Errorf("texts = %d terminals = %d", texts.Load(), terminals.Load())
	}
}

func TestAbortDoesNotWaitForRunningHook(t *testing.T) {
	release := make(chan struct{})
	a := &testAdapter{name: "blocked", caps: provider.Chat,
		chunks: []llm.Chunk{{TextDelta: "a"}, {TextDelta: "b"}}, release: release}
	m := newManager(t, nil, a)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var texts, terminals atomic.Int32
	hooks := Hooks{
		OnText: func(TextEvent) {
			if texts.Add(1) == 1 {
				close(entered)
				<-unblock
			}
		},
		OnFinalMessage: func(FinalEvent) { terminals.Add(1) },
		OnError:        func(ErrorEvent) { terminals.Add(1) },
	}
	id, err := m.Send(chatRequest("blocked", "hi"), provider.Settings{}, hooks)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	<-entered

	aborted := make(chan struct{})
	go func() {
		m.Abort(id)
		close(aborted)
	}()
	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("Abort blocked on a hook running on another goroutine")
	}

	close(unblock)
	close(release)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if texts.Load() != 1 || terminals.Load() != 0 {
		t.Errorf("hooks started after Abort returned: texts = %d terminals = %d", texts.Load(), terminals.Load())
	}
}

func TestAbortRaceDeliversAtMostOneTerminal(t *testing.T) {
	for i := 0; i < 50; i++ {
		release := make(chan struct{})
		a := &testAdapter{name: "racy", caps: provider.Chat,
			chunks: []llm.Chunk{{TextDelta: "x"}}, release: release}
		m := newManager(t, nil, a)

		first := make(chan struct{})
		var once sync.Once
		c := newCollected()
		hooks := c.hooks()
		hooks.OnText = func(TextEvent) { once.Do(func() { close(first) }) }

		id, err := m.Send(chatRequest("racy", "hi"), provider.Settings{}, hooks)
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		<-first

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); close(release) }()
		go func() { defer wg.Done(); m.Abort(id) }()
		wg.Wait()
		if err := m.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		if n := c.terminals(); n > 1 {
			t.Fatalf("iteration %d: %d terminal events", i, n)
		}
	}
}

func TestListModels(t *testing.T) {
	m := newManager(t, nil, &testAdapter{name: "plain", caps: provider.Chat})

	ch := make(chan Event, 1)
	id, err := m.ListModels("plain", provider.Settings{}, ChannelListHooks(ch))
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Type != EventModels || ev.RequestID != id {
			t.Fatalf("event = %+v", ev)
		}
		if len(ev.Models.Models) != 1 || ev.Models.Models[0].ID != "test-model" {
			t.Errorf("models = %+v", ev.Models.Models)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for models")
	}

	if _, err := m.ListModels("missing", provider.Settings{}, ListHooks{}); !errors.Is(err, relayerrors.ErrUnknownProvider) {
		t.Errorf("expected unknown provider, got %v", err)
	}
}

func TestChannelHooks(t *testing.T) {
	a := &testAdapter{name: "plain", caps: provider.Chat,
		chunks: []llm.Chunk{{TextDelta: "hel"}, {TextDelta: "lo"}}}
	m := newManager(t, nil, a)

	ch := make(chan Event, 16)
	id, err := m.Send(chatRequest("plain", "hi"), provider.Settings{}, ChannelHooks(ch))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var last Event
	for {
		select {
		case ev := <-ch:
			if ev.RequestID != id {
				t.Fatalf("unexpected request id %q", ev.RequestID)
			}
			last = ev
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
		if last.Terminal() {
			break
		}
	}
	if last.Type != EventFinal || last.Final.FullText != "hello" {
		t.Errorf("last event = %+v", last)
	}
}

func TestSendAfterClose(t *testing.T) {
	m := newManager(t, nil, &testAdapter{name: "plain", caps: provider.Chat})
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := m.Send(chatRequest("plain", "hi"), provider.Settings{}, Hooks{}); err == nil {
		t.Error("expected error after Close")
	}
}
