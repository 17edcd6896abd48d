package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	relayerrors "github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/llm"
)

type fakeAdapter struct {
	name   string
	caps   Capabilities
	models []llm.Model
	err    error
}

func (a *fakeAdapter) Name() string               { return a.name }
func (a *fakeAdapter) Capabilities() Capabilities { return a.caps }
func (a *fakeAdapter) DefaultModels() []string    { return []string{a.name + "-default"} }
func (a *fakeAdapter) NewClient(Settings) (Client, error) {
	return &fakeClient{models: a.models, err: a.err}, nil
}

type fakeClient struct {
	models []llm.Model
	err    error
}

func (c *fakeClient) StreamChat(context.Context, *llm.Request) (Stream, error) {
	return NewSliceStream(nil), nil
}

func (c *fakeClient) ListModels(context.Context) ([]llm.Model, error) {
	return c.models, c.err
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(&fakeAdapter{name: "b"}, &fakeAdapter{name: "a"})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	if err := reg.Register(&fakeAdapter{name: "a"}); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
	if err := reg.Register(&fakeAdapter{}); err == nil {
		t.Error("Expected empty name to fail")
	}

	if got := reg.Names(); strings.Join(got, ",") != "a,b" {
		t.Errorf("Names() = %v", got)
	}

	if _, err := reg.Resolve("a"); err != nil {
		t.Errorf("Resolve(a) failed: %v", err)
	}
	_, err = reg.Resolve("missing")
	if !errors.Is(err, relayerrors.ErrUnknownProvider) {
		t.Errorf("Expected ErrUnknownProvider, got %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	caps := Chat | NativeTools | SystemMessage
	if !caps.Has(Chat | NativeTools) {
		t.Error("Expected Chat|NativeTools")
	}
	if caps.Has(FIM) {
		t.Error("FIM was not declared")
	}
	if caps.String() != "chat,native_tools,system_message" {
		t.Errorf("String() = %q", caps.String())
	}
}

func TestSettingsOptions(t *testing.T) {
	s := Settings{Options: map[string]string{"thinking_budget": "2048", "bad": "x"}}
	if s.IntOption("thinking_budget", 0) != 2048 {
		t.Error("Expected parsed option")
	}
	if s.IntOption("bad", 7) != 7 || s.IntOption("missing", 9) != 9 {
		t.Error("Expected defaults for bad or missing options")
	}
	if s.Option("missing", "d") != "d" {
		t.Error("Expected string default")
	}
	if s.Client() != http.DefaultClient {
		t.Error("Expected default HTTP client")
	}

	cloned := s.Clone()
	cloned.Options["bad"] = "changed"
	if s.Options["bad"] != "x" {
		t.Error("Clone must copy maps")
	}
}

func TestErrorFromResponse(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantMsg     string
		wantCreds   bool
	}{
		{
			name:        "openai envelope",
			status:      http.StatusUnauthorized,
			contentType: "application/json",
			body:        `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`,
			wantMsg:     "Incorrect API key provided",
			wantCreds:   true,
		},
		{
			name:        "flat message",
			status:      http.StatusBadRequest,
			contentType: "application/json",
			body:        `{"message":"model not found"}`,
			wantMsg:     "model not found",
		},
		{
			name:        "html gateway page",
			status:      http.StatusBadGateway,
			contentType: "text/html",
			body:        `<html><head><title>502 Bad Gateway</title><style>p{}</style></head><body><h1>502 Bad Gateway</h1><p>upstream  timed out</p></body></html>`,
			wantMsg:     "502 Bad Gateway: upstream timed out",
		},
		{
			name:    "plain text",
			status:  http.StatusServiceUnavailable,
			body:    "overloaded\n",
			wantMsg: "overloaded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.contentType != "" {
					w.Header().Set("Content-Type", tt.contentType)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			resp, err := http.Get(srv.URL)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()

			err = ErrorFromResponse("test", resp)
			if errors.Is(err, relayerrors.ErrInvalidCredentials) != tt.wantCreds {
				t.Errorf("credentials kind mismatch: %v", err)
			}
			var be *relayerrors.BackendError
			if !errors.As(err, &be) {
				t.Fatalf("Expected BackendError, got %T", err)
			}
			if be.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", be.Message, tt.wantMsg)
			}
			if be.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", be.StatusCode, tt.status)
			}
		})
	}
}

func TestSSEReader(t *testing.T) {
	body := ": keep-alive\n\nevent: content-delta\ndata: {\"a\":1}\n\ndata: line1\ndata: line2\n\ndata: [DONE]"
	r := NewSSEReader(strings.NewReader(body))

	ev, err := r.Next()
	if err != nil || ev.Type != "content-delta" || ev.Data != `{"a":1}` {
		t.Fatalf("first event = %+v, %v", ev, err)
	}
	ev, err = r.Next()
	if err != nil || ev.Data != "line1\nline2" {
		t.Fatalf("multi-line event = %+v, %v", ev, err)
	}
	ev, err = r.Next()
	if err != nil || ev.Data != "[DONE]" {
		t.Fatalf("unterminated final event = %+v, %v", ev, err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("Expected io.EOF, got %v", err)
	}
}

func TestLineReader(t *testing.T) {
	r := NewLineReader(strings.NewReader("{\"a\":1}\n\n  {\"b\":2}  \n"))
	var lines []string
	for {
		line, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		lines = append(lines, string(line))
	}
	if strings.Join(lines, "|") != `{"a":1}|{"b":2}` {
		t.Errorf("lines = %v", lines)
	}
}

func TestListAll(t *testing.T) {
	boom := errors.New("boom")
	reg, _ := NewRegistry(
		&fakeAdapter{name: "lister", caps: Chat | ListModels, models: []llm.Model{{ID: "m1"}}},
		&fakeAdapter{name: "static", caps: Chat},
		&fakeAdapter{name: "broken", caps: Chat | ListModels, err: boom},
	)

	models, errs := ListAll(context.Background(), reg, map[string]Settings{
		"lister":  {},
		"static":  {},
		"broken":  {},
		"missing": {},
	}, 2)

	if len(models["lister"]) != 1 || models["lister"][0].ID != "m1" {
		t.Errorf("lister models = %v", models["lister"])
	}
	if len(models["static"]) != 1 || models["static"][0].ID != "static-default" {
		t.Errorf("static models = %v", models["static"])
	}
	if !errors.Is(errs["broken"], boom) {
		t.Errorf("broken err = %v", errs["broken"])
	}
	if !errors.Is(errs["missing"], relayerrors.ErrUnknownProvider) {
		t.Errorf("missing err = %v", errs["missing"])
	}
}

func TestSliceStream(t *testing.T) {
	s := NewSliceStream(nil, llm.Chunk{TextDelta: "a"})
	if c, err := s.Recv(); err != nil || c.TextDelta != "a" {
		t.Fatalf("Recv = %+v, %v", c, err)
	}
	if _, err := s.Recv(); err != io.EOF {
		t.Fatalf("Expected io.EOF, got %v", err)
	}
	_ = s.Close()
	if _, err := s.Recv(); err == nil {
		t.Fatal("Expected error after close")
	}
}

func TestModels(t *testing.T) {
	lister := &fakeAdapter{name: "lister", caps: Chat | ListModels, models: []llm.Model{{ID: "m1"}}}
	models, err := Models(context.Background(), lister, Settings{})
	if err != nil || len(models) != 1 || models[0].ID != "m1" {
		t.Fatalf("Models(lister) = %v, %v", models, err)
	}

	models, err = Models(context.Background(), &fakeAdapter{name: "static", caps: Chat}, Settings{})
	if err != nil {
		t.Fatalf("Models(static) error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "static-default" || models[0].Provider != "static" {
		t.Errorf("expected default models, got %v", models)
	}
}
