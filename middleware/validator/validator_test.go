package validator

import (
	"context"
	"errors"
	"testing"

	relayerrors "github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/message"
	"github.com/sweetpotato0/ai-relay/middleware"
	"github.com/sweetpotato0/ai-relay/provider"
)

type stubAdapter struct {
	caps provider.Capabilities
}

func (a stubAdapter) Name() string                        { return "stub" }
func (a stubAdapter) Capabilities() provider.Capabilities { return a.caps }
func (a stubAdapter) DefaultModels() []string             { return []string{"m"} }
func (a stubAdapter) NewClient(provider.Settings) (provider.Client, error) {
	return nil, errors.New("not used")
}

func chatRequest() *llm.Request {
	return &llm.Request{
		Messages:     []*message.Message{message.NewMessage(message.RoleUser, "hi")},
		ProviderName: "stub",
		ModelName:    "m",
	}
}

func TestInputValidator(t *testing.T) {
	t.Run("valid input passes through", func(t *testing.T) {
		executed := false
		v := NewInputValidator(func(*middleware.Context) error { return nil })
		err := v.Execute(&middleware.Context{}, func(c *middleware.Context) error {
			executed = true
			return nil
		})
		if err != nil || !executed {
			t.Errorf("expected handler to run, err=%v executed=%v", err, executed)
		}
	})

	t.Run("invalid input returns error", func(t *testing.T) {
		v := NewInputValidator(func(*middleware.Context) error { return errors.New("invalid input") })
		executed := false
		err := v.Execute(&middleware.Context{}, func(c *middleware.Context) error {
			executed = true
			return nil
		})
		if err == nil {
			t.Error("expected validation error")
		}
		if executed {
			t.Error("handler should not run after validation failure")
		}
	})

	t.Run("nil validator function", func(t *testing.T) {
		if err := NewInputValidator(nil).Execute(&middleware.Context{}, func(*middleware.Context) error { return nil }); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestRequest(t *testing.T) {
	fimReq := &llm.Request{MessagesType: llm.MessagesFIM, FIM: &llm.FIMInput{Prefix: "a"}, ProviderName: "stub", ModelName: "m"}

	tests := []struct {
		name    string
		op      middleware.Operation
		caps    provider.Capabilities
		req     *llm.Request
		wantErr error
	}{
		{name: "chat ok", op: middleware.OpChat, caps: provider.Chat, req: chatRequest()},
		{name: "fim unsupported", op: middleware.OpFIM, caps: provider.Chat, req: fimReq, wantErr: relayerrors.ErrUnsupportedOperation},
		{name: "fim ok", op: middleware.OpFIM, caps: provider.Chat | provider.FIM, req: fimReq},
		{name: "type mismatch", op: middleware.OpChat, caps: provider.Chat | provider.FIM, req: fimReq, wantErr: relayerrors.ErrMalformedRequest},
		{name: "empty chat", op: middleware.OpChat, caps: provider.Chat, req: &llm.Request{ProviderName: "stub", ModelName: "m"}, wantErr: relayerrors.ErrMalformedRequest},
		{name: "list without capability", op: middleware.OpListModels, caps: provider.Chat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := middleware.NewContext(context.Background(), tt.op, stubAdapter{caps: tt.caps}, tt.req, provider.Settings{})
			err := Request().Execute(ctx, func(*middleware.Context) error { return nil })
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	t.Run("missing adapter", func(t *testing.T) {
		err := Request().Execute(&middleware.Context{}, func(*middleware.Context) error { return nil })
		if !errors.Is(err, middleware.ErrInvalidContext) {
			t.Errorf("expected ErrInvalidContext, got %v", err)
		}
	})
}

func TestMaxMessages(t *testing.T) {
	req := chatRequest()
	req.Messages = append(req.Messages, message.NewMessage(message.RoleAssistant, "hello"))
	ctx := &middleware.Context{Request: req}

	if err := MaxMessages(1).Execute(ctx, func(*middleware.Context) error { return nil }); !errors.Is(err, relayerrors.ErrMalformedRequest) {
		t.Errorf("expected malformed request, got %v", err)
	}
	if err := MaxMessages(5).Execute(ctx, func(*middleware.Context) error { return nil }); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
