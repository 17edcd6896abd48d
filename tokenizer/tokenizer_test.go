package tokenizer

import (
	"testing"

	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/message"
)

func TestApprox(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"héllo wörld", 3},
	}
	for _, tt := range tests {
		if got := (Approx{}).Count(tt.text); got != tt.want {
			t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestTiktoken(t *testing.T) {
	tok, err := New("gpt-4o")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	ids := tok.Encode("hello world")
	if len(ids) == 0 || tok.Count("hello world") != len(ids) {
		t.Errorf("Count should equal the number of ids, got %d for %v", tok.Count("hello world"), ids)
	}
	if tok.Decode(ids) != "hello world" {
		t.Errorf("round trip = %q", tok.Decode(ids))
	}
}

func TestEstimate(t *testing.T) {
	c := Approx{}

	chat := &llm.Request{
		SystemMessage: "sys!",
		Messages:      []*message.Message{message.NewMessage(message.RoleUser, "12345678")},
	}
	usage := Estimate(c, chat, "abcd")
	// priming 3 + system (3+1) + user (3 + role 1 + content 2)
	if usage.PromptTokens != 13 || usage.CompletionTokens != 1 || usage.TotalTokens != 14 || !usage.Estimated {
		t.Errorf("chat usage = %+v", usage)
	}

	fim := &llm.Request{MessagesType: llm.MessagesFIM, FIM: &llm.FIMInput{Prefix: "abcd", Suffix: "efgh"}}
	usage = Estimate(c, fim, "")
	if usage.PromptTokens != 2 || usage.CompletionTokens != 0 {
		t.Errorf("fim usage = %+v", usage)
	}
}

func TestForModelCaches(t *testing.T) {
	a := ForModel("some-local-model")
	b := ForModel("some-local-model")
	if a != b {
		t.Error("expected cached counter")
	}
	if a.Count("hello") == 0 {
		t.Error("counter should count something")
	}
}
