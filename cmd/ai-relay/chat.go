package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/message"
	"github.com/sweetpotato0/ai-relay/runtime"
)

var (
	chatProvider string
	chatModel    string
	chatSystem   string
	chatSuffix   string
	chatFIM      bool
	chatTools    []string
)

var chatCmd = &cobra.Command{
	Use:   "chat <prompt>",
	Short: "Stream one completion to stdout",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatProvider, "provider", "p", "", "provider name (required)")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "model name (required)")
	chatCmd.Flags().StringVar(&chatSystem, "system", "", "system message")
	chatCmd.Flags().BoolVar(&chatFIM, "fim", false, "treat the prompt as a fill-in-middle prefix")
	chatCmd.Flags().StringVar(&chatSuffix, "suffix", "", "fill-in-middle suffix")
	chatCmd.Flags().StringSliceVar(&chatTools, "tool", nil, "attach a tool from the configured MCP servers")
	_ = chatCmd.MarkFlagRequired("provider")
	_ = chatCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	prompt := strings.Join(args, " ")
	req := &llm.Request{
		MessagesType:  llm.MessagesChat,
		Messages:      []*message.Message{message.NewMessage(message.RoleUser, prompt)},
		SystemMessage: chatSystem,
		ProviderName:  chatProvider,
		ModelName:     chatModel,
	}
	if chatFIM {
		req.MessagesType = llm.MessagesFIM
		req.Messages = nil
		req.FIM = &llm.FIMInput{Prefix: prompt, Suffix: chatSuffix}
	}
	if len(chatTools) > 0 {
		specs, err := a.catalog.Select(chatTools...)
		if err != nil {
			return err
		}
		req.Tools = specs
	}

	done := make(chan struct{})
	defer close(done)
	events := make(chan runtime.Event, 16)
	forward := func(ev runtime.Event) {
		select {
		case events <- ev:
		case <-done:
		}
	}
	id, err := a.manager.Send(req, a.cfg.Settings(chatProvider), runtime.EventHooks(forward))
	if err != nil {
		return err
	}

	printed := 0
	for {
		select {
		case <-ctx.Done():
			a.manager.Abort(id)
			return ctx.Err()
		case ev := <-events:
			switch ev.Type {
			case runtime.EventText:
				printed = printDelta(ev.Text.TextSoFar, printed)
			case runtime.EventFinal:
				printDelta(ev.Final.FullText, printed)
				fmt.Fprintln(os.Stdout)
				if call := ev.Final.ToolCall; call != nil {
					fmt.Fprintf(os.Stdout, "tool call: %s %s\n", call.Name, call.Arguments)
				}
				if u := ev.Final.Usage; u != nil {
					kind := "reported"
					if u.Estimated {
						kind = "estimated"
					}
					fmt.Fprintf(os.Stderr, "tokens (%s): prompt=%d completion=%d\n", kind, u.PromptTokens, u.CompletionTokens)
				}
				return nil
			case runtime.EventError:
				fmt.Fprintln(os.Stdout)
				return errors.New(ev.Error.Message)
			}
		}
	}
}

// printDelta writes the part of text past the first printed bytes.
func printDelta(text string, printed int) int {
	if len(text) > printed {
		fmt.Fprint(os.Stdout, text[printed:])
		return len(text)
	}
	return printed
}
