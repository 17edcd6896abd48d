package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"

	relayerrors "github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/message"
	"github.com/sweetpotato0/ai-relay/provider"
	"github.com/sweetpotato0/ai-relay/tool"
)

const (
	name         = "gemini"
	defaultModel = "gemini-2.0-flash"
	roleModel    = "model"
	roleUser     = "user"
)

// Adapter implements provider.Adapter for Google Gemini.
type Adapter struct{}

// New creates the Gemini adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return name }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Chat | provider.ListModels | provider.NativeTools | provider.SystemMessage
}

func (a *Adapter) DefaultModels() []string {
	return []string{defaultModel, "gemini-2.5-pro", "gemini-2.5-flash", "gemini-1.5-pro"}
}

// NewClient stores settings; the SDK client is created per stream.
func (a *Adapter) NewClient(settings provider.Settings) (provider.Client, error) {
	return &Client{settings: settings}, nil
}

// Client streams from Gemini through the generative-ai-go SDK.
type Client struct {
	settings provider.Settings
}

func (c *Client) newSDKClient(ctx context.Context) (*genai.Client, error) {
	opts := []option.ClientOption{option.WithAPIKey(c.settings.APIKey)}
	if c.settings.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(c.settings.BaseURL))
	}
	if c.settings.HTTPClient != nil || len(c.settings.Headers) > 0 {
		// a custom client bypasses the SDK's key handling, so the key travels as a header
		base := c.settings.Client()
		opts = append(opts, option.WithHTTPClient(&http.Client{
			Transport: &headerTransport{base: base.Transport, key: c.settings.APIKey, headers: c.settings.Headers},
			Timeout:   base.Timeout,
		}))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, mapError(err)
	}
	return client, nil
}

// StreamChat opens a streaming chat session.
func (c *Client) StreamChat(ctx context.Context, req *llm.Request) (provider.Stream, error) {
	system, history, last, err := convertMessages(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	client, err := c.newSDKClient(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	modelName := req.ModelName
	if modelName == "" {
		modelName = defaultModel
	}
	model := client.GenerativeModel(modelName)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(req.Tools) > 0 {
		model.Tools = []*genai.Tool{{FunctionDeclarations: functionDeclarations(req.Tools)}}
	}
	if req.Temperature != nil {
		model.SetTemperature(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	cs := model.StartChat()
	cs.History = history
	it := cs.SendMessageStream(ctx, last.Parts...)
	return &stream{it: it, cancel: cancel, client: client}, nil
}

// ListModels enumerates the generative models.
func (c *Client) ListModels(ctx context.Context) ([]llm.Model, error) {
	client, err := c.newSDKClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	var models []llm.Model
	it := client.ListModels(ctx)
	for {
		info, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, mapError(err)
		}
		models = append(models, llm.Model{
			ID:       strings.TrimPrefix(info.Name, "models/"),
			Provider: name,
			Name:     info.DisplayName,
		})
	}
	return models, nil
}

// convertMessages splits the conversation into a system instruction, the chat history and
// the final turn to send.
func convertMessages(req *llm.Request) (string, []*genai.Content, *genai.Content, error) {
	system, rest := message.CombineSystem(req.Messages, req.SystemMessage)

	contents := make([]*genai.Content, 0, len(rest))
	for _, msg := range rest {
		var content *genai.Content
		switch msg.Role {
		case message.RoleUser:
			content = &genai.Content{Role: roleUser, Parts: []genai.Part{genai.Text(msg.Content)}}
		case message.RoleAssistant:
			content = &genai.Content{Role: roleModel}
			if msg.Content != "" {
				content.Parts = append(content.Parts, genai.Text(msg.Content))
			}
			if msg.HasToolCall() {
				args := map[string]any{}
				if strings.TrimSpace(msg.ToolArgs) != "" {
					if err := json.Unmarshal([]byte(msg.ToolArgs), &args); err != nil {
						return "", nil, nil, fmt.Errorf("%s: tool arguments for %s: %v: %w", name, msg.ToolName, err, relayerrors.ErrMalformedRequest)
					}
				}
				content.Parts = append(content.Parts, genai.FunctionCall{Name: msg.ToolName, Args: args})
			}
			if len(content.Parts) == 0 {
				continue
			}
		case message.RoleTool:
			content = &genai.Content{Role: roleUser, Parts: []genai.Part{genai.FunctionResponse{
				Name:     msg.ToolName,
				Response: map[string]any{"content": msg.Content},
			}}}
		default:
			return "", nil, nil, fmt.Errorf("%s: unsupported role %q: %w", name, msg.Role, relayerrors.ErrMalformedRequest)
		}

		// consecutive turns of the same role are merged
		if n := len(contents); n > 0 && contents[n-1].Role == content.Role {
			contents[n-1].Parts = append(contents[n-1].Parts, content.Parts...)
			continue
		}
		contents = append(contents, content)
	}

	if len(contents) == 0 || contents[len(contents)-1].Role != roleUser {
		return "", nil, nil, fmt.Errorf("%s: conversation must end with a user turn: %w", name, relayerrors.ErrMalformedRequest)
	}
	return system, contents[:len(contents)-1], contents[len(contents)-1], nil
}

func functionDeclarations(specs []*tool.Spec) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		decl := &genai.FunctionDeclaration{Name: spec.Name, Description: spec.Description}
		if len(spec.Parameters) > 0 {
			schema := &genai.Schema{
				Type:       genai.TypeObject,
				Properties: make(map[string]*genai.Schema, len(spec.Parameters)),
				Required:   spec.RequiredParams(),
			}
			for _, p := range spec.Parameters {
				schema.Properties[p.Name] = &genai.Schema{
					Type:        schemaType(p.Type),
					Description: p.Description,
					Enum:        p.Enum,
				}
				if schemaType(p.Type) == genai.TypeArray {
					schema.Properties[p.Name].Items = &genai.Schema{Type: genai.TypeString}
				}
			}
			decl.Parameters = schema
		}
		decls = append(decls, decl)
	}
	return decls
}

func schemaType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

type stream struct {
	it     *genai.GenerateContentResponseIterator
	cancel context.CancelFunc
	client *genai.Client

	queue     provider.ChunkQueue
	nextIndex int
	usage     *llm.Usage
	done      bool
	closeOnce sync.Once
}

func (s *stream) Recv() (llm.Chunk, error) {
	for {
		if c, ok := s.queue.Pop(); ok {
			return c, nil
		}
		if s.done {
			return llm.Chunk{}, io.EOF
		}
		resp, err := s.it.Next()
		if errors.Is(err, iterator.Done) {
			s.done = true
			if s.usage != nil {
				s.queue.Push(llm.Chunk{Usage: s.usage})
			}
			continue
		}
		if err != nil {
			s.done = true
			return llm.Chunk{}, mapError(err)
		}
		s.decode(resp)
	}
}

// decode queues the chunks carried by one response. Gemini sends function calls whole, so
// each becomes a single delta.
func (s *stream) decode(resp *genai.GenerateContentResponse) {
	if resp.UsageMetadata != nil {
		s.usage = &llm.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			s.queue.Push(llm.Chunk{TextDelta: string(p)})
		case genai.FunctionCall:
			args, err := json.Marshal(p.Args)
			if err != nil || p.Args == nil {
				args = []byte("{}")
			}
			s.queue.Push(llm.Chunk{ToolCallDelta: &llm.ToolCallDelta{
				Index:          s.nextIndex,
				NameDelta:      p.Name,
				ArgumentsDelta: string(args),
			}})
			s.nextIndex++
		}
	}
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.client.Close()
	})
	return err
}

// mapError converts SDK errors into relay error kinds.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if ae, ok := apierror.FromError(err); ok {
		status := ae.HTTPCode()
		if ae.Reason() == "API_KEY_INVALID" || ae.GRPCStatus().Code() == codes.Unauthenticated {
			status = http.StatusUnauthorized
		}
		if status <= 0 {
			status = httpStatus(ae.GRPCStatus().Code())
		}
		msg := ae.GRPCStatus().Message()
		if msg == "" {
			msg = ae.Error()
		}
		return relayerrors.FromStatus(name, status, msg, err)
	}
	return relayerrors.Backend(name, err)
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type headerTransport struct {
	base    http.RoundTripper
	key     string
	headers map[string]string
}

func (t *headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	if t.key != "" {
		r.Header.Set("x-goog-api-key", t.key)
	}
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}
