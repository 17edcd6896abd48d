// Package dispatcher runs one request against its backend: it prepares the request for the
// adapter's capabilities, opens the stream through the middleware chain and turns the chunks
// into cumulative progress and one terminal outcome.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	relayerrors "github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/extractor"
	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/middleware"
	"github.com/sweetpotato0/ai-relay/middleware/enricher"
	"github.com/sweetpotato0/ai-relay/middleware/errorhandler"
	"github.com/sweetpotato0/ai-relay/middleware/limiter"
	"github.com/sweetpotato0/ai-relay/middleware/logger"
	"github.com/sweetpotato0/ai-relay/middleware/validator"
	"github.com/sweetpotato0/ai-relay/pkg/logging"
	"github.com/sweetpotato0/ai-relay/pkg/telemetry"
	"github.com/sweetpotato0/ai-relay/provider"
	"github.com/sweetpotato0/ai-relay/tokenizer"
	"github.com/sweetpotato0/ai-relay/tool"
	"github.com/sweetpotato0/ai-relay/toolcall"
)

// Progress is the cumulative state of a stream after a chunk.
type Progress struct {
	Text      string
	Reasoning string
	ToolCall  *llm.RawToolCall
}

// Sink receives the outcome of one dispatch. SetAborter is called before any network I/O.
// After OnFinal or OnError nothing else is called. An aborted dispatch calls neither.
type Sink interface {
	SetAborter(abort func())
	OnText(Progress)
	OnFinal(llm.Result)
	OnError(err error, partial *llm.Result)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMiddleware replaces the default interceptor chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(d *Dispatcher) { d.chain = middleware.NewChain(mws...) }
}

// WithLimiter adds a rate limiter to the default chain.
func WithLimiter(l limiter.Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithTags overrides the reasoning and tool tags used for backends without native channels.
func WithTags(cfg extractor.Config) Option {
	return func(d *Dispatcher) { d.tags = cfg }
}

// WithCounter sets how usage is estimated when a backend reports none. nil disables estimates.
func WithCounter(fn func(model string) tokenizer.Counter) Option {
	return func(d *Dispatcher) { d.counter = fn }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	registry *provider.Registry
	chain    *middleware.MiddlewareChain
	limiter  limiter.Limiter
	tags     extractor.Config
	counter  func(model string) tokenizer.Counter
	logger   *slog.Logger
}

// New creates a dispatcher resolving adapters from registry.
func New(registry *provider.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		tags:     extractor.DefaultConfig(),
		counter:  tokenizer.ForModel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.WithComponent("dispatcher")
	}
	if d.chain == nil {
		d.chain = DefaultChain(d.logger, d.limiter)
	}
	return d
}

// DefaultChain logs, normalises errors, recovers adapter panics, validates, waits for the
// limiter (when l is non-nil) and builds the per-request transport, in that order.
func DefaultChain(log *slog.Logger, l limiter.Limiter) *middleware.MiddlewareChain {
	chain := middleware.NewChain(
		logger.NewRequestLogger(log),
		logger.NewResponseLogger(log),
		errorhandler.Normalize(),
		errorhandler.Recover(log),
		validator.Request(),
	)
	if l != nil {
		chain.Add(limiter.NewRateLimiter(l))
	}
	return chain.Add(enricher.Transport())
}

// Registry returns the provider registry.
func (d *Dispatcher) Registry() *provider.Registry {
	return d.registry
}

// Dispatch runs req to completion, reporting to sink. It blocks until the stream ends, fails
// or ctx is cancelled; the abort handle given to sink cancels it as well.
func (d *Dispatcher) Dispatch(ctx context.Context, req *llm.Request, settings provider.Settings, sink Sink) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sink.SetAborter(cancel)

	ctx, span := telemetry.Start(ctx, "relay.dispatch",
		attribute.String("relay.provider", req.ProviderName),
		attribute.String("relay.model", req.ModelName),
		attribute.String("relay.messages_type", string(req.MessagesType)),
	)
	err := d.dispatch(ctx, req, settings, sink)
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		span.SetAttributes(attribute.Bool("relay.aborted", true))
		err = nil
	}
	telemetry.End(span, err)
}

func (d *Dispatcher) dispatch(ctx context.Context, req *llm.Request, settings provider.Settings, sink Sink) error {
	adapter, err := d.registry.Resolve(req.ProviderName)
	if err != nil {
		sink.OnError(err, nil)
		return err
	}

	caps := adapter.Capabilities()
	prepared := Prepare(req, caps, d.tags)
	op := middleware.OpChat
	if req.IsFIM() {
		op = middleware.OpFIM
	}

	mctx := middleware.NewContext(ctx, op, adapter, prepared, settings)
	if err := d.chain.Execute(mctx, open); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sink.OnError(err, nil)
		return err
	}
	defer mctx.Stream.Close()

	s := &consumer{
		provider: adapter.Name(),
		acc:      toolcall.New(toolcall.WithLogger(d.logger)),
		ext:      d.extractorFor(caps, prepared),
	}
	if err := s.consume(ctx, mctx.Stream, sink); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sink.OnError(err, s.partial())
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var known *tool.Registry
	if len(req.Tools) > 0 {
		known = tool.NewRegistry(req.Tools...)
	}
	result := s.result(known)
	if result.Usage == nil && d.counter != nil {
		result.Usage = tokenizer.Estimate(d.counter(prepared.ModelName), prepared, result.FullReasoning+result.FullText)
	}
	d.logger.Debug("dispatch finished", "provider", adapter.Name(), "model", req.ModelName,
		"text_len", len(result.FullText), "tool_call", result.ToolCall != nil)
	sink.OnFinal(result)
	return nil
}

// open is the final handler of the chain: it builds the client and opens the stream.
func open(mctx *middleware.Context) error {
	client, err := mctx.Provider.NewClient(mctx.Settings)
	if err != nil {
		return err
	}
	if mctx.Operation == middleware.OpFIM {
		fim, ok := client.(provider.FIMClient)
		if !ok {
			return fmt.Errorf("%s: fim: %w", mctx.ProviderName(), relayerrors.ErrUnsupportedOperation)
		}
		mctx.Stream, err = fim.StreamFIM(mctx.Context(), mctx.Request)
		return err
	}
	mctx.Stream, err = client.StreamChat(mctx.Context(), mctx.Request)
	return err
}

func (d *Dispatcher) extractorFor(caps provider.Capabilities, req *llm.Request) *extractor.Extractor {
	if req.IsFIM() {
		return nil
	}
	cfg := d.tags
	if caps.Has(provider.NativeReasoning) {
		cfg.ReasoningOpen, cfg.ReasoningClose = "", ""
	}
	if caps.Has(provider.NativeTools) {
		cfg.ToolOpen, cfg.ToolClose = "", ""
	}
	if cfg.ReasoningOpen == "" && cfg.ToolOpen == "" {
		return nil
	}
	return extractor.New(cfg)
}

// ListModels lists the models of one backend through the middleware chain.
func (d *Dispatcher) ListModels(ctx context.Context, providerName string, settings provider.Settings) ([]llm.Model, error) {
	adapter, err := d.registry.Resolve(providerName)
	if err != nil {
		return nil, err
	}
	mctx := middleware.NewContext(ctx, middleware.OpListModels, adapter, nil, settings)
	err = d.chain.Execute(mctx, func(c *middleware.Context) error {
		models, err := provider.Models(c.Context(), c.Provider, c.Settings)
		c.Models = models
		return err
	})
	if err != nil {
		return nil, err
	}
	return mctx.Models, nil
}

// Complete dispatches req and waits for the terminal outcome.
func (d *Dispatcher) Complete(ctx context.Context, req *llm.Request, settings provider.Settings) (*llm.Result, error) {
	sink := &collector{}
	d.Dispatch(ctx, req, settings, sink)
	switch {
	case sink.err != nil:
		return sink.partial, sink.err
	case sink.result != nil:
		return sink.result, nil
	default:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, context.Canceled
	}
}

type collector struct {
	result  *llm.Result
	partial *llm.Result
	err     error
}

func (c *collector) SetAborter(func()) {}
func (c *collector) OnText(Progress)   {}
func (c *collector) OnFinal(r llm.Result) {
	c.result = &r
}
func (c *collector) OnError(err error, partial *llm.Result) {
	c.err, c.partial = err, partial
}

// consumer folds chunks of one stream, strictly in arrival order.
type consumer struct {
	provider  string
	ext       *extractor.Extractor
	acc       *toolcall.Accumulator
	text      strings.Builder
	reasoning strings.Builder
	usage     *llm.Usage
	flushed   bool
}

func (s *consumer) consume(ctx context.Context, stream provider.Stream, sink Sink) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := s.recv(stream)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return relayerrors.Backend(s.provider, err)
		}
		if s.apply(chunk) {
			sink.OnText(s.progress())
		}
		if chunk.IsComplete {
			return nil
		}
	}
}

// recv reads the next chunk, turning a panic in the adapter's decoder into an error.
func (s *consumer) recv(stream provider.Stream) (chunk llm.Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream decoder panicked: %v", r)
		}
	}()
	return stream.Recv()
}

// apply folds one chunk and reports whether visible state changed.
func (s *consumer) apply(c llm.Chunk) bool {
	changed := false
	if c.ReasoningDelta != "" {
		s.reasoning.WriteString(c.ReasoningDelta)
		changed = true
	}
	if c.TextDelta != "" {
		if s.ext == nil {
			s.text.WriteString(c.TextDelta)
			changed = true
		} else if segs := s.ext.Feed(c.TextDelta); len(segs) > 0 {
			s.segments(segs)
			changed = true
		}
	}
	if c.ToolCallDelta != nil {
		s.acc.AddDelta(*c.ToolCallDelta)
		changed = true
	}
	if c.Usage != nil {
		u := *c.Usage
		s.usage = &u
	}
	return changed
}

func (s *consumer) segments(segs []extractor.Segment) {
	for _, seg := range segs {
		switch seg.Kind {
		case extractor.KindText:
			s.text.WriteString(seg.Text)
		case extractor.KindReasoning:
			s.reasoning.WriteString(seg.Text)
		case extractor.KindTool:
			s.acc.AddRegionText(seg.Text)
			if seg.End {
				s.acc.CloseRegion()
			}
		}
	}
}

func (s *consumer) flush() {
	if s.flushed || s.ext == nil {
		return
	}
	s.flushed = true
	s.segments(s.ext.Flush())
}

func (s *consumer) progress() Progress {
	p := Progress{Text: s.text.String(), Reasoning: s.reasoning.String()}
	if !s.acc.Empty() {
		p.ToolCall = s.acc.Partial()
	}
	return p
}

func (s *consumer) partial() *llm.Result {
	s.flush()
	p := s.progress()
	return &llm.Result{FullText: p.Text, FullReasoning: p.Reasoning, ToolCall: p.ToolCall, Usage: s.usage}
}

func (s *consumer) result(known *tool.Registry) llm.Result {
	s.flush()
	call, _ := s.acc.Finish(known)
	return llm.Result{
		FullText:      s.text.String(),
		FullReasoning: s.reasoning.String(),
		ToolCall:      call,
		Usage:         s.usage,
	}
}
