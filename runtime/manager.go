// Package runtime correlates in-flight requests with their callers. Every request gets an
// opaque id, its hooks fire in order on the request's own goroutine, and exactly one terminal
// event is delivered unless the request is aborted first.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweetpotato0/ai-relay/dispatcher"
	relayerrors "github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/pkg/logging"
	"github.com/sweetpotato0/ai-relay/provider"
	"github.com/sweetpotato0/ai-relay/transcript"
)

const recordTimeout = 10 * time.Second

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder appends every delivered terminal outcome to rec.
func WithRecorder(rec transcript.Recorder) Option {
	return func(m *Manager) { m.recorder = rec }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager owns the record of every in-flight request. It is safe for concurrent use.
type Manager struct {
	dispatcher *dispatcher.Dispatcher
	recorder   transcript.Recorder
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	records map[string]*record
	closed  bool
}

// record is the per-request state. mu guards done and abort and is never held while a hook
// runs. Hooks of one record are delivered from a single goroutine.
type record struct {
	id    string
	mu    sync.Mutex
	done  bool
	abort func()
}

// NewManager creates a manager dispatching through d.
func NewManager(d *dispatcher.Dispatcher, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dispatcher: d,
		ctx:        ctx,
		cancel:     cancel,
		records:    make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.WithComponent("runtime")
	}
	return m
}

// Send validates req, registers hooks under a fresh id and starts streaming in the
// background. Validation failures return an error and issue no id and no events.
func (m *Manager) Send(req *llm.Request, settings provider.Settings, hooks Hooks) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if _, err := m.dispatcher.Registry().Resolve(req.ProviderName); err != nil {
		return "", err
	}
	if !settings.AllowsModel(req.ModelName) {
		return "", fmt.Errorf("model %q is not configured for %s: %w",
			req.ModelName, req.ProviderName, relayerrors.ErrUnknownModel)
	}

	req = req.Clone()
	rec, err := m.register()
	if err != nil {
		return "", err
	}
	m.logger.Info("request dispatched", "request_id", rec.id, "provider", req.ProviderName,
		"model", req.ModelName, "type", string(req.MessagesType))

	sink := &streamSink{m: m, rec: rec, req: req, hooks: hooks, started: time.Now()}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.forget(rec)
		m.dispatcher.Dispatch(m.ctx, req, settings, sink)
	}()
	return rec.id, nil
}

// ListModels lists the models of one provider as a correlated request.
func (m *Manager) ListModels(providerName string, settings provider.Settings, hooks ListHooks) (string, error) {
	if providerName == "" {
		return "", fmt.Errorf("no provider selected: %w", relayerrors.ErrMalformedRequest)
	}
	if _, err := m.dispatcher.Registry().Resolve(providerName); err != nil {
		return "", err
	}
	rec, err := m.register()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.setAborter(rec, cancel)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer m.forget(rec)

		models, err := m.dispatcher.ListModels(ctx, providerName, settings)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.deliver(rec, true, func() {
				if hooks.OnError != nil {
					hooks.OnError(ErrorEvent{RequestID: rec.id, Message: relayerrors.UserMessage(err), Cause: err})
				}
			})
			return
		}
		m.deliver(rec, true, func() {
			if hooks.OnSuccess != nil {
				hooks.OnSuccess(ModelsEvent{RequestID: rec.id, Provider: providerName, Models: models})
			}
		})
	}()
	return rec.id, nil
}

// Abort cancels the request with id. It is idempotent and ignores unknown ids. Once Abort
// returns no further hook starts for id; a hook already running is not waited for, so Abort
// never blocks and may be called from inside a hook.
func (m *Manager) Abort(id string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	delete(m.records, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	rec.done = true
	abort := rec.abort
	rec.mu.Unlock()
	if abort != nil {
		abort()
	}
	m.logger.Info("request aborted", "request_id", id)
}

// Pending returns the number of requests that have not ended.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Close cancels every outstanding request without running its hooks and waits for the
// background work to stop.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	records := m.records
	m.records = make(map[string]*record)
	m.mu.Unlock()

	for _, rec := range records {
		rec.mu.Lock()
		rec.done = true
		rec.mu.Unlock()
	}
	m.cancel()
	m.wg.Wait()

	if m.recorder != nil {
		return m.recorder.Close()
	}
	return nil
}

func (m *Manager) register() (*record, error) {
	rec := &record{id: uuid.NewString()}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("request manager is closed")
	}
	m.records[rec.id] = rec
	return rec, nil
}

// forget drops a record whose dispatch ended without a terminal event.
func (m *Manager) forget(rec *record) {
	m.mu.Lock()
	if m.records[rec.id] == rec {
		delete(m.records, rec.id)
	}
	m.mu.Unlock()
}

func (m *Manager) setAborter(rec *record, abort func()) {
	rec.mu.Lock()
	if rec.done {
		rec.mu.Unlock()
		abort()
		return
	}
	rec.abort = abort
	rec.mu.Unlock()
}

// deliver runs fn unless rec already ended. The done check and Abort's update share rec.mu,
// so a hook either starts before Abort returns or not at all. A terminal delivery ends rec
// before fn runs, so whichever of terminal event and Abort comes first wins. It reports
// whether fn ran.
func (m *Manager) deliver(rec *record, terminal bool, fn func()) bool {
	rec.mu.Lock()
	if rec.done {
		rec.mu.Unlock()
		return false
	}
	if terminal {
		rec.done = true
		m.forget(rec)
	}
	rec.mu.Unlock()

	fn()
	return true
}

func (m *Manager) recordTranscript(entry *transcript.Entry) {
	if m.recorder == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := m.recorder.Record(ctx, entry); err != nil {
			m.logger.Warn("failed to record transcript", "request_id", entry.RequestID, "error", err)
		}
	}()
}

// streamSink adapts dispatcher callbacks to the hooks of one record.
type streamSink struct {
	m       *Manager
	rec     *record
	req     *llm.Request
	hooks   Hooks
	started time.Time
}

func (s *streamSink) SetAborter(abort func()) {
	s.m.setAborter(s.rec, abort)
}

func (s *streamSink) OnText(p dispatcher.Progress) {
	if s.hooks.OnText == nil {
		return
	}
	s.m.deliver(s.rec, false, func() {
		s.hooks.OnText(TextEvent{
			RequestID:       s.rec.id,
			TextSoFar:       p.Text,
			ReasoningSoFar:  p.Reasoning,
			PartialToolCall: p.ToolCall,
		})
	})
}

func (s *streamSink) OnFinal(res llm.Result) {
	delivered := s.m.deliver(s.rec, true, func() {
		if s.hooks.OnFinalMessage != nil {
			s.hooks.OnFinalMessage(FinalEvent{
				RequestID:     s.rec.id,
				FullText:      res.FullText,
				FullReasoning: res.FullReasoning,
				ToolCall:      res.ToolCall,
				Usage:         res.Usage,
			})
		}
	})
	if delivered {
		s.m.recordTranscript(s.entry(transcript.StatusCompleted, &res, ""))
	}
}

func (s *streamSink) OnError(err error, partial *llm.Result) {
	msg := relayerrors.UserMessage(err)
	delivered := s.m.deliver(s.rec, true, func() {
		if s.hooks.OnError != nil {
			s.hooks.OnError(ErrorEvent{RequestID: s.rec.id, Message: msg, Cause: err, Partial: partial})
		}
	})
	if delivered {
		s.m.logger.Warn("request failed", "request_id", s.rec.id, "provider", s.req.ProviderName, "error", err)
		s.m.recordTranscript(s.entry(transcript.StatusFailed, partial, msg))
	}
}

func (s *streamSink) entry(status transcript.Status, res *llm.Result, errMsg string) *transcript.Entry {
	return &transcript.Entry{
		RequestID:    s.rec.id,
		Provider:     s.req.ProviderName,
		Model:        s.req.ModelName,
		MessagesType: s.req.MessagesType,
		Messages:     s.req.Messages,
		Status:       status,
		Result:       res,
		Error:        errMsg,
		StartedAt:    s.started,
		Duration:     time.Since(s.started),
	}
}
