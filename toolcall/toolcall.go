// Package toolcall assembles a single tool invocation from streamed fragments, either native
// structured deltas or the text of inline tool regions.
package toolcall

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/pkg/logging"
	"github.com/sweetpotato0/ai-relay/tool"
)

// Region bodies name the arguments member in any of these ways.
var argumentKeys = []string{"args", "arguments", "params", "parameters"}

type entry struct {
	index  int
	region bool
	id     string
	name   strings.Builder
	// args holds native argument text, or the whole region body for tag regions.
	args strings.Builder
	done []string
	seen map[string]struct{}
}

func (e *entry) markDone(names ...string) {
	if e.seen == nil {
		e.seen = make(map[string]struct{})
	}
	for _, n := range names {
		if _, ok := e.seen[n]; ok {
			continue
		}
		e.seen[n] = struct{}{}
		e.done = append(e.done, n)
	}
}

// Accumulator collects tool call fragments for one stream. It is owned by a single
// goroutine and is not safe for concurrent use.
type Accumulator struct {
	entries    map[int]*entry
	openRegion *entry
	nextRegion int
	logger     *slog.Logger
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithLogger sets the logger used for dropped or malformed calls.
func WithLogger(l *slog.Logger) Option {
	return func(a *Accumulator) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an empty Accumulator.
func New(opts ...Option) *Accumulator {
	a := &Accumulator{
		entries: make(map[int]*entry),
		logger:  logging.WithComponent("toolcall"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Empty reports whether no fragment has been seen.
func (a *Accumulator) Empty() bool {
	return len(a.entries) == 0
}

func (a *Accumulator) entry(index int, region bool) *entry {
	e, ok := a.entries[index]
	if !ok {
		e = &entry{index: index, region: region}
		a.entries[index] = e
	}
	return e
}

// AddDelta merges a native tool call fragment. Fields only ever grow.
func (a *Accumulator) AddDelta(d llm.ToolCallDelta) {
	e := a.entry(d.Index, false)
	if e.id == "" && d.ID != "" {
		e.id = d.ID
	}
	e.name.WriteString(d.NameDelta)
	e.args.WriteString(d.ArgumentsDelta)
}

// AddRegionText appends text to the currently open tool region, opening one if needed.
func (a *Accumulator) AddRegionText(text string) {
	if a.openRegion == nil {
		// regions never share an index with native calls
		for {
			if _, taken := a.entries[a.nextRegion]; !taken {
				break
			}
			a.nextRegion++
		}
		a.openRegion = a.entry(a.nextRegion, true)
		a.nextRegion++
	}
	a.openRegion.args.WriteString(text)
}

// CloseRegion ends the currently open tool region.
func (a *Accumulator) CloseRegion() {
	a.openRegion = nil
}

// AddRegion records a complete tool region body.
func (a *Accumulator) AddRegion(body string) {
	a.AddRegionText(body)
	a.CloseRegion()
}

func (a *Accumulator) first() *entry {
	if len(a.entries) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.entries))
	for i := range a.entries {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	return a.entries[indexes[0]]
}

// Partial returns a snapshot of the call assembled so far, or nil when there is none.
// RawParams and DoneParamNames only cover parameters whose values are complete.
func (a *Accumulator) Partial() *llm.RawToolCall {
	e := a.first()
	if e == nil {
		return nil
	}

	call := &llm.RawToolCall{ID: e.id, Name: e.name.String(), RawParams: map[string]string{}}
	args := e.args.String()
	if e.region {
		body, _ := scanObject(args)
		if raw, ok := body.get("name"); ok {
			call.Name, _ = stringValue(raw)
		}
		args = ""
		if raw, ok := body.get(argumentKeys...); ok {
			args = string(raw)
		} else if contains(argumentKeys, body.pendingName) {
			args = body.pendingRaw
		}
	}
	call.Arguments = args

	scan, _ := scanObject(args)
	names := make([]string, 0, len(scan.params))
	for _, p := range scan.params {
		call.RawParams[p.name] = rawParamValue(p.value)
		names = append(names, p.name)
	}
	e.markDone(names...)
	call.DoneParamNames = append([]string(nil), e.done...)
	return call
}

// Finish parses the lowest-index call. It returns (nil, nil) when no call was seen and
// (nil, err) wrapping errors.ErrMalformedToolCall when the call cannot be used. Extra calls
// are dropped. When known is non-nil the tool name and required parameters are checked
// against it.
func (a *Accumulator) Finish(known *tool.Registry) (*llm.RawToolCall, error) {
	e := a.first()
	if e == nil {
		return nil, nil
	}
	if n := len(a.entries); n > 1 {
		a.logger.Warn("multiple tool calls in one response, keeping the first", "count", n)
	}

	call, err := a.finish(e, known)
	if err != nil {
		a.logger.Warn("discarding malformed tool call", "error", err)
		return nil, err
	}
	return call, nil
}

func (a *Accumulator) finish(e *entry, known *tool.Registry) (*llm.RawToolCall, error) {
	name := strings.TrimSpace(e.name.String())
	args := strings.TrimSpace(e.args.String())

	if e.region {
		body, err := scanObject(args)
		if err != nil || !body.complete {
			return nil, malformed("tool region is not a complete JSON object: %q", args)
		}
		raw, ok := body.get("name")
		if !ok {
			return nil, malformed("tool region has no name")
		}
		if name, ok = stringValue(raw); !ok {
			return nil, malformed("tool name is not a string")
		}
		args = "{}"
		if raw, ok := body.get(argumentKeys...); ok {
			args = string(raw)
		}
	}
	if args == "" {
		args = "{}"
	}

	if name == "" {
		return nil, malformed("tool call has no name")
	}
	scan, err := scanObject(args)
	if err != nil {
		return nil, malformed("arguments for %s: %v", name, err)
	}
	if !scan.complete {
		return nil, malformed("arguments for %s are truncated: %q", name, args)
	}

	values := make(map[string]any, len(scan.params))
	names := make([]string, 0, len(scan.params))
	rawParams := make(map[string]string, len(scan.params))
	for _, p := range scan.params {
		values[p.name] = p.value
		names = append(names, p.name)
		rawParams[p.name] = rawParamValue(p.value)
	}

	if known != nil {
		spec, err := known.Get(name)
		if err != nil {
			return nil, malformed("unknown tool %q", name)
		}
		if err := spec.ValidateArgs(values); err != nil {
			return nil, malformed("%s: %v", name, err)
		}
	}

	e.markDone(names...)
	id := e.id
	if id == "" {
		id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	}
	return &llm.RawToolCall{
		ID:             id,
		Name:           name,
		Arguments:      args,
		RawParams:      rawParams,
		DoneParamNames: append([]string(nil), e.done...),
		IsDone:         true,
	}, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errors.ErrMalformedToolCall, fmt.Sprintf(format, args...))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
