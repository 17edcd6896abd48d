// Package extractor splits a streamed model response into plain text, reasoning and tool
// regions delimited by inline tags such as <think>...</think> and <tool>...</tool>.
//
// Tags may be split across any number of chunks. Text that might still turn into a tag is
// held back until it either completes the tag or is disproved, so the decomposition of a
// response never depends on how it was chunked.
package extractor

import "strings"

const (
	DefaultReasoningOpen  = "<think>"
	DefaultReasoningClose = "</think>"
	DefaultToolOpen       = "<tool>"
	DefaultToolClose      = "</tool>"
)

// Config names the tag pairs to look for. An empty pair disables that region kind.
type Config struct {
	ReasoningOpen  string
	ReasoningClose string
	ToolOpen       string
	ToolClose      string
}

// DefaultConfig extracts both reasoning and tool regions with the default tags.
func DefaultConfig() Config {
	return Config{
		ReasoningOpen:  DefaultReasoningOpen,
		ReasoningClose: DefaultReasoningClose,
		ToolOpen:       DefaultToolOpen,
		ToolClose:      DefaultToolClose,
	}
}

// Kind identifies what a segment of output belongs to.
type Kind int

const (
	KindText Kind = iota
	KindReasoning
	KindTool
)

func (k Kind) String() string {
	switch k {
	case KindReasoning:
		return "reasoning"
	case KindTool:
		return "tool"
	default:
		return "text"
	}
}

// Segment is a run of output of a single kind. End marks the closing tag of a region and may
// come with empty Text.
type Segment struct {
	Kind Kind
	Text string
	End  bool
}

// State is the observable state of the extractor.
type State int

const (
	Outside State = iota
	InOpenTagCandidate
	InsideReasoning
	InsideToolRegion
)

type tag struct {
	open, close string
	kind        Kind
}

// Extractor is a streaming tag splitter. It is not safe for concurrent use; each stream owns
// its own instance.
type Extractor struct {
	tags    []tag
	pending string
	current *tag
}

// New creates an extractor for cfg.
func New(cfg Config) *Extractor {
	e := &Extractor{}
	if cfg.ReasoningOpen != "" && cfg.ReasoningClose != "" {
		e.tags = append(e.tags, tag{open: cfg.ReasoningOpen, close: cfg.ReasoningClose, kind: KindReasoning})
	}
	if cfg.ToolOpen != "" && cfg.ToolClose != "" {
		e.tags = append(e.tags, tag{open: cfg.ToolOpen, close: cfg.ToolClose, kind: KindTool})
	}
	return e
}

// State reports where the extractor currently is.
func (e *Extractor) State() State {
	switch {
	case e.current == nil && e.pending != "":
		return InOpenTagCandidate
	case e.current == nil:
		return Outside
	case e.current.kind == KindReasoning:
		return InsideReasoning
	default:
		return InsideToolRegion
	}
}

// Feed consumes the next piece of model output and returns the segments that are now known.
func (e *Extractor) Feed(s string) []Segment {
	if len(e.tags) == 0 {
		if s == "" {
			return nil
		}
		return []Segment{{Kind: KindText, Text: s}}
	}

	e.pending += s
	var out []Segment
	for {
		if e.current == nil {
			t, i := e.earliestOpen()
			if t == nil {
				keep := longestTagPrefixSuffix(e.pending, e.openTags()...)
				out = appendSegment(out, Segment{Kind: KindText, Text: e.pending[:len(e.pending)-keep]})
				e.pending = e.pending[len(e.pending)-keep:]
				return out
			}
			out = appendSegment(out, Segment{Kind: KindText, Text: e.pending[:i]})
			e.pending = e.pending[i+len(t.open):]
			e.current = t
			continue
		}

		i := strings.Index(e.pending, e.current.close)
		if i < 0 {
			keep := longestTagPrefixSuffix(e.pending, e.current.close)
			out = appendSegment(out, Segment{Kind: e.current.kind, Text: e.pending[:len(e.pending)-keep]})
			e.pending = e.pending[len(e.pending)-keep:]
			return out
		}
		out = appendSegment(out, Segment{Kind: e.current.kind, Text: e.pending[:i], End: true})
		e.pending = e.pending[i+len(e.current.close):]
		e.current = nil
	}
}

// Flush releases anything held back at end of stream. A half-seen tag outside a region is
// plain text; inside an unclosed region it belongs to the region, which stays unclosed.
func (e *Extractor) Flush() []Segment {
	rest := e.pending
	e.pending = ""
	if e.current == nil {
		return appendSegment(nil, Segment{Kind: KindText, Text: rest})
	}
	return []Segment{{Kind: e.current.kind, Text: rest}}
}

// Reset returns the extractor to its initial state.
func (e *Extractor) Reset() {
	e.pending = ""
	e.current = nil
}

func (e *Extractor) openTags() []string {
	opens := make([]string, len(e.tags))
	for i, t := range e.tags {
		opens[i] = t.open
	}
	return opens
}

// earliestOpen finds the first complete open tag in pending. On a tie the longer tag wins.
func (e *Extractor) earliestOpen() (*tag, int) {
	var best *tag
	bestIdx := -1
	for i := range e.tags {
		t := &e.tags[i]
		idx := strings.Index(e.pending, t.open)
		if idx < 0 {
			continue
		}
		if bestIdx < 0 || idx < bestIdx || (idx == bestIdx && len(t.open) > len(best.open)) {
			best, bestIdx = t, idx
		}
	}
	return best, bestIdx
}

// longestTagPrefixSuffix returns the length of the longest suffix of s that is a proper
// prefix of one of tags.
func longestTagPrefixSuffix(s string, tags ...string) int {
	longest := 0
	for _, t := range tags {
		max := len(t) - 1
		if max > len(s) {
			max = len(s)
		}
		for n := max; n > longest; n-- {
			if strings.HasSuffix(s, t[:n]) {
				longest = n
				break
			}
		}
	}
	return longest
}

// appendSegment drops empty non-closing segments and merges runs of the same kind.
func appendSegment(out []Segment, seg Segment) []Segment {
	if seg.Text == "" && !seg.End {
		return out
	}
	if n := len(out); n > 0 && out[n-1].Kind == seg.Kind && !out[n-1].End {
		out[n-1].Text += seg.Text
		out[n-1].End = seg.End
		return out
	}
	return append(out, seg)
}

// Decomposition is the whole-response view of a tagged output.
type Decomposition struct {
	Text        string
	Reasoning   string
	ToolRegions []string
	// OpenToolRegion is set when the last tool region was never closed.
	OpenToolRegion bool
}

// Collector folds segments into a Decomposition.
type Collector struct {
	text, reasoning strings.Builder
	regions         []string
	tool            strings.Builder
	inTool          bool
}

// Add records segs.
func (c *Collector) Add(segs ...Segment) {
	for _, seg := range segs {
		switch seg.Kind {
		case KindText:
			c.text.WriteString(seg.Text)
		case KindReasoning:
			c.reasoning.WriteString(seg.Text)
		case KindTool:
			c.tool.WriteString(seg.Text)
			c.inTool = true
			if seg.End {
				c.regions = append(c.regions, c.tool.String())
				c.tool.Reset()
				c.inTool = false
			}
		}
	}
}

// Result returns what has been collected so far.
func (c *Collector) Result() Decomposition {
	d := Decomposition{
		Text:        c.text.String(),
		Reasoning:   c.reasoning.String(),
		ToolRegions: append([]string(nil), c.regions...),
	}
	if c.inTool {
		d.ToolRegions = append(d.ToolRegions, c.tool.String())
		d.OpenToolRegion = true
	}
	return d
}

// Extract decomposes a complete response.
func Extract(cfg Config, s string) Decomposition {
	e := New(cfg)
	var c Collector
	c.Add(e.Feed(s)...)
	c.Add(e.Flush()...)
	return c.Result()
}
