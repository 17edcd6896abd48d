package provider

import (
	"io"
	"sync"

	"github.com/sweetpotato0/ai-relay/llm"
)

// ChunkQueue buffers chunks decoded from one wire event. Adapters embed it when a single
// event can carry several chunks.
type ChunkQueue struct {
	pending []llm.Chunk
}

// Push queues c unless it is empty.
func (q *ChunkQueue) Push(c llm.Chunk) {
	if c.TextDelta == "" && c.ReasoningDelta == "" && c.ToolCallDelta == nil && c.Usage == nil && !c.IsComplete {
		return
	}
	q.pending = append(q.pending, c)
}

// Pop removes the oldest chunk.
func (q *ChunkQueue) Pop() (llm.Chunk, bool) {
	if len(q.pending) == 0 {
		return llm.Chunk{}, false
	}
	c := q.pending[0]
	q.pending = q.pending[1:]
	return c, true
}

// SliceStream replays fixed chunks. It is handy for tests and for cached responses.
type SliceStream struct {
	mu     sync.Mutex
	chunks []llm.Chunk
	err    error
	closed bool
}

// NewSliceStream returns a stream yielding chunks and then err (io.EOF when nil).
func NewSliceStream(err error, chunks ...llm.Chunk) *SliceStream {
	return &SliceStream{chunks: chunks, err: err}
}

func (s *SliceStream) Recv() (llm.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return llm.Chunk{}, io.ErrClosedPipe
	}
	if len(s.chunks) == 0 {
		if s.err != nil {
			return llm.Chunk{}, s.err
		}
		return llm.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
