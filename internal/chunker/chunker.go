// Package chunker splits an append-only transcript stream into overlapping
// fixed-size word windows. Each window (chunk) carries a unique id and a
// monotonically increasing ordinal; the trailing overlap of one chunk is
// repeated at the head of the next so the analysis service sees cross-chunk
// context.
package chunker

import (
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/threadloom/pkg/types"
)

// Defaults for the windowing policy. Both are externally configurable.
const (
	DefaultWindowWords  = 10000
	DefaultOverlapWords = 2000

	// DefaultUtteranceThreshold caps how many utterances accumulate before a
	// chunk is cut in live mode, regardless of word count. Zero disables the
	// utterance-driven boundary.
	DefaultUtteranceThreshold = 0
)

// Chunk is one analysis window. Chunks are immutable after emission: they are
// consumed exactly once by the enrichment pool and never rewritten.
type Chunk struct {
	// ID uniquely identifies the chunk within the session.
	ID string

	// Ordinal is the chunk's position in the session, starting at 0 and
	// strictly increasing. The graph merger exposes nodes in ordinal order.
	Ordinal int

	// Text is the chunk content, words joined with single spaces.
	Text string

	// WordStart and WordEnd bound the chunk in the session word stream as a
	// half-open range [WordStart, WordEnd).
	WordStart int
	WordEnd   int

	// Overlap is true when the chunk's head repeats the tail of its
	// predecessor.
	Overlap bool

	// Final marks the (possibly short) last chunk of a session, emitted on
	// flush rather than by the window filling up.
	Final bool
}

// WordCount returns the number of words in the chunk.
func (c Chunk) WordCount() int {
	return c.WordEnd - c.WordStart
}

// Option customizes a Chunker.
type Option func(*Chunker)

// WithWindow sets the window size in words.
func WithWindow(words int) Option {
	return func(c *Chunker) {
		if words > 0 {
			c.windowWords = words
		}
	}
}

// WithOverlap sets the number of trailing words carried into the next chunk.
func WithOverlap(words int) Option {
	return func(c *Chunker) {
		if words >= 0 {
			c.overlapWords = words
		}
	}
}

// WithUtteranceThreshold cuts a chunk after the given number of utterances
// even if the word window has not filled. Used for live audio input where
// boundaries follow speech rather than raw word count.
func WithUtteranceThreshold(n int) Option {
	return func(c *Chunker) {
		c.utteranceThreshold = n
	}
}

// WithIDFunc overrides chunk id generation. Used in tests for deterministic
// ids; the default generates UUIDs.
func WithIDFunc(fn func() string) Option {
	return func(c *Chunker) {
		c.newID = fn
	}
}

// Chunker accumulates transcript words and emits overlapping windows. Not
// safe for concurrent use; the owning ingestion session serializes access.
type Chunker struct {
	windowWords        int
	overlapWords       int
	utteranceThreshold int
	newID              func() string

	words      []string // full session word stream
	start      int      // word index where the next chunk begins
	covered    int      // highest word index covered by an emitted chunk
	ordinal    int
	utterances int // utterances since the last emitted chunk
}

// New builds a Chunker with the default 10,000-word window and 2,000-word
// overlap.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		windowWords:        DefaultWindowWords,
		overlapWords:       DefaultOverlapWords,
		utteranceThreshold: DefaultUtteranceThreshold,
		newID:              uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlapWords >= c.windowWords {
		c.overlapWords = c.windowWords / 2
	}
	return c
}

// Add appends raw text to the stream and returns any chunks completed by it.
// A single large append can complete several windows at once.
func (c *Chunker) Add(text string) []Chunk {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	c.words = append(c.words, fields...)
	return c.drainFull()
}

// AddUtterance appends one utterance to the stream. In addition to the word
// window, the utterance threshold (when configured) can complete a chunk.
func (c *Chunker) AddUtterance(u types.Utterance) []Chunk {
	fields := strings.Fields(u.Text)
	if len(fields) == 0 {
		return nil
	}
	c.words = append(c.words, fields...)
	c.utterances++

	chunks := c.drainFull()
	if c.utteranceThreshold > 0 && c.utterances >= c.utteranceThreshold && len(c.words) > c.covered {
		chunks = append(chunks, c.cut(len(c.words), false))
	}
	return chunks
}

// Flush emits the final chunk covering all words not yet part of one. The
// final chunk may be shorter than the window; it is still ordinally assigned
// and never dropped. Returns false when every word is already covered, so a
// flush right after a full window does not re-emit the trailing overlap.
func (c *Chunker) Flush() (Chunk, bool) {
	if len(c.words) <= c.covered {
		return Chunk{}, false
	}
	chunk := c.cut(len(c.words), true)
	return chunk, true
}

// WordCount returns the total number of words received so far.
func (c *Chunker) WordCount() int {
	return len(c.words)
}

// NextOrdinal returns the ordinal the next emitted chunk will carry.
func (c *Chunker) NextOrdinal() int {
	return c.ordinal
}

// pending counts words received but not yet covered by an emitted chunk.
func (c *Chunker) pending() int {
	return len(c.words) - c.start
}

// drainFull emits chunks while a full window is available.
func (c *Chunker) drainFull() []Chunk {
	var out []Chunk
	for c.pending() >= c.windowWords {
		out = append(out, c.cut(c.start+c.windowWords, false))
	}
	return out
}

// cut emits the chunk [c.start, end) and advances the cursor, leaving the
// configured overlap behind for the next chunk. A chunk shorter than the
// overlap (possible on utterance-threshold cuts) carries itself forward in
// full; the cursor never rewinds past the chunk's own start. Final chunks
// consume the stream entirely.
func (c *Chunker) cut(end int, final bool) Chunk {
	chunk := Chunk{
		ID:        c.newID(),
		Ordinal:   c.ordinal,
		Text:      strings.Join(c.words[c.start:end], " "),
		WordStart: c.start,
		WordEnd:   end,
		Overlap:   c.start > 0,
		Final:     final,
	}
	c.ordinal++
	c.utterances = 0
	c.covered = end
	if final {
		c.start = end
	} else if next := end - c.overlapWords; next > c.start {
		c.start = next
	}
	return chunk
}
