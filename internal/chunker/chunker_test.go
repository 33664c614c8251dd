package chunker

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/MrWong99/threadloom/pkg/types"
)

// numberedWords produces "w0 w1 ... w(n-1)" so tests can assert exact word
// ranges.
func numberedWords(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("w")
		b.WriteString(strconv.Itoa(i))
	}
	return b.String()
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("chunk-%d", n)
	}
}

func TestTwelveThousandWordsMakeTwoChunks(t *testing.T) {
	t.Parallel()
	c := New(WithWindow(10000), WithOverlap(2000), WithIDFunc(sequentialIDs()))

	chunks := c.Add(numberedWords(12000))
	if len(chunks) != 1 {
		t.Fatalf("chunks after add = %d, want 1", len(chunks))
	}
	final, ok := c.Flush()
	if !ok {
		t.Fatal("flush emitted no chunk")
	}

	first := chunks[0]
	if first.WordStart != 0 || first.WordEnd != 10000 {
		t.Errorf("first chunk range = [%d:%d), want [0:10000)", first.WordStart, first.WordEnd)
	}
	if first.Ordinal != 0 || first.Overlap || first.Final {
		t.Errorf("first chunk flags = %+v", first)
	}

	if final.WordStart != 8000 || final.WordEnd != 12000 {
		t.Errorf("final chunk range = [%d:%d), want [8000:12000)", final.WordStart, final.WordEnd)
	}
	if final.Ordinal != 1 || !final.Overlap || !final.Final {
		t.Errorf("final chunk flags = %+v", final)
	}
	if !strings.HasPrefix(final.Text, "w8000 ") || !strings.HasSuffix(final.Text, " w11999") {
		t.Errorf("final chunk text bounds wrong: %.40s ... ", final.Text)
	}
}

func TestOverlapInvariantReconstructsTranscript(t *testing.T) {
	t.Parallel()
	const window, overlap, total = 100, 20, 370
	c := New(WithWindow(window), WithOverlap(overlap))

	original := numberedWords(total)
	chunks := c.Add(original)
	if final, ok := c.Flush(); ok {
		chunks = append(chunks, final)
	}

	var rebuilt []string
	for i, ch := range chunks {
		words := strings.Fields(ch.Text)
		if i > 0 {
			prev := strings.Fields(chunks[i-1].Text)
			shared := prev[len(prev)-overlap:]
			for j, w := range shared {
				if words[j] != w {
					t.Fatalf("chunk %d word %d = %q, want overlap word %q", i, j, words[j], w)
				}
			}
			words = words[overlap:]
		}
		rebuilt = append(rebuilt, words...)
	}
	if got := strings.Join(rebuilt, " "); got != original {
		t.Errorf("overlap-stripped concatenation does not reconstruct transcript (got %d words, want %d)",
			len(rebuilt), total)
	}
}

func TestOrdinalsAreMonotone(t *testing.T) {
	t.Parallel()
	c := New(WithWindow(10), WithOverlap(2))

	var chunks []Chunk
	for i := 0; i < 8; i++ {
		chunks = append(chunks, c.Add(numberedWords(10))...)
	}
	if final, ok := c.Flush(); ok {
		chunks = append(chunks, final)
	}

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Ordinal != i {
			t.Errorf("chunk %d ordinal = %d", i, ch.Ordinal)
		}
		if ch.ID == "" {
			t.Errorf("chunk %d has empty id", i)
		}
	}
}

func TestChunkIDsAreUnique(t *testing.T) {
	t.Parallel()
	c := New(WithWindow(5), WithOverlap(1))

	chunks := c.Add(numberedWords(50))
	seen := make(map[string]bool)
	for _, ch := range chunks {
		if seen[ch.ID] {
			t.Errorf("duplicate chunk id %q", ch.ID)
		}
		seen[ch.ID] = true
	}
}

func TestFlushWithNothingPendingEmitsNoChunk(t *testing.T) {
	t.Parallel()
	c := New()
	if _, ok := c.Flush(); ok {
		t.Error("flush on empty chunker emitted a chunk")
	}

	// An exact full window leaves only overlap behind the cursor; flushing
	// must not re-emit words the last chunk already covered.
	c2 := New(WithWindow(10), WithOverlap(2))
	c2.Add(numberedWords(10))
	if _, ok := c2.Flush(); ok {
		t.Error("flush after exact window re-emitted overlap words")
	}
}

func TestUtteranceThresholdCutsEarly(t *testing.T) {
	t.Parallel()
	c := New(WithWindow(10000), WithOverlap(10), WithUtteranceThreshold(3))

	var chunks []Chunk
	for i := 0; i < 3; i++ {
		chunks = append(chunks, c.AddUtterance(types.Utterance{
			Text: "alpha beta gamma delta epsilon zeta eta theta iota kappa",
			Seq:  i,
		})...)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks after 3 utterances = %d, want 1", len(chunks))
	}
	if chunks[0].WordCount() != 30 {
		t.Errorf("chunk word count = %d, want 30", chunks[0].WordCount())
	}
}

func TestUtteranceThresholdChunksShorterThanOverlap(t *testing.T) {
	t.Parallel()
	// Threshold cuts after two one-word utterances emit chunks far shorter
	// than the default 2,000-word overlap. The cursor must not rewind past a
	// short chunk's own start; with the default overlap that previously meant
	// a negative start and a slice panic on the second cut.
	c := New(WithUtteranceThreshold(2), WithIDFunc(sequentialIDs()))

	var chunks []Chunk
	for i := 0; i < 4; i++ {
		chunks = append(chunks, c.AddUtterance(types.Utterance{Text: fmt.Sprintf("w%d", i), Seq: i})...)
	}

	if len(chunks) != 2 {
		t.Fatalf("chunks after 4 utterances = %d, want 2", len(chunks))
	}
	first, second := chunks[0], chunks[1]
	if first.WordStart != 0 || first.WordEnd != 2 {
		t.Errorf("first chunk range = [%d:%d), want [0:2)", first.WordStart, first.WordEnd)
	}
	// The whole short first chunk is carried forward as overlap.
	if second.WordStart != 0 || second.WordEnd != 4 {
		t.Errorf("second chunk range = [%d:%d), want [0:4)", second.WordStart, second.WordEnd)
	}
	if second.Text != "w0 w1 w2 w3" {
		t.Errorf("second chunk text = %q", second.Text)
	}
	if second.Ordinal != 1 {
		t.Errorf("second chunk ordinal = %d, want 1", second.Ordinal)
	}
	if _, ok := c.Flush(); ok {
		t.Error("flush re-emitted words already covered by threshold cuts")
	}
}

func TestEmptyTextIsIgnored(t *testing.T) {
	t.Parallel()
	c := New()
	if got := c.Add("   \n\t "); got != nil {
		t.Errorf("whitespace-only add emitted %d chunks", len(got))
	}
	if c.WordCount() != 0 {
		t.Errorf("word count = %d after whitespace add", c.WordCount())
	}
}
