package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/threadloom/internal/graph"
	"github.com/MrWong99/threadloom/pkg/provider/llm"
	"github.com/MrWong99/threadloom/pkg/types"
)

// analysisSystemPrompt instructs the model to segment a transcript window
// into discourse nodes and report back-references to earlier nodes.
const analysisSystemPrompt = `You segment conversation transcripts into discourse nodes.

Given one transcript window and optional summaries of earlier discussion,
respond with a single JSON object of this exact shape and nothing else:

{"nodes":[{"name":"short topic name","summary":"2-3 sentence summary","kind":"ordinary","references":[{"target":"name of an earlier node","label":"relation"}]}]}

Rules:
- Split the window into 1-8 nodes, one per coherent topical segment, in order.
- "kind" is "ordinary", "bookmark" for explicit action items or decisions, or
  "progress_marker" for meta statements about the conversation itself.
- "references" lists earlier nodes (from the provided context summaries or
  this window) that a segment explicitly returns to; omit or leave empty when
  there are none. "label" is a short relation like "elaborates" or "revisits".
- Never invent content that is not in the transcript.`

// LLMAnalyzer implements Analyzer with a chat completion against any
// configured LLM provider.
type LLMAnalyzer struct {
	provider    llm.Provider
	temperature float64
	maxTokens   int
}

// LLMOption customizes an LLMAnalyzer.
type LLMOption func(*LLMAnalyzer)

// WithTemperature sets the sampling temperature. Default 0 (deterministic).
func WithTemperature(t float64) LLMOption {
	return func(a *LLMAnalyzer) { a.temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) LLMOption {
	return func(a *LLMAnalyzer) { a.maxTokens = n }
}

// NewLLMAnalyzer wraps an LLM provider as the analysis service.
func NewLLMAnalyzer(provider llm.Provider, opts ...LLMOption) *LLMAnalyzer {
	a := &LLMAnalyzer{provider: provider}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ Analyzer = (*LLMAnalyzer)(nil)

// analysisResponse is the wire shape the model is asked to produce.
type analysisResponse struct {
	Nodes []struct {
		Name       string `json:"name"`
		Summary    string `json:"summary"`
		Kind       string `json:"kind"`
		References []struct {
			Target string `json:"target"`
			Label  string `json:"label"`
		} `json:"references"`
	} `json:"nodes"`
}

// Analyze sends the chunk to the model and parses the structured response.
// A response that is not valid JSON of the expected shape is returned as a
// malformed-response [Failure]; transport errors pass through for the pool
// to classify.
func (a *LLMAnalyzer) Analyze(ctx context.Context, chunkText string, hint Hint) ([]graph.NodeDescriptor, error) {
	var prompt strings.Builder
	if len(hint.Summaries) > 0 {
		prompt.WriteString("Earlier discussion context:\n")
		for _, s := range hint.Summaries {
			prompt.WriteString("- ")
			prompt.WriteString(s)
			prompt.WriteByte('\n')
		}
		prompt.WriteByte('\n')
	}
	prompt.WriteString("Transcript window:\n")
	prompt.WriteString(chunkText)

	resp, err := a.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: analysisSystemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: prompt.String()},
		},
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
		JSONOnly:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("enrich: analysis completion: %w", err)
	}

	var parsed analysisResponse
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &parsed); err != nil {
		return nil, &Failure{Kind: KindMalformed, Err: fmt.Errorf("enrich: decode analysis response: %w", err)}
	}
	if len(parsed.Nodes) == 0 {
		return nil, &Failure{Kind: KindMalformed, Err: fmt.Errorf("enrich: analysis response contained no nodes")}
	}

	descriptors := make([]graph.NodeDescriptor, 0, len(parsed.Nodes))
	for _, n := range parsed.Nodes {
		desc := graph.NodeDescriptor{
			Name:    n.Name,
			Summary: n.Summary,
			Kind:    nodeKind(n.Kind),
		}
		for _, ref := range n.References {
			if ref.Target == "" {
				continue
			}
			desc.References = append(desc.References, graph.Reference{
				Target: ref.Target,
				Label:  ref.Label,
			})
		}
		descriptors = append(descriptors, desc)
	}
	return descriptors, nil
}

func nodeKind(s string) graph.NodeKind {
	switch graph.NodeKind(s) {
	case graph.NodeKindBookmark, graph.NodeKindProgress:
		return graph.NodeKind(s)
	default:
		return graph.NodeKindOrdinary
	}
}

// stripFences removes a markdown code fence around a JSON body. Some models
// wrap JSON output in fences even when asked not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
