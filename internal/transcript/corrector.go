// Package transcript applies glossary-based correction to final transcripts
// before they enter the chunking pipeline. Speech recognisers routinely
// mangle product names, people, and domain jargon; the corrector realigns
// misheard words with the canonical glossary terms from configuration.
package transcript

import (
	"strings"

	"github.com/MrWong99/threadloom/internal/transcript/phonetic"
)

// Correction records a single word or phrase replacement.
type Correction struct {
	// Original is the text as transcribed.
	Original string `json:"original"`

	// Corrected is the glossary term it was replaced with.
	Corrected string `json:"corrected"`

	// Confidence is the similarity score that justified the replacement.
	Confidence float64 `json:"confidence"`
}

// Matcher finds the glossary term closest to a word or phrase.
// [phonetic.Matcher] is the standard implementation.
type Matcher interface {
	Match(word string, terms []string) (corrected string, confidence float64, matched bool)
}

// Corrector rewrites transcript text against a fixed glossary.
// It is read-only after construction and safe for concurrent use.
type Corrector struct {
	matcher      Matcher
	glossary     []string
	maxTermWords int
}

// NewCorrector builds a Corrector for the given glossary. minSimilarity sets
// the phonetic acceptance threshold; pass 0 to use the matcher default.
func NewCorrector(glossary []string, minSimilarity float64) *Corrector {
	opts := []phonetic.Option{}
	if minSimilarity > 0 {
		opts = append(opts, phonetic.WithPhoneticThreshold(minSimilarity))
	}
	return &Corrector{
		matcher:      phonetic.New(opts...),
		glossary:     glossary,
		maxTermWords: phonetic.MaxTermWords(glossary),
	}
}

// NewCorrectorWithMatcher builds a Corrector with a caller-supplied matcher.
// Used in tests.
func NewCorrectorWithMatcher(m Matcher, glossary []string) *Corrector {
	return &Corrector{
		matcher:      m,
		glossary:     glossary,
		maxTermWords: phonetic.MaxTermWords(glossary),
	}
}

// Correct rewrites text against the glossary and returns the corrected text
// plus the list of applied corrections. With an empty glossary the input is
// returned unchanged.
//
// At each token position, n-gram windows from the longest glossary term down
// to a single word are tried; the longest matching window wins so multi-word
// terms take precedence over partial single-word matches.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if len(c.glossary) == 0 {
		return text, nil
	}

	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		output      []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		maxN := c.maxTermWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, conf, ok := c.matcher.Match(window, c.glossary)
			if !ok {
				continue
			}

			output = append(output, strings.Fields(term)...)
			corrections = append(corrections, Correction{
				Original:   window,
				Corrected:  term,
				Confidence: conf,
			})
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}
