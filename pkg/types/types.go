// Package types defines the shared value types used across all threadloom
// packages.
//
// These types form the lingua franca between the STT providers, the chunking
// and enrichment pipeline, and the graph layer. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available (Deepgram).
	// May be nil for providers that don't support word-level output.
	Words []WordDetail

	// SpeakerID identifies the speaker when speaker diarization is active.
	SpeakerID string

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost represents a keyword to boost in STT recognition.
// Used to improve recognition of conversation-specific proper nouns
// (speaker names, project names, jargon).
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// Utterance is a single committed unit of speech in the transcript stream.
// Utterances are immutable once received; they are produced by an STT
// provider's Finals channel or by a transcript import.
type Utterance struct {
	// SpeakerID identifies who spoke. Empty when diarization is unavailable.
	SpeakerID string

	// Text is the (possibly corrected) utterance text.
	Text string

	// Seq is the position of the utterance in the session, starting at 0.
	// Assigned by the ingestion session, strictly increasing.
	Seq int

	// Start and End bound the utterance relative to session start. Zero for
	// imported transcripts that carry no timing data.
	Start time.Duration
	End   time.Duration
}

// Message is a single conversational message exchanged with an LLM provider.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string

	// Name optionally identifies the author within the role.
	Name string

	// Content is the message text.
	Content string
}
