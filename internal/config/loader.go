package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "whisper"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults for unset fields. It returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for _, e := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", e.Name)
	}
	for _, e := range cfg.Providers.STTFallbacks {
		validateProviderName("stt", e.Name)
	}

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required; enrichment cannot run without an LLM provider"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; live sessions will reject audio frames")
	}

	// Chunking
	if cfg.Chunking.WindowWords == 0 {
		cfg.Chunking.WindowWords = DefaultWindowWords
	}
	if cfg.Chunking.WindowWords < 0 {
		errs = append(errs, fmt.Errorf("chunking.window_words %d must be positive", cfg.Chunking.WindowWords))
	}
	if cfg.Chunking.OverlapWords == 0 {
		cfg.Chunking.OverlapWords = DefaultOverlapWords
	}
	if cfg.Chunking.OverlapWords < 0 {
		errs = append(errs, fmt.Errorf("chunking.overlap_words %d must not be negative", cfg.Chunking.OverlapWords))
	}
	if cfg.Chunking.UtteranceThreshold < 0 {
		errs = append(errs, fmt.Errorf("chunking.utterance_threshold %d must not be negative", cfg.Chunking.UtteranceThreshold))
	}
	if cfg.Chunking.OverlapWords >= cfg.Chunking.WindowWords && cfg.Chunking.WindowWords > 0 {
		errs = append(errs, fmt.Errorf("chunking.overlap_words %d must be smaller than chunking.window_words %d",
			cfg.Chunking.OverlapWords, cfg.Chunking.WindowWords))
	}

	// Enrichment
	if cfg.Enrichment.Concurrency == 0 {
		cfg.Enrichment.Concurrency = DefaultConcurrency
	}
	if cfg.Enrichment.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("enrichment.concurrency %d must be positive", cfg.Enrichment.Concurrency))
	}
	if cfg.Enrichment.Concurrency > MaxConcurrency {
		errs = append(errs, fmt.Errorf("enrichment.concurrency %d exceeds the maximum of %d", cfg.Enrichment.Concurrency, MaxConcurrency))
	}
	if cfg.Enrichment.MaxRetries == 0 {
		cfg.Enrichment.MaxRetries = DefaultMaxRetries
	}
	if cfg.Enrichment.MaxRetries < 0 {
		cfg.Enrichment.MaxRetries = 0
	}
	if cfg.Enrichment.RetryBackoff <= 0 {
		cfg.Enrichment.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Enrichment.CallTimeout <= 0 {
		cfg.Enrichment.CallTimeout = DefaultCallTimeout
	}
	if cfg.Enrichment.ContextHints < 0 {
		errs = append(errs, fmt.Errorf("enrichment.context_hints %d must not be negative", cfg.Enrichment.ContextHints))
	}
	if cfg.Enrichment.ContextHints > 0 && cfg.Providers.Embeddings.Name == "" {
		slog.Warn("enrichment.context_hints is set but providers.embeddings is not configured; hints will use full-text search only")
	}

	// Session
	if cfg.Session.DrainTimeout <= 0 {
		cfg.Session.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Session.OutboundQueue <= 0 {
		cfg.Session.OutboundQueue = DefaultOutboundQueue
	}
	if cfg.Session.SampleRate <= 0 {
		cfg.Session.SampleRate = DefaultSampleRate
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; graphs will not survive restarts")
	}
	if cfg.Storage.EmbeddingDimensions == 0 {
		cfg.Storage.EmbeddingDimensions = DefaultEmbeddingDims
	}
	if cfg.Storage.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("storage.embedding_dimensions %d must be positive", cfg.Storage.EmbeddingDimensions))
	}

	// Correction
	if cfg.Correction.MinSimilarity == 0 {
		cfg.Correction.MinSimilarity = DefaultMinSimilarity
	}
	if cfg.Correction.MinSimilarity < 0 || cfg.Correction.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("correction.min_similarity %.2f is out of range [0, 1]", cfg.Correction.MinSimilarity))
	}
	if cfg.Correction.Enabled && len(cfg.Correction.Glossary) == 0 {
		slog.Warn("correction.enabled is set but correction.glossary is empty; correction will be a no-op")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
