// Package media turns attachments received on WhatsApp into short text
// summaries the assistant can reason about: documents are extracted and
// summarized, audio is transcribed and analyzed, images are described.
package media

import "time"

// Config configures attachment summarization.
type Config struct {
	// Enabled turns summarization on. When off, attachments are ignored.
	Enabled bool `yaml:"enabled"`

	// SummaryModel summarizes documents, analyzes transcripts and describes
	// images (default: "gpt-4.1-nano").
	SummaryModel string `yaml:"summary_model"`

	// TranscriptionModel transcribes audio (default: "gpt-4o-mini-transcribe").
	TranscriptionModel string `yaml:"transcription_model"`

	// WordLimit caps every summary (default: 1000).
	WordLimit int `yaml:"word_limit"`

	// TranscriptWordLimit truncates transcripts before analysis (default: 600).
	TranscriptWordLimit int `yaml:"transcript_word_limit"`

	// MaxDocumentChars truncates extracted document text sent to the model.
	MaxDocumentChars int `yaml:"max_document_chars"`

	// MaxSizeMB rejects larger attachments (default: 25).
	MaxSizeMB int `yaml:"max_size_mb"`

	// Timeout bounds one summarization (default: 2m).
	Timeout time.Duration `yaml:"timeout"`

	// ArchiveDir keeps a copy of every downloaded attachment. Empty disables it.
	ArchiveDir string `yaml:"archive_dir"`
}

// DefaultConfig returns the default media configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		SummaryModel:        "gpt-4.1-nano",
		TranscriptionModel:  "gpt-4o-mini-transcribe",
		WordLimit:           1000,
		TranscriptWordLimit: 600,
		MaxDocumentChars:    100_000,
		MaxSizeMB:           25,
		Timeout:             2 * time.Minute,
		ArchiveDir:          "./data/media",
	}
}

// Effective returns a copy with default values filled in for zero fields.
func (c Config) Effective() Config {
	def := DefaultConfig()
	out := c
	if out.SummaryModel == "" {
		out.SummaryModel = def.SummaryModel
	}
	if out.TranscriptionModel == "" {
		out.TranscriptionModel = def.TranscriptionModel
	}
	if out.WordLimit <= 0 {
		out.WordLimit = def.WordLimit
	}
	if out.TranscriptWordLimit <= 0 {
		out.TranscriptWordLimit = def.TranscriptWordLimit
	}
	if out.MaxDocumentChars <= 0 {
		out.MaxDocumentChars = def.MaxDocumentChars
	}
	if out.MaxSizeMB <= 0 {
		out.MaxSizeMB = def.MaxSizeMB
	}
	if out.Timeout <= 0 {
		out.Timeout = def.Timeout
	}
	return out
}
