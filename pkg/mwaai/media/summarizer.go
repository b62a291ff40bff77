package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Errors.
var (
	ErrInvalidMedia = errors.New("invalid media")
	ErrUnsupported  = errors.New("unsupported media")
	ErrNoContent    = errors.New("media has no content")
)

// Ref is a downloaded attachment.
type Ref struct {
	// ID is the platform media id, when there is one.
	ID string

	// Data holds the raw bytes.
	Data []byte

	// MimeType as reported by the platform, or detected from Data.
	MimeType string

	// Filename is the original name, if known.
	Filename string
}

// Model is the subset of the LLM client used for summarization.
type Model interface {
	CompleteText(ctx context.Context, model, systemPrompt, userPrompt string) (string, error)
	CompleteWithVision(ctx context.Context, model, systemPrompt, imageBase64, mimeType, userPrompt string) (string, error)
	TranscribeAudio(ctx context.Context, audioData []byte, filename, model string) (string, error)
}

// Summarizer produces a short text summary of an attachment.
type Summarizer struct {
	model   Model
	archive *Archive
	cfg     Config
	logger  *slog.Logger
}

// NewSummarizer creates a summarizer. archive may be nil.
func NewSummarizer(model Model, archive *Archive, cfg Config, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		model:   model,
		archive: archive,
		cfg:     cfg.Effective(),
		logger:  logger.With("component", "media"),
	}
}

// Summarize archives ref and routes it by kind. An empty kind is derived
// from the MIME type.
func (s *Summarizer) Summarize(ctx context.Context, ref Ref, kind Kind) (string, error) {
	if err := Validate(ref.Data, int64(s.cfg.MaxSizeMB)*1024*1024); err != nil {
		return "", err
	}
	if ref.MimeType == "" {
		ref.MimeType = DetectMimeType(ref.Data, ref.Filename)
	}
	if kind == "" {
		kind = KindOf(ref.MimeType)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if s.archive != nil {
		if _, err := s.archive.Save(ctx, ref, ""); err != nil {
			s.logger.Warn("failed to archive media", "media_id", ref.ID, "error", err)
		}
	}

	var (
		summary string
		err     error
	)
	switch kind {
	case KindDocument:
		summary, err = s.summarizeDocument(ctx, ref)
	case KindAudio:
		summary, err = s.summarizeAudio(ctx, ref)
	case KindImage:
		summary, err = s.describeImage(ctx, ref)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, ref.MimeType)
	}
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", kind, err)
	}

	s.logger.Debug("media summarized", "kind", kind, "mime", ref.MimeType, "chars", len(summary))
	return strings.TrimSpace(summary), nil
}

func (s *Summarizer) summarizeDocument(ctx context.Context, ref Ref) (string, error) {
	text, err := ExtractText(ctx, ref.Data, ref.MimeType, ref.Filename)
	if err != nil {
		return "", err
	}
	if len(text) > s.cfg.MaxDocumentChars {
		text = text[:s.cfg.MaxDocumentChars]
	}
	prompt := fmt.Sprintf("Summarize the file content in concise bullet points. "+
		"Keep as many specific details and facts as possible. Remove fluff, filler and repetition. "+
		"Be as brief as the amount of detail allows. "+
		"If the file seems to be an example document, or nonsensical, describe it as such. "+
		"Keep it under %d words. Respond with nothing but the summary.", s.cfg.WordLimit)

	return s.model.CompleteText(ctx, s.cfg.SummaryModel, prompt, "File content:\n"+text)
}

func (s *Summarizer) summarizeAudio(ctx context.Context, ref Ref) (string, error) {
	filename := ref.Filename
	if filename == "" {
		filename = ref.ID + extFromMIME(ref.MimeType)
	}
	transcript, err := s.model.TranscribeAudio(ctx, ref.Data, filename, s.cfg.TranscriptionModel)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	transcript = TruncateWords(transcript, s.cfg.TranscriptWordLimit)
	if strings.TrimSpace(transcript) == "" {
		return "", fmt.Errorf("%w: empty transcript", ErrNoContent)
	}

	prompt := fmt.Sprintf("Analyze the following transcript, generated from an audio file by automatic transcription. "+
		"Determine the nature of the content and:\n"+
		"- If it is coherent speech (a conversation, lecture or monologue), respond with a summary as concise as possible "+
		"that keeps all specific details, under %d words. Respond with nothing but the summary.\n"+
		"- If it is lyrics or poetry, return a cleaned-up version of the text with repeated sections such as choruses removed. "+
		"Keep repeated lines that serve a stylistic purpose. Respond with nothing but the cleaned-up text.\n"+
		"- If it is mostly nonsensical or garbled, respond with 'Audio does not contain valid speech.' followed by the transcript.",
		s.cfg.WordLimit)

	return s.model.CompleteText(ctx, s.cfg.SummaryModel, "", prompt+"\n\nTranscript:\n"+transcript)
}

func (s *Summarizer) describeImage(ctx context.Context, ref Ref) (string, error) {
	prompt := fmt.Sprintf("Describe the contents of the image in 1-2 sentences. "+
		"Then, if any text is present, summarize the text in bullet points preserving all specific details. "+
		"Do not describe visual elements in the text summary. "+
		"Keep the full output under %d words. "+
		"Respond only with the visual description and the text summary.", s.cfg.WordLimit)

	b64 := base64.StdEncoding.EncodeToString(ref.Data)
	return s.model.CompleteWithVision(ctx, s.cfg.SummaryModel, "", b64, ref.MimeType, prompt)
}

// TruncateWords keeps the first n whitespace-separated words of s.
func TruncateWords(s string, n int) string {
	words := strings.Fields(s)
	if n <= 0 || len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}
