package media

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeModel struct {
	textModel    string
	textSystem   string
	textUser     string
	visionMime   string
	visionPrompt string
	transcript   string
	transcribed  string
}

func (f *fakeModel) CompleteText(_ context.Context, model, system, user string) (string, error) {
	f.textModel, f.textSystem, f.textUser = model, system, user
	return " summary ", nil
}

func (f *fakeModel) CompleteWithVision(_ context.Context, _, _, _, mimeType, prompt string) (string, error) {
	f.visionMime, f.visionPrompt = mimeType, prompt
	return "a cat", nil
}

func (f *fakeModel) TranscribeAudio(_ context.Context, _ []byte, filename, _ string) (string, error) {
	f.transcribed = filename
	return f.transcript, nil
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime string
		want Kind
	}{
		{"text/plain", KindDocument},
		{"application/pdf", KindDocument},
		{"application/json; charset=utf-8", KindDocument},
		{"audio/ogg; codecs=opus", KindAudio},
		{"video/ogg", KindAudio},
		{"image/jpeg", KindImage},
		{"video/mp4", KindOther},
	}
	for _, tt := range tests {
		if got := KindOf(tt.mime); got != tt.want {
			t.Errorf("KindOf(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}

func TestTruncateWords(t *testing.T) {
	t.Parallel()

	if got := TruncateWords("a b c d", 2); got != "a b" {
		t.Errorf("got %q", got)
	}
	if got := TruncateWords("a b", 5); got != "a b" {
		t.Errorf("got %q", got)
	}
}

func TestSummarizer_Document(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	s := NewSummarizer(model, nil, DefaultConfig(), nil)

	got, err := s.Summarize(context.Background(), Ref{ID: "m1", Data: []byte("quarterly numbers"), MimeType: "text/plain"}, "")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if got != "summary" {
		t.Errorf("summary = %q, want trimmed model output", got)
	}
	if model.textModel != "gpt-4.1-nano" {
		t.Errorf("model = %q", model.textModel)
	}
	if !strings.Contains(model.textSystem, "1000 words") {
		t.Errorf("prompt lacks word limit: %q", model.textSystem)
	}
	if !strings.Contains(model.textUser, "quarterly numbers") {
		t.Errorf("document text not sent: %q", model.textUser)
	}
}

func TestSummarizer_AudioTruncatesTranscript(t *testing.T) {
	t.Parallel()

	model := &fakeModel{transcript: strings.Repeat("word ", 700)}
	s := NewSummarizer(model, nil, DefaultConfig(), nil)

	if _, err := s.Summarize(context.Background(), Ref{ID: "m2", Data: []byte{1, 2, 3}, MimeType: "audio/ogg"}, KindAudio); err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if model.transcribed != "m2.ogg" {
		t.Errorf("filename = %q, want m2.ogg", model.transcribed)
	}
	_, transcript, _ := strings.Cut(model.textUser, "Transcript:\n")
	if n := len(strings.Fields(transcript)); n != 600 {
		t.Errorf("transcript words = %d, want 600", n)
	}
}

func TestSummarizer_Image(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	s := NewSummarizer(model, nil, DefaultConfig(), nil)

	got, err := s.Summarize(context.Background(), Ref{Data: []byte{0xff, 0xd8, 0xff}, MimeType: "image/jpeg"}, "")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if got != "a cat" || model.visionMime != "image/jpeg" {
		t.Errorf("got %q mime %q", got, model.visionMime)
	}
}

func TestSummarizer_RejectsEmptyAndUnsupported(t *testing.T) {
	t.Parallel()

	s := NewSummarizer(&fakeModel{}, nil, DefaultConfig(), nil)
	ctx := context.Background()

	if _, err := s.Summarize(ctx, Ref{MimeType: "text/plain"}, ""); !errors.Is(err, ErrInvalidMedia) {
		t.Errorf("empty data: err = %v, want ErrInvalidMedia", err)
	}
	if _, err := s.Summarize(ctx, Ref{Data: []byte("x"), MimeType: "video/mp4"}, ""); !errors.Is(err, ErrUnsupported) {
		t.Errorf("video: err = %v, want ErrUnsupported", err)
	}
}

func TestSummarizer_ArchivesAttachment(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive, err := NewArchive(dir, nil)
	if err != nil {
		t.Fatalf("NewArchive failed: %v", err)
	}
	s := NewSummarizer(&fakeModel{}, archive, DefaultConfig(), nil)

	if _, err := s.Summarize(context.Background(), Ref{ID: "m3", Data: []byte("hello"), MimeType: "text/plain"}, ""); err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}

	metas, _ := filepath.Glob(filepath.Join(dir, "meta", "*.json"))
	if len(metas) != 1 {
		t.Fatalf("expected 1 metadata file, got %d", len(metas))
	}
	id := strings.TrimSuffix(filepath.Base(metas[0]), ".json")
	st, err := archive.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st.SourceID != "m3" || st.Kind != KindDocument || st.Size != 5 {
		t.Errorf("unexpected metadata: %+v", st)
	}
	if _, err := os.Stat(filepath.Join(dir, id+".txt")); err != nil {
		t.Errorf("data file missing: %v", err)
	}
}

func TestExtractText_DOCX(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte(`<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body><w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> world</w:t></w:r></w:p>
<w:p><w:r><w:t>Second</w:t></w:r></w:p></w:body></w:document>`))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ExtractText(context.Background(), buf.Bytes(), docxMime, "notes.docx")
	if err != nil {
		t.Fatalf("ExtractText failed: %v", err)
	}
	if got != "Hello world\nSecond" {
		t.Errorf("got %q", got)
	}
}

func TestExtractText_Unsupported(t *testing.T) {
	t.Parallel()

	_, err := ExtractText(context.Background(), []byte{1}, "application/octet-stream", "blob.bin")
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}
