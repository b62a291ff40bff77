package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stored describes an archived attachment.
type Stored struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id,omitempty"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type"`
	Kind      Kind      `json:"kind"`
	Size      int64     `json:"size"`
	Sender    string    `json:"sender,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Archive keeps downloaded attachments on the local filesystem, one data
// file plus one metadata document per attachment.
type Archive struct {
	dir    string
	logger *slog.Logger
}

// NewArchive creates an archive rooted at dir.
func NewArchive(dir string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range []string{dir, filepath.Join(dir, "meta")} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return &Archive{dir: dir, logger: logger.With("component", "media-archive")}, nil
}

// Save writes ref's bytes and metadata and returns the stored record.
func (a *Archive) Save(ctx context.Context, ref Ref, sender string) (*Stored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ref.Data) == 0 {
		return nil, fmt.Errorf("%w: no data provided", ErrInvalidMedia)
	}

	id := uuid.New().String()
	filename := sanitizeFilename(ref.Filename)
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = extFromMIME(ref.MimeType)
	}
	if filename == "" {
		filename = id + ext
	}

	st := &Stored{
		ID:        id,
		SourceID:  ref.ID,
		Filename:  filename,
		MimeType:  ref.MimeType,
		Kind:      KindOf(ref.MimeType),
		Size:      int64(len(ref.Data)),
		Sender:    sender,
		CreatedAt: time.Now().UTC(),
	}

	dataPath := filepath.Join(a.dir, id+ext)
	if err := os.WriteFile(dataPath, ref.Data, 0o600); err != nil {
		return nil, fmt.Errorf("writing data file: %w", err)
	}
	meta, err := json.Marshal(st)
	if err != nil {
		os.Remove(dataPath)
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(a.dir, "meta", id+".json"), meta, 0o600); err != nil {
		os.Remove(dataPath)
		return nil, fmt.Errorf("writing metadata file: %w", err)
	}

	a.logger.Debug("media archived", "id", id, "kind", st.Kind, "size", st.Size)
	return st, nil
}

// Get returns the metadata of an archived attachment.
func (a *Archive) Get(id string) (*Stored, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid id format: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(a.dir, "meta", id+".json"))
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	var st Stored
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	return &st, nil
}

// sanitizeFilename removes path separators and control characters.
func sanitizeFilename(name string) string {
	if name == "" {
		return ""
	}
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "." || out == string(filepath.Separator) {
		return ""
	}
	if len(out) > 255 {
		ext := filepath.Ext(out)
		out = out[:255-len(ext)] + ext
	}
	return out
}
