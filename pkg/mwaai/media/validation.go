package media

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

// Kind categorizes an attachment for summarization.
type Kind string

const (
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
	KindImage    Kind = "image"
	KindOther    Kind = "other"
)

// DetectMimeType uses http.DetectContentType and extension heuristics.
func DetectMimeType(data []byte, filename string) string {
	detected := http.DetectContentType(data)
	ext := strings.ToLower(filepath.Ext(filename))

	if detected == "application/octet-stream" || detected == "application/zip" {
		switch ext {
		case ".mp3":
			return "audio/mpeg"
		case ".m4a":
			return "audio/mp4"
		case ".ogg", ".opus":
			return "audio/ogg"
		case ".wav":
			return "audio/wav"
		case ".pdf":
			return "application/pdf"
		case ".docx":
			return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
		case ".txt", ".md":
			return "text/plain"
		case ".json":
			return "application/json"
		case ".csv":
			return "text/csv"
		}
	}

	if strings.HasPrefix(detected, "text/plain") {
		switch ext {
		case ".json":
			return "application/json"
		case ".csv":
			return "text/csv"
		case ".md":
			return "text/markdown"
		}
	}
	return detected
}

// KindOf maps a MIME type to the summarization route. Anything under
// text/ or application/ is a document.
func KindOf(mimeType string) Kind {
	mimeType = strings.TrimSpace(strings.Split(mimeType, ";")[0])
	major, _, _ := strings.Cut(mimeType, "/")

	switch major {
	case "text", "application":
		return KindDocument
	case "audio":
		return KindAudio
	case "image":
		return KindImage
	}
	if mimeType == "video/ogg" {
		return KindAudio
	}
	return KindOther
}

// Validate checks the attachment is non-empty and within maxBytes.
func Validate(data []byte, maxBytes int64) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty attachment", ErrInvalidMedia)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return fmt.Errorf("%w: size %d exceeds maximum %d", ErrInvalidMedia, len(data), maxBytes)
	}
	return nil
}

// extFromMIME returns a file extension for common MIME types.
func extFromMIME(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(mime, "image/png"):
		return ".png"
	case strings.HasPrefix(mime, "image/webp"):
		return ".webp"
	case strings.HasPrefix(mime, "audio/mpeg"), strings.HasPrefix(mime, "audio/mp3"):
		return ".mp3"
	case strings.HasPrefix(mime, "audio/ogg"):
		return ".ogg"
	case strings.HasPrefix(mime, "audio/wav"):
		return ".wav"
	case strings.HasPrefix(mime, "audio/mp4"):
		return ".m4a"
	case strings.HasPrefix(mime, "application/pdf"):
		return ".pdf"
	case strings.HasPrefix(mime, "application/vnd.openxmlformats-officedocument.wordprocessingml"):
		return ".docx"
	case strings.HasPrefix(mime, "application/json"):
		return ".json"
	case strings.HasPrefix(mime, "text/markdown"):
		return ".md"
	case strings.HasPrefix(mime, "text/csv"):
		return ".csv"
	case strings.HasPrefix(mime, "text/"):
		return ".txt"
	default:
		return ".bin"
	}
}
