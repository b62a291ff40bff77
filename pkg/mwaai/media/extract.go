package media

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const docxMime = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// ExtractText returns the readable text of a document: plain text formats
// as is, PDF through pdftotext, DOCX from word/document.xml.
func ExtractText(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	mime := strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	ext := strings.ToLower(filepath.Ext(filename))

	switch {
	case mime == "application/pdf" || ext == ".pdf":
		return extractPDFText(ctx, data)
	case mime == docxMime || ext == ".docx":
		return extractDOCXText(data)
	case isPlainText(mime, ext):
		return string(data), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, mimeType)
}

// isPlainText checks if the MIME type or extension indicates plain text.
func isPlainText(mime, ext string) bool {
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/json", "application/xml", "application/javascript",
		"application/typescript", "application/x-sh", "application/x-yaml":
		return true
	}
	switch ext {
	case ".txt", ".csv", ".md", ".json", ".xml", ".html", ".htm",
		".js", ".ts", ".py", ".go", ".rb", ".php", ".java", ".c", ".cpp",
		".cs", ".h", ".css", ".yaml", ".yml", ".toml", ".sh", ".sql", ".tex", ".log":
		return true
	}
	return false
}

// extractPDFText runs pdftotext (poppler-utils) on a temp copy of data.
func extractPDFText(ctx context.Context, data []byte) (string, error) {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return "", fmt.Errorf("%w: pdftotext is not installed", ErrUnsupported)
	}

	tmp, err := os.CreateTemp("", "mwaai-pdf-*.pdf")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return "", fmt.Errorf("restricting temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	tmp.Close()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "pdftotext", "-layout", tmp.Name(), "-")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdftotext: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return "", fmt.Errorf("%w: PDF has no extractable text", ErrNoContent)
	}
	return text, nil
}

// extractDOCXText reads word/document.xml from the zip container and
// joins the text runs, one line per paragraph.
func extractDOCXText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening docx: %w", err)
	}

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("opening docx: word/document.xml not found")
	}

	rc, err := doc.Open()
	if err != nil {
		return "", fmt.Errorf("opening docx body: %w", err)
	}
	defer rc.Close()

	var (
		b      strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parsing docx body: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("%w: DOCX has no extractable text", ErrNoContent)
	}
	return text, nil
}
