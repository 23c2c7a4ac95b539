// Package extract turns uploaded exam files into plain text. Scans and
// photos are expected to arrive as text already (client-side OCR); this
// package handles the document formats students actually hand in.
package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"toetscoach/internal/model"
)

// MaxUploadBytes is the upload size ceiling.
const MaxUploadBytes = 10 << 20

// ExtractionError reports a document that could not be turned into text.
// The message is for logs; handlers map it to a localized hint.
type ExtractionError struct {
	Filename string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Filename, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// FromUpload reads at most limit bytes from r and extracts the exam text
// based on the file extension. Plain text and markdown pass through, PDF
// and Word documents are parsed, images are rejected with a hint to use the
// camera flow instead.
func FromUpload(r io.Reader, filename string, limit int64) (model.ExamDocument, error) {
	if limit <= 0 {
		limit = MaxUploadBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return model.ExamDocument{}, &ExtractionError{Filename: filename, Err: err}
	}
	if int64(len(data)) > limit {
		return model.ExamDocument{}, &ExtractionError{Filename: filename, Err: fmt.Errorf("file exceeds %d bytes", limit)}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	var (
		text string
		kind model.SourceKind
	)
	switch ext {
	case ".txt", ".md", "":
		text, kind = string(data), model.SourceText
	case ".pdf":
		text, err = pdfText(data)
		kind = model.SourceDocument
	case ".docx":
		text, err = docxText(data)
		kind = model.SourceDocument
	case ".png", ".jpg", ".jpeg", ".heic", ".webp":
		return model.ExamDocument{}, &ExtractionError{
			Filename: filename,
			Err:      fmt.Errorf("image files are not read server-side, submit the photographed text instead"),
		}
	default:
		return model.ExamDocument{}, &ExtractionError{Filename: filename, Err: fmt.Errorf("unsupported file type %q", ext)}
	}
	if err != nil {
		return model.ExamDocument{}, &ExtractionError{Filename: filename, Err: err}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return model.ExamDocument{}, &ExtractionError{Filename: filename, Err: fmt.Errorf("document contains no text")}
	}

	return model.ExamDocument{
		Text:       text,
		SourceName: filepath.Base(filename),
		SourceKind: kind,
	}, nil
}

func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}

	var content strings.Builder
	for pageNum := 1; pageNum <= r.NumPage(); pageNum++ {
		page := r.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		content.WriteString(text)
		content.WriteString("\n")
	}
	return content.String(), nil
}

// docxText pulls the visible text out of word/document.xml. Each paragraph
// element becomes one line.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("read docx: %w", err)
	}

	var doc io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc, err = f.Open()
			if err != nil {
				return "", fmt.Errorf("open document.xml: %w", err)
			}
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("no word/document.xml in archive")
	}
	defer doc.Close()

	var (
		content strings.Builder
		inText  bool
	)
	dec := xml.NewDecoder(doc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				content.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				content.Write(t)
			}
		}
	}
	return content.String(), nil
}
