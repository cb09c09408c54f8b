package pipeline

import (
	"bytes"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"vigil/internal/errors"
)

// Canonical content types the pipeline dispatches on.
const (
	ContentPDF  = "application/pdf"
	ContentHTML = "text/html"
	ContentText = "text/plain"
)

var htmlMarkers = []string{"<!doctype html", "<html", "<head", "<body"}

// ResolveContentType picks the extractor: declared type first, then magic
// bytes, then plain text.
func ResolveContentType(declared string, data []byte) string {
	switch canonicalType(declared) {
	case ContentPDF:
		return ContentPDF
	case ContentHTML:
		return ContentHTML
	case ContentText:
		return ContentText
	}

	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return ContentPDF
	}
	head := strings.ToLower(string(data[:min(len(data), 512)]))
	head = strings.TrimLeft(head, " \t\r\n\ufeff")
	for _, marker := range htmlMarkers {
		if strings.HasPrefix(head, marker) {
			return ContentHTML
		}
	}
	return ContentText
}

// canonicalType maps a declared MIME string (possibly carrying parameters)
// onto one of the dispatch types, or "" when unrecognized.
func canonicalType(declared string) string {
	mime, _, _ := strings.Cut(declared, ";")
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case mime == ContentPDF || mime == "application/x-pdf":
		return ContentPDF
	case mime == ContentHTML || mime == "application/xhtml+xml":
		return ContentHTML
	case mime == ContentText || strings.HasPrefix(mime, "text/"):
		return ContentText
	default:
		return ""
	}
}

// extract dispatches on the resolved content type. Extractors recover
// their own panics; malformed documents come back as validation errors.
func extract(contentType string, data []byte) (string, error) {
	switch contentType {
	case ContentPDF:
		return extractPDF(data)
	case ContentHTML:
		return extractHTML(data)
	default:
		return extractText(data), nil
	}
}

func extractPDF(data []byte) (text string, err error) {
	// The pdf package panics on some malformed files; keep that inside
	// the extractor.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = errors.Validation("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", errors.Wrap(errors.KindValidation, err, "open pdf")
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", errors.Wrap(errors.KindValidation, err, "extract pdf text")
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return "", errors.Wrap(errors.KindValidation, err, "read pdf text")
	}
	return string(raw), nil
}

func extractHTML(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrap(errors.KindValidation, err, "parse html")
	}

	doc.Find("script, style, noscript, nav, footer, header, aside, iframe").Remove()

	var b strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	body := doc.Find("body")
	if body.Length() > 0 {
		b.WriteString(body.Text())
	} else {
		b.WriteString(doc.Text())
	}
	return b.String(), nil
}

func extractText(data []byte) string {
	return strings.ToValidUTF8(string(data), "")
}
