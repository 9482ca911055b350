package gdrive

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// Parser extracts plain text from one file's raw bytes.
type Parser func(data []byte) (string, error)

// parsers maps the file extensions spec.md §4.H names to their extractor,
// grounded on
// original_source/ai_coach/agent/knowledge/gdrive_knowledge_loader.py's
// _PARSERS table (.txt/.md/.docx/.pdf).
var parsers = map[string]Parser{
	".txt": parseText,
	".md":  parseText,
	".docx": parseDocx,
	".pdf":  parsePDF,
}

func parseText(data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}
	// Best-effort latin1 fallback, mirroring the Python loader's
	// decode("utf-8") / decode("latin-1", errors="ignore") pair.
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes), nil
}

// docxParagraph / docxRun / docxText model just enough of
// word/document.xml's OOXML schema to concatenate paragraph text, since
// .docx is a zip of XML parts and no docx-parsing library was retrieved
// anywhere in the example pack.
type docxText struct {
	XMLName xml.Name `xml:"document"`
	Body    struct {
		Paragraphs []struct {
			Runs []struct {
				Text []struct {
					Value string `xml:",chardata"`
				} `xml:"t"`
			} `xml:"r"`
		} `xml:"p"`
	} `xml:"body"`
}

func parseDocx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("gdrive: docx is not a valid zip: %w", err)
	}
	var docXML []byte
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("gdrive: open word/document.xml: %w", err)
		}
		docXML, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("gdrive: read word/document.xml: %w", err)
		}
		break
	}
	if docXML == nil {
		return "", fmt.Errorf("gdrive: docx missing word/document.xml")
	}

	var doc docxText
	if err := xml.Unmarshal(docXML, &doc); err != nil {
		return "", fmt.Errorf("gdrive: parse word/document.xml: %w", err)
	}

	var paragraphs []string
	for _, p := range doc.Body.Paragraphs {
		var sb strings.Builder
		for _, r := range p.Runs {
			for _, t := range r.Text {
				sb.WriteString(t.Value)
			}
		}
		paragraphs = append(paragraphs, sb.String())
	}
	return strings.Join(paragraphs, "\n"), nil
}

func parsePDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("gdrive: open pdf: %w", err)
	}
	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

var dataImageURIRe = regexp.MustCompile(`data:image/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/=]+`)

// sanitizeText strips embedded base64 image data URIs, grounded on
// original_source's sanitize_text (utils/helpers.py) which does the same
// before text is stored.
func sanitizeText(text string) string {
	return dataImageURIRe.ReplaceAllString(text, "[image data removed]")
}

var whitespaceRunRe = regexp.MustCompile(`[ \t]+`)
var blankLinesRe = regexp.MustCompile(`\n{3,}`)

// normalizeText trims and collapses redundant whitespace, grounded on the
// general shape of original_source's DatasetService._normalize_text.
func normalizeText(text string) string {
	text = strings.TrimSpace(text)
	text = whitespaceRunRe.ReplaceAllString(text, " ")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return text
}
