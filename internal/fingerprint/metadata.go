package fingerprint

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Extractor pulls best-effort metadata out of one document family.
type Extractor interface {
	// Name is recorded as extraction_method.
	Name() string
	// CanExtract reports whether the extractor handles the lowercase,
	// dot-prefixed extension ext.
	CanExtract(ext string) bool
	Extract(ctx context.Context, r io.ReaderAt, size int64) (map[string]any, error)
}

// Registry holds extractors and picks the first that accepts an extension.
type Registry struct {
	extractors []Extractor
}

// NewRegistry creates a registry with the given extractors, tried in order.
func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors}
}

// DefaultRegistry returns the docx, pdf and plain-text extractors.
func DefaultRegistry() *Registry {
	return NewRegistry(DocxExtractor{}, PDFExtractor{}, TextExtractor{})
}

// Register appends an extractor.
func (r *Registry) Register(e Extractor) {
	r.extractors = append(r.extractors, e)
}

// Find returns the first extractor accepting ext, or nil.
func (r *Registry) Find(ext string) Extractor {
	if r == nil {
		return nil
	}
	for _, e := range r.extractors {
		if e.CanExtract(ext) {
			return e
		}
	}
	return nil
}

// DocxExtractor reads Office Open XML word documents.
type DocxExtractor struct{}

func (DocxExtractor) Name() string { return "docx" }

func (DocxExtractor) CanExtract(ext string) bool { return ext == ".docx" }

type coreProps struct {
	Title    string `xml:"title"`
	Subject  string `xml:"subject"`
	Creator  string `xml:"creator"`
	Created  string `xml:"created"`
	Modified string `xml:"modified"`
}

func (DocxExtractor) Extract(ctx context.Context, r io.ReaderAt, size int64) (map[string]any, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	out := map[string]any{}
	images := 0
	foundBody := false
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch {
		case f.Name == "word/document.xml":
			n, err := countParagraphs(f)
			if err != nil {
				return nil, err
			}
			out["paragraph_count"] = n
			foundBody = true
		case strings.HasPrefix(f.Name, "word/media/"):
			images++
		case f.Name == "docProps/core.xml":
			props, err := readCoreProps(f)
			if err != nil {
				return nil, err
			}
			setIf(out, "title", props.Title)
			setIf(out, "subject", props.Subject)
			setIf(out, "author", props.Creator)
			setIf(out, "created", props.Created)
			setIf(out, "modified", props.Modified)
		}
	}
	if !foundBody {
		return nil, fmt.Errorf("open docx: word/document.xml missing")
	}
	out["image_count"] = images
	return out, nil
}

func countParagraphs(f *zip.File) (int, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	dec := xml.NewDecoder(rc)
	n := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("parse document.xml: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "p" {
			n++
		}
	}
}

func readCoreProps(f *zip.File) (coreProps, error) {
	var props coreProps
	rc, err := f.Open()
	if err != nil {
		return props, err
	}
	defer rc.Close()
	if err := xml.NewDecoder(rc).Decode(&props); err != nil {
		return props, fmt.Errorf("parse core.xml: %w", err)
	}
	return props, nil
}

// PDFExtractor scans the raw PDF object stream for page and image objects
// and the info dictionary. Compressed object streams are not inflated.
type PDFExtractor struct{}

func (PDFExtractor) Name() string { return "pdf" }

func (PDFExtractor) CanExtract(ext string) bool { return ext == ".pdf" }

var (
	pdfPage  = regexp.MustCompile(`/Type\s*/Page\b`)
	pdfImage = regexp.MustCompile(`/Subtype\s*/Image\b`)
	pdfInfo  = map[string]*regexp.Regexp{
		"title":             regexp.MustCompile(`/Title\s*\(([^)]*)\)`),
		"author":            regexp.MustCompile(`/Author\s*\(([^)]*)\)`),
		"subject":           regexp.MustCompile(`/Subject\s*\(([^)]*)\)`),
		"creator":           regexp.MustCompile(`/Creator\s*\(([^)]*)\)`),
		"producer":          regexp.MustCompile(`/Producer\s*\(([^)]*)\)`),
		"creation_date":     regexp.MustCompile(`/CreationDate\s*\(([^)]*)\)`),
		"modification_date": regexp.MustCompile(`/ModDate\s*\(([^)]*)\)`),
	}
)

func (PDFExtractor) Extract(ctx context.Context, r io.ReaderAt, size int64) (map[string]any, error) {
	data, err := io.ReadAll(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, fmt.Errorf("open pdf: missing %%PDF- header")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := map[string]any{
		"page_count":  len(pdfPage.FindAllIndex(data, -1)),
		"image_count": len(pdfImage.FindAllIndex(data, -1)),
	}
	for key, re := range pdfInfo {
		if m := re.FindSubmatch(data); m != nil {
			setIf(out, key, string(m[1]))
		}
	}
	return out, nil
}

// TextExtractor counts lines and words in plain text and markdown.
type TextExtractor struct{}

func (TextExtractor) Name() string { return "text" }

func (TextExtractor) CanExtract(ext string) bool {
	switch ext {
	case ".txt", ".md", ".csv":
		return true
	}
	return false
}

func (TextExtractor) Extract(ctx context.Context, r io.ReaderAt, size int64) (map[string]any, error) {
	sc := bufio.NewScanner(io.NewSectionReader(r, 0, size))
	sc.Buffer(make([]byte, 0, chunkSize), 1<<20)
	lines, words := 0, 0
	for sc.Scan() {
		lines++
		words += len(strings.Fields(sc.Text()))
		if lines%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan text: %w", err)
	}
	return map[string]any{"line_count": lines, "word_count": words}, nil
}

func setIf(m map[string]any, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		m[key] = v
	}
}
