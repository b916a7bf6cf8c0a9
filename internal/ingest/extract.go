package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dslipak/pdf"
	"go.uber.org/zap"
)

// ErrExtractionTimeout marks an extraction that hit the hard cap. The ledger
// records it as TimeoutDuringExtraction.
var ErrExtractionTimeout = errors.New("pdf extraction timed out")

// PageText is the extracted text of one PDF page. Page numbers are 1-based,
// matching what a reader sees in a viewer.
type PageText struct {
	Number int
	Text   string
}

// ExtractPages pulls plain text out of a PDF, page by page, under the
// context's deadline. The library offers no cancellation hook, so extraction
// runs on its own goroutine and is abandoned on timeout.
func ExtractPages(ctx context.Context, data []byte, logger *zap.Logger) ([]PageText, error) {
	type result struct {
		pages []PageText
		err   error
	}
	done := make(chan result, 1)

	go func() {
		pages, err := extractAll(data, logger)
		done <- result{pages: pages, err: err}
	}()

	select {
	case res := <-done:
		return res.pages, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrExtractionTimeout
		}
		return nil, ctx.Err()
	}
}

func extractAll(data []byte, logger *zap.Logger) ([]PageText, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	pages := make([]PageText, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// One damaged page should not sink the document.
			logger.Warn("Failed to extract PDF page, skipping",
				zap.Int("page", i),
				zap.Error(err))
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, PageText{Number: i, Text: text})
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("pdf contains no extractable text")
	}
	return pages, nil
}
