package httpapi

import (
	"strings"

	"github.com/pagecite/pagecite/internal/apperrors"
)

// parseDocParam splits the doc parameter into slugs. Clients join slugs with
// "+", which URL decoding has already turned into spaces by the time the
// value reaches us; raw "+" is accepted too for hand-built requests.
func parseDocParam(raw string, maxDocs int) ([]string, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == '+'
	})
	slugs := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			slugs = append(slugs, f)
		}
	}
	if len(slugs) == 0 {
		return nil, apperrors.New(apperrors.KindValidationFailed, "doc parameter is required")
	}
	if maxDocs > 0 && len(slugs) > maxDocs {
		return nil, apperrors.Newf(apperrors.KindValidationFailed,
			"at most %d documents per request", maxDocs)
	}
	return slugs, nil
}
