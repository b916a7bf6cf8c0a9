package ingest

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const maxSlugLen = 48

// Slugify derives a URL-safe slug from a filename or title, with a short
// random suffix so repeated uploads of the same file never collide.
func Slugify(name string) string {
	name = strings.TrimSuffix(name, ".pdf")
	name = strings.TrimSuffix(name, ".PDF")

	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "document"
	}
	return slug + "-" + uuid.NewString()[:8]
}
