package catalog

import (
	"fmt"

	"github.com/pagecite/pagecite/internal/apperrors"
)

func errNotFound(entity, key string) error {
	return apperrors.New(apperrors.KindNotFound, fmt.Sprintf("%s %q not found", entity, key))
}
