package generation

import (
	"fmt"

	"github.com/pagecite/pagecite/internal/apperrors"
	"github.com/pagecite/pagecite/internal/models"
)

// Override records which model a request will run on and why, for response
// metadata and the conversation log.
type Override struct {
	Model     string `json:"model"`
	Requested string `json:"requested,omitempty"`
	// Reason is empty when the caller's model was used unchanged.
	Reason string `json:"reason,omitempty"`
}

// ResolveModel applies the override chain: a document's forced model beats
// the owner's, which beats the caller's request, which beats the service
// default. Multiple documents may force a model only if they agree.
func ResolveModel(docs []*models.Document, owner *models.Owner, requested, fallback string) (Override, error) {
	var forced *models.Document
	for _, doc := range docs {
		if doc.ForcedModel == nil {
			continue
		}
		if forced != nil && *forced.ForcedModel != *doc.ForcedModel {
			return Override{}, apperrors.Newf(apperrors.KindConflictingModelOverride,
				"documents %q and %q force different models", forced.Slug, doc.Slug)
		}
		if forced == nil {
			forced = doc
		}
	}

	if forced != nil {
		return Override{
			Model:     *forced.ForcedModel,
			Requested: requested,
			Reason:    fmt.Sprintf("document %q forces model %s", forced.Slug, *forced.ForcedModel),
		}, nil
	}
	if owner != nil && owner.ForcedModel != nil {
		return Override{
			Model:     *owner.ForcedModel,
			Requested: requested,
			Reason:    fmt.Sprintf("owner %q forces model %s", owner.Slug, *owner.ForcedModel),
		}, nil
	}
	if requested != "" {
		return Override{Model: requested, Requested: requested}, nil
	}
	return Override{Model: fallback}, nil
}
