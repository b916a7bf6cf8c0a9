// Package access decides whether a caller may query a document, based on the
// document's access level and the caller's identity.
package access

import (
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pagecite/pagecite/internal/apperrors"
	"github.com/pagecite/pagecite/internal/models"
)

// Caller is the resolved identity of the requester. UserID nil means
// anonymous.
type Caller struct {
	UserID *uuid.UUID

	// Passcode is the plaintext passcode supplied with the request, checked
	// only for passcode-level documents.
	Passcode string
}

// Anonymous reports whether the caller carries no identity.
func (c Caller) Anonymous() bool { return c.UserID == nil }

// Check returns nil when the caller may query doc, or a Forbidden error with
// the requires-auth hint set when logging in could change the outcome.
func Check(doc *models.Document, caller Caller) error {
	switch doc.AccessLevel {
	case models.AccessPublic:
		return nil

	case models.AccessPasscode:
		if doc.PasscodeHash == "" {
			// Misconfigured document: no hash to check against.
			return apperrors.Forbidden("document requires a passcode", false)
		}
		if caller.Passcode == "" {
			return apperrors.Forbidden("document requires a passcode", false)
		}
		if bcrypt.CompareHashAndPassword([]byte(doc.PasscodeHash), []byte(caller.Passcode)) != nil {
			return apperrors.Forbidden("incorrect passcode", false)
		}
		return nil

	case models.AccessRegistered:
		if caller.Anonymous() {
			return apperrors.Forbidden("document requires a signed-in user", true)
		}
		return nil

	case models.AccessOwnerRestricted:
		if caller.Anonymous() {
			return apperrors.Forbidden("document is restricted to its owner", true)
		}
		if *caller.UserID != doc.OwnerID {
			return apperrors.Forbidden("document is restricted to its owner", false)
		}
		return nil

	default:
		return apperrors.Newf(apperrors.KindInternal, "unknown access level %q", doc.AccessLevel)
	}
}
