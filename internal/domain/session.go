package domain

import "time"

// AccountType is the subscription tier of a user.
type AccountType string

const (
	AccountFree       AccountType = "FREE"
	AccountPaid       AccountType = "PAID"
	AccountEnterprise AccountType = "ENTERPRISE"
)

// UserDetails are optional profile flags returned with the user.
type UserDetails struct {
	HasAcceptedTerms          *bool  `json:"hasAcceptedTerms,omitempty"`
	Source                    string `json:"source,omitempty"`
	TermsAgreementVersionID   string `json:"termsAgreementVersionId,omitempty"`
	PrivacyAgreementVersionID string `json:"privacyAgreementVersionId,omitempty"`
}

// Self is the authenticated user as returned by /me.
type Self struct {
	ID          string      `json:"id"`
	Email       string      `json:"email"`
	AccountType AccountType `json:"accountType"`
	IsBetaUser  bool        `json:"isBetaUser"`
	Details     UserDetails `json:"details"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Session is a user plus the bearer credential. It is persisted as one blob
// and replaced or cleared wholesale.
type Session struct {
	JWT string `json:"jwt"`
	Self
}

// Valid reports whether the session carries a credential.
func (s *Session) Valid() bool {
	return s != nil && s.JWT != ""
}

// AcceptedTerms reports whether the user has accepted the current terms.
func (s Self) AcceptedTerms() bool {
	return s.Details.HasAcceptedTerms != nil && *s.Details.HasAcceptedTerms
}
