package identity

import (
	"strings"
	"time"
)

// Provider is the way an identity authenticated.
type Provider string

const (
	ProviderGuest     Provider = "guest"
	ProviderPassword  Provider = "password"
	ProviderFederated Provider = "federated"
)

// Identity is the currently authenticated principal.
type Identity struct {
	ID             string   `json:"id"`
	Email          string   `json:"email,omitempty"`
	DisplayName    string   `json:"display_name,omitempty"`
	CompanyID      string   `json:"company_id,omitempty"`
	IsCompanyAdmin bool     `json:"is_company_admin,omitempty"`
	Provider       Provider `json:"provider"`
}

// IsGuest reports whether the identity is a local guest.
func (i Identity) IsGuest() bool { return i.Provider == ProviderGuest }

// Credential carries login input for one provider.
type Credential struct {
	Provider Provider
	Email    string
	Password string
	// Federated logins are identified by the provider's opaque user id.
	ProviderUserID string
	DisplayName    string
}

// PasswordCredential builds an email/password credential.
func PasswordCredential(email, password string) Credential {
	return Credential{Provider: ProviderPassword, Email: strings.TrimSpace(email), Password: password}
}

// FederatedCredential builds a credential asserted by an external provider.
func FederatedCredential(providerUserID, email, displayName string) Credential {
	return Credential{
		Provider:       ProviderFederated,
		ProviderUserID: strings.TrimSpace(providerUserID),
		Email:          strings.TrimSpace(email),
		DisplayName:    strings.TrimSpace(displayName),
	}
}

// Tokens is what the remote service issues on login and refresh.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AuthResult pairs an identity with its freshly issued tokens.
type AuthResult struct {
	Identity Identity `json:"identity"`
	Tokens   Tokens   `json:"tokens"`
}

// Status is the coarse session state.
type Status int

const (
	StatusSignedOut Status = iota
	StatusGuest
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusSignedOut:
		return "signed_out"
	case StatusGuest:
		return "guest"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Onboarding lists setup steps the host should prompt for.
type Onboarding struct {
	NeedsPIN     bool `json:"needs_pin"`
	NeedsProfile bool `json:"needs_profile"`
	NeedsCompany bool `json:"needs_company"`
}

// Pending reports whether any step is outstanding.
func (o Onboarding) Pending() bool {
	return o.NeedsPIN || o.NeedsProfile || o.NeedsCompany
}

// State is an immutable snapshot of the session.
type State struct {
	Status     Status
	Identity   Identity
	Onboarding Onboarding
}

// SignedIn reports whether a non-guest identity is current.
func (s State) SignedIn() bool { return s.Status == StatusAuthenticated }
