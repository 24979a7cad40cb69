package identity

import "context"

// Remote is the identity backend. Implementations return errors wrapping the
// package taxonomy (ErrInvalidCredentials, ErrNetwork, ErrServer,
// ErrNotAuthorized); anything else is treated as ErrServer. Calls that act on
// behalf of a signed-in user read the access token from the context, see
// ContextWithAccessToken.
type Remote interface {
	Login(ctx context.Context, email, password string) (AuthResult, error)
	CreateUser(ctx context.Context, email, password string) (AuthResult, error)
	CreateOrLoginFederated(ctx context.Context, providerUserID, email, displayName string) (AuthResult, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (Tokens, error)
	FetchUser(ctx context.Context, userID string) (Identity, error)
	UpdateUserProfile(ctx context.Context, id Identity) (Identity, error)
	DeleteUser(ctx context.Context, userID string) error
}
