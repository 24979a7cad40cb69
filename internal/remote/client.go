// Package remote is the client of the identity service. Calls run over
// gRPC with a JSON codec and report failures through the identity error
// taxonomy.
package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"clinikey.org/internal/audit"
	"clinikey.org/internal/identity"
	"clinikey.org/internal/obs"
)

// AuthorizationHeader carries the bearer access token.
const AuthorizationHeader = "authorization"

var (
	_ identity.Remote    = (*Client)(nil)
	_ audit.Uploader     = (*Client)(nil)
	_ audit.ExportSource = (*Client)(nil)
)

// Client wraps a connection to the identity service.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	metrics *obs.Metrics
}

// Option configures Client.
type Option func(*Client)

// WithTimeout bounds every call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMetrics counts requests by method and status code.
func WithMetrics(m *obs.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Dial creates a client for target. Without dial options the connection is
// plaintext, which suits a loopback or sidecar deployment.
func Dial(target string, dial []grpc.DialOption, opts ...Option) (*Client, error) {
	if len(dial) == 0 {
		dial = append(dial, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, dial...)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", target, err)
	}
	return New(conn, opts...), nil
}

// New wraps an existing connection.
func New(conn *grpc.ClientConn, opts ...Option) *Client {
	c := &Client{conn: conn, timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Healthy reports whether the service answers its health check as SERVING.
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := grpc_health_v1.NewHealthClient(c.conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return mapError(err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: health %s", identity.ErrServer, resp.GetStatus())
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	ctx = outgoingWithToken(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	err := c.conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(CodecName))
	c.metrics.RemoteRequest(method[strings.LastIndex(method, "/")+1:], status.Code(err).String())
	return mapError(err)
}

func outgoingWithToken(ctx context.Context) context.Context {
	token, ok := identity.AccessTokenFromContext(ctx)
	if !ok {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, AuthorizationHeader, "Bearer "+token)
}

func (c *Client) Login(ctx context.Context, email, password string) (identity.AuthResult, error) {
	var out identity.AuthResult
	err := c.invoke(ctx, MethodLogin, &LoginRequest{Email: email, Password: password}, &out)
	return out, err
}

func (c *Client) CreateUser(ctx context.Context, email, password string) (identity.AuthResult, error) {
	var out identity.AuthResult
	err := c.invoke(ctx, MethodCreateUser, &LoginRequest{Email: email, Password: password}, &out)
	return out, err
}

func (c *Client) CreateOrLoginFederated(ctx context.Context, providerUserID, email, displayName string) (identity.AuthResult, error) {
	var out identity.AuthResult
	err := c.invoke(ctx, MethodCreateOrLoginFederated, &FederatedRequest{
		ProviderUserID: providerUserID,
		Email:          email,
		DisplayName:    displayName,
	}, &out)
	return out, err
}

func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (identity.Tokens, error) {
	var out identity.Tokens
	err := c.invoke(ctx, MethodRefreshAccessToken, &RefreshRequest{RefreshToken: refreshToken}, &out)
	return out, err
}

func (c *Client) FetchUser(ctx context.Context, userID string) (identity.Identity, error) {
	var out identity.Identity
	err := c.invoke(ctx, MethodFetchUser, &UserRequest{UserID: userID}, &out)
	return out, err
}

func (c *Client) UpdateUserProfile(ctx context.Context, id identity.Identity) (identity.Identity, error) {
	var out identity.Identity
	err := c.invoke(ctx, MethodUpdateUserProfile, &id, &out)
	return out, err
}

func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	return c.invoke(ctx, MethodDeleteUser, &UserRequest{UserID: userID}, &Empty{})
}

// UploadAuditBatch implements audit.Uploader.
func (c *Client) UploadAuditBatch(ctx context.Context, events []audit.Event) error {
	var out AuditBatchResponse
	if err := c.invoke(ctx, MethodUploadAuditBatch, &AuditBatchRequest{Events: events}, &out); err != nil {
		return err
	}
	if out.Duplicates > 0 {
		obs.Info("remote.audit.duplicates", map[string]any{"accepted": out.Accepted, "duplicates": out.Duplicates})
	}
	return nil
}

// FetchProfile implements audit.ExportSource.
func (c *Client) FetchProfile(ctx context.Context, userID string) (audit.Fields, error) {
	id, err := c.FetchUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	f := audit.Fields{
		"id":       id.ID,
		"email":    id.Email,
		"provider": string(id.Provider),
	}
	if id.DisplayName != "" {
		f["display_name"] = id.DisplayName
	}
	if id.CompanyID != "" {
		f["company_id"] = id.CompanyID
		f["company_admin"] = fmt.Sprintf("%t", id.IsCompanyAdmin)
	}
	return f, nil
}

func (c *Client) FetchClients(ctx context.Context, userID string) ([]audit.Fields, error) {
	var out RecordsResponse
	err := c.invoke(ctx, MethodFetchClients, &UserRequest{UserID: userID}, &out)
	return out.Records, err
}

func (c *Client) FetchAnalyses(ctx context.Context, userID string) ([]audit.Fields, error) {
	var out RecordsResponse
	err := c.invoke(ctx, MethodFetchAnalyses, &UserRequest{UserID: userID}, &out)
	return out.Records, err
}

func (c *Client) FetchAuditEvents(ctx context.Context, userID string) ([]audit.Event, error) {
	var out AuditEventsResponse
	err := c.invoke(ctx, MethodFetchAuditEvents, &UserRequest{UserID: userID}, &out)
	return out.Events, err
}
