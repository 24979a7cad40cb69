package identityd

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"clinikey.org/internal/identity"
	"clinikey.org/internal/obs"
	"clinikey.org/internal/remote"
)

// Authenticate resolves a bearer access token into the caller identity.
// Requests without a token pass through; handlers that need one reject
// them. A present but invalid token is rejected here.
func Authenticate(iss *Issuer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		token, ok := bearerToken(ctx)
		if !ok {
			return handler(ctx, req)
		}
		claims, err := iss.Verify(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid access token")
		}
		ctx = identity.ContextWithIdentity(ctx, identity.Identity{ID: claims.Subject, Provider: claims.Provider})
		ctx = identity.ContextWithAccessToken(ctx, token)
		return handler(ctx, req)
	}
}

func bearerToken(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	for _, v := range md.Get(remote.AuthorizationHeader) {
		if token, found := strings.CutPrefix(v, "Bearer "); found && token != "" {
			return strings.TrimSpace(token), true
		}
	}
	return "", false
}

// credentialMethods are the calls that accept passwords or refresh tokens.
var credentialMethods = map[string]struct{}{
	remote.MethodLogin:                  {},
	remote.MethodCreateUser:             {},
	remote.MethodCreateOrLoginFederated: {},
	remote.MethodRefreshAccessToken:     {},
}

// PeerLimiter is a token bucket per client address for credential calls.
type PeerLimiter struct {
	perSecond rate.Limit
	burst     int
	ttl       time.Duration
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewPeerLimiter allows perSecond credential calls per peer with burst.
func NewPeerLimiter(perSecond float64, burst int) *PeerLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &PeerLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		ttl:       5 * time.Minute,
		now:       time.Now,
		buckets:   make(map[string]*bucket),
	}
}

// Allow consumes one token for key.
func (l *PeerLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// Sweep drops buckets idle for longer than the ttl.
func (l *PeerLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.ttl {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Run sweeps idle buckets every minute until ctx is done.
func (l *PeerLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Interceptor rejects credential calls over the limit with ResourceExhausted.
func (l *PeerLimiter) Interceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, limited := credentialMethods[info.FullMethod]; !limited {
			return handler(ctx, req)
		}
		if !l.Allow(peerAddr(ctx)) {
			obs.Warn("identityd.rate_limited", map[string]any{"method": info.FullMethod, "peer": peerAddr(ctx)})
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func peerAddr(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	addr := p.Addr.String()
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}

// Observe logs and counts every call.
func Observe(m *obs.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		method := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
		m.RemoteRequest(method, code.String())
		obs.Info("identityd.rpc", map[string]any{
			"method":      method,
			"code":        code.String(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return resp, err
	}
}
