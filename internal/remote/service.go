package remote

import (
	"context"

	"google.golang.org/grpc"

	"clinikey.org/internal/audit"
	"clinikey.org/internal/identity"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "clinikey.identity.v1.IdentityService"

const (
	MethodLogin                  = "/" + ServiceName + "/Login"
	MethodCreateUser             = "/" + ServiceName + "/CreateUser"
	MethodCreateOrLoginFederated = "/" + ServiceName + "/CreateOrLoginFederated"
	MethodRefreshAccessToken     = "/" + ServiceName + "/RefreshAccessToken"
	MethodFetchUser              = "/" + ServiceName + "/FetchUser"
	MethodUpdateUserProfile      = "/" + ServiceName + "/UpdateUserProfile"
	MethodDeleteUser             = "/" + ServiceName + "/DeleteUser"
	MethodUploadAuditBatch       = "/" + ServiceName + "/UploadAuditBatch"
	MethodFetchAuditEvents       = "/" + ServiceName + "/FetchAuditEvents"
	MethodFetchClients           = "/" + ServiceName + "/FetchClients"
	MethodFetchAnalyses          = "/" + ServiceName + "/FetchAnalyses"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type FederatedRequest struct {
	ProviderUserID string `json:"provider_user_id"`
	Email          string `json:"email"`
	DisplayName    string `json:"display_name"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type UserRequest struct {
	UserID string `json:"user_id"`
}

type Empty struct{}

type AuditBatchRequest struct {
	Events []audit.Event `json:"events"`
}

type AuditBatchResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

type AuditEventsResponse struct {
	Events []audit.Event `json:"events"`
}

type RecordsResponse struct {
	Records []audit.Fields `json:"records"`
}

// Server is implemented by the identity service.
type Server interface {
	Login(context.Context, *LoginRequest) (*identity.AuthResult, error)
	CreateUser(context.Context, *LoginRequest) (*identity.AuthResult, error)
	CreateOrLoginFederated(context.Context, *FederatedRequest) (*identity.AuthResult, error)
	RefreshAccessToken(context.Context, *RefreshRequest) (*identity.Tokens, error)
	FetchUser(context.Context, *UserRequest) (*identity.Identity, error)
	UpdateUserProfile(context.Context, *identity.Identity) (*identity.Identity, error)
	DeleteUser(context.Context, *UserRequest) (*Empty, error)
	UploadAuditBatch(context.Context, *AuditBatchRequest) (*AuditBatchResponse, error)
	FetchAuditEvents(context.Context, *UserRequest) (*AuditEventsResponse, error)
	FetchClients(context.Context, *UserRequest) (*RecordsResponse, error)
	FetchAnalyses(context.Context, *UserRequest) (*RecordsResponse, error)
}

// RegisterServer registers srv with a gRPC server.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the identity service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodLogin, Server.Login),
		unary(MethodCreateUser, Server.CreateUser),
		unary(MethodCreateOrLoginFederated, Server.CreateOrLoginFederated),
		unary(MethodRefreshAccessToken, Server.RefreshAccessToken),
		unary(MethodFetchUser, Server.FetchUser),
		unary(MethodUpdateUserProfile, Server.UpdateUserProfile),
		unary(MethodDeleteUser, Server.DeleteUser),
		unary(MethodUploadAuditBatch, Server.UploadAuditBatch),
		unary(MethodFetchAuditEvents, Server.FetchAuditEvents),
		unary(MethodFetchClients, Server.FetchClients),
		unary(MethodFetchAnalyses, Server.FetchAnalyses),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "clinikey/identity/v1/identity.json",
}

func unary[Req, Resp any](fullMethod string, call func(Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: fullMethod[len(ServiceName)+2:],
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(Server), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(Server), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
