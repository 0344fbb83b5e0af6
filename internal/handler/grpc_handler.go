package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-twofa/internal/metrics"
	"github.com/pesio-ai/be-plt-twofa/internal/service"
	"github.com/pesio-ai/be-plt-twofa/pkg/apperrors"
	"github.com/pesio-ai/be-plt-twofa/pkg/logger"
)

// TokenServiceName is the fully qualified gRPC service name
const TokenServiceName = "twofa.v1.TokenService"

const (
	validateMethod        = "/" + TokenServiceName + "/Validate"
	checkPermissionMethod = "/" + TokenServiceName + "/CheckPermission"
)

// TokenServiceServer lets sibling services introspect bearer tokens.
// Messages are google.protobuf.Struct:
//
//	Validate        {token}                -> {valid, user_id, email, display_name, permissions, expires_at}
//	CheckPermission {token, permissions[]} -> {allowed, user_id}
type TokenServiceServer interface {
	Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CheckPermission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// TokenValidator is the part of the auth service the gRPC handler needs
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*service.Principal, error)
}

// GRPCHandler implements TokenServiceServer
type GRPCHandler struct {
	auth TokenValidator
	log  *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(auth TokenValidator, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		auth: auth,
		log:  log,
	}
}

// Validate reports whether a token is valid and who it belongs to.
// Rejected tokens are a {valid: false} answer, not an error.
func (h *GRPCHandler) Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := stringField(req, "token")
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token field must be filled")
	}

	p, err := h.auth.Validate(ctx, token)
	if err != nil {
		if apperrors.Is(err, apperrors.KindUnauthorized) {
			return structpb.NewStruct(map[string]any{"valid": false})
		}
		return nil, toStatus(err)
	}

	perms := make([]any, len(p.Permissions))
	for i, k := range p.PermissionKeys() {
		perms[i] = k
	}

	return structpb.NewStruct(map[string]any{
		"valid":        true,
		"user_id":      p.UserID,
		"email":        p.Email,
		"display_name": p.DisplayName,
		"permissions":  perms,
		"expires_at":   float64(p.ExpiresAt.Unix()),
	})
}

// CheckPermission validates a token and applies the any-of permission check
func (h *GRPCHandler) CheckPermission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := stringField(req, "token")
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token field must be filled")
	}
	keys := stringList(req, "permissions")

	p, err := h.auth.Validate(ctx, token)
	if err != nil {
		return nil, toStatus(err)
	}

	allowed := service.RequirePermission(p, keys...) == nil
	if !allowed {
		h.log.Debug().Str("user_id", p.UserID).Strs("required", keys).Msg("Permission check denied")
	}

	return structpb.NewStruct(map[string]any{
		"allowed": allowed,
		"user_id": p.UserID,
	})
}

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	v, ok := s.GetFields()[name]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

func stringList(s *structpb.Struct, name string) []string {
	if s == nil {
		return nil
	}
	v, ok := s.GetFields()[name]
	if !ok {
		return nil
	}
	var out []string
	for _, item := range v.GetListValue().GetValues() {
		if str := item.GetStringValue(); str != "" {
			out = append(out, str)
		}
	}
	return out
}

var codeForKind = map[apperrors.Kind]codes.Code{
	apperrors.KindValidation:   codes.InvalidArgument,
	apperrors.KindUnauthorized: codes.Unauthenticated,
	apperrors.KindNotFound:     codes.NotFound,
	apperrors.KindConflict:     codes.AlreadyExists,
	apperrors.KindInternal:     codes.Internal,
}

func toStatus(err error) error {
	kind := apperrors.KindOf(err)
	code, ok := codeForKind[kind]
	if !ok {
		code = codes.Internal
	}
	msg := apperrors.MessageOf(err)
	if kind == apperrors.KindInternal {
		msg = "internal error"
	}
	return status.Error(code, msg)
}

// RegisterTokenServiceServer attaches srv to s
func RegisterTokenServiceServer(s grpc.ServiceRegistrar, srv TokenServiceServer) {
	s.RegisterService(&tokenServiceDesc, srv)
}

var tokenServiceDesc = grpc.ServiceDesc{
	ServiceName: TokenServiceName,
	HandlerType: (*TokenServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Validate", Handler: validateHandler},
		{MethodName: "CheckPermission", Handler: checkPermissionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "twofa/v1/token.proto",
}

func validateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TokenServiceServer).Validate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: validateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TokenServiceServer).Validate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func checkPermissionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TokenServiceServer).CheckPermission(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: checkPermissionMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TokenServiceServer).CheckPermission(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// TokenServiceClient is the caller side of TokenService
type TokenServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewTokenServiceClient(cc grpc.ClientConnInterface) *TokenServiceClient {
	return &TokenServiceClient{cc: cc}
}

func (c *TokenServiceClient) Validate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, validateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TokenServiceClient) CheckPermission(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, checkPermissionMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// UnaryLogging logs each call and counts it by status code
func UnaryLogging(log *logger.Logger, m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		evt := log.Debug()
		if code == codes.Internal || code == codes.Unknown {
			evt = log.Error().Err(err)
		}
		evt.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")

		if m != nil {
			m.GRPCRequest(info.FullMethod, code.String())
		}
		return resp, err
	}
}
