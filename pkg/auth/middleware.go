package auth

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type contextKey string

const (
	IdentityContextKey contextKey = "identity"
	TokenMetadataKey   string     = "authorization"

	bearerPrefix = "Bearer "
)

// AuthInterceptor checks the bearer token of incoming calls.
type AuthInterceptor struct {
	tokenManager TokenManager
	requireAuth  bool
	logger       *zap.Logger
}

// NewAuthInterceptor creates a new authentication interceptor
func NewAuthInterceptor(tokenManager TokenManager, requireAuth bool, logger *zap.Logger) *AuthInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthInterceptor{
		tokenManager: tokenManager,
		requireAuth:  requireAuth,
		logger:       logger,
	}
}

// admit authenticates a call to method. Without requireAuth a failed
// check lets the call through with no identity attached.
func (ai *AuthInterceptor) admit(ctx context.Context, method string) (context.Context, error) {
	authed, err := ai.authenticate(ctx)
	if err == nil {
		return authed, nil
	}
	if !ai.requireAuth {
		return ctx, nil
	}
	ai.logger.Warn("Rejected unauthenticated call", zap.String("method", method), zap.Error(err))
	return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
}

func (ai *AuthInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := ai.admit(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (ai *AuthInterceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := ai.admit(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authenticatedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func withToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, TokenMetadataKey, bearerPrefix+token)
}

// UnaryClientInterceptor attaches token to every unary call.
func UnaryClientInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(withToken(ctx, token), method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor attaches token to every stream.
func StreamClientInterceptor(token string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(withToken(ctx, token), desc, cc, method, opts...)
	}
}

// authenticate extracts and validates the bearer token of the request
func (ai *AuthInterceptor) authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, ErrMissingToken
	}

	authHeaders := md.Get(TokenMetadataKey)
	if len(authHeaders) == 0 {
		return ctx, ErrMissingToken
	}

	token, ok := strings.CutPrefix(authHeaders[0], bearerPrefix)
	if !ok {
		return ctx, ErrInvalidToken
	}

	identity, err := ai.tokenManager.ValidateToken(strings.TrimSpace(token))
	if err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, IdentityContextKey, identity), nil
}

// GetIdentityFromContext returns the identity of an authenticated call.
func GetIdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey).(*Identity)
	return identity, ok
}

// authenticatedServerStream carries the identity to stream handlers.
type authenticatedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedServerStream) Context() context.Context {
	return s.ctx
}
