package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"swarmdrive/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestTokensLifecycle(t *testing.T) {
	tokens := NewTokens()

	token, err := tokens.GenerateToken(&Identity{Name: "cli"})
	require.NoError(t, err)
	assert.Len(t, token, 2*tokenBytes)

	identity, err := tokens.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "cli", identity.Name)
	assert.False(t, identity.IssuedAt.IsZero())

	_, err = tokens.ValidateToken("nope")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, types.ErrAuthentication)

	_, err = tokens.ValidateToken("")
	assert.ErrorIs(t, err, ErrMissingToken)

	require.NoError(t, tokens.RevokeToken(token))
	_, err = tokens.ValidateToken(token)
	assert.ErrorIs(t, err, ErrRevokedToken)
	assert.ErrorIs(t, tokens.RevokeToken(token), ErrInvalidToken)
}

func TestLoadOrCreateTokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "token")

	first, err := NewTokens().LoadOrCreateTokenFile(path)
	require.NoError(t, err)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	// A restarted daemon keeps the token clients already hold.
	tokens := NewTokens()
	second, err := tokens.LoadOrCreateTokenFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	identity, err := tokens.ValidateToken(first)
	require.NoError(t, err)
	assert.Equal(t, path, identity.Name)

	read, err := ReadTokenFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, read)
}

func TestReadTokenFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))

	_, err := ReadTokenFile(path)
	assert.ErrorIs(t, err, types.ErrAuthentication)

	_, err = NewTokens().LoadOrCreateTokenFile(path)
	assert.ErrorIs(t, err, types.ErrAuthentication)
}

func incoming(header string) context.Context {
	if header == "" {
		return metadata.NewIncomingContext(context.Background(), metadata.MD{})
	}
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(TokenMetadataKey, header))
}

func TestUnaryServerInterceptor(t *testing.T) {
	tokens := NewTokens()
	token, err := tokens.GenerateToken(&Identity{Name: "cli"})
	require.NoError(t, err)

	info := &grpc.UnaryServerInfo{FullMethod: "/swarmdrive.Drive/Get"}
	handler := func(ctx context.Context, req any) (any, error) {
		identity, ok := GetIdentityFromContext(ctx)
		if !ok {
			return "anonymous", nil
		}
		return identity.Name, nil
	}

	tests := []struct {
		name     string
		header   string
		require  bool
		want     any
		wantCode codes.Code
	}{
		{"valid token", "Bearer " + token, true, "cli", codes.OK},
		{"missing token", "", true, nil, codes.Unauthenticated},
		{"wrong scheme", "Basic " + token, true, nil, codes.Unauthenticated},
		{"wrong token", "Bearer deadbeef", true, nil, codes.Unauthenticated},
		{"optional auth", "", false, "anonymous", codes.OK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ai := NewAuthInterceptor(tokens, tt.require, nil)
			got, err := ai.UnaryServerInterceptor()(incoming(tt.header), nil, info, handler)
			assert.Equal(t, tt.wantCode, status.Code(err))
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeServerStream) Context() context.Context { return s.ctx }

func TestStreamServerInterceptor(t *testing.T) {
	tokens := NewTokens()
	token, err := tokens.GenerateToken(&Identity{Name: "cli"})
	require.NoError(t, err)

	ai := NewAuthInterceptor(tokens, true, nil)
	info := &grpc.StreamServerInfo{FullMethod: "/swarmdrive.Drive/Watch"}

	var seen string
	handler := func(srv any, ss grpc.ServerStream) error {
		identity, ok := GetIdentityFromContext(ss.Context())
		if !ok {
			return errors.New("no identity")
		}
		seen = identity.Name
		return nil
	}

	err = ai.StreamServerInterceptor()(nil, &fakeServerStream{ctx: incoming("Bearer " + token)}, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "cli", seen)

	err = ai.StreamServerInterceptor()(nil, &fakeServerStream{ctx: incoming("")}, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestUnaryClientInterceptorAddsToken(t *testing.T) {
	var got []string
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		md, _ := metadata.FromOutgoingContext(ctx)
		got = md.Get(TokenMetadataKey)
		return nil
	}

	require.NoError(t, UnaryClientInterceptor("abc")(context.Background(), "/m", nil, nil, nil, invoker))
	assert.Equal(t, []string{"Bearer abc"}, got)

	require.NoError(t, UnaryClientInterceptor("")(context.Background(), "/m", nil, nil, nil, invoker))
	assert.Empty(t, got)
}
