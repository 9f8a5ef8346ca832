package rpc

import (
	"context"
	"errors"
	"io/fs"

	"swarmdrive/pkg/drive"
	"swarmdrive/pkg/types"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const errorDomain = "swarmdrive"

type errorKind struct {
	err    error
	code   codes.Code
	reason string
}

// errorKinds is checked in order; the first match wins, so the more
// specific kinds come first.
var errorKinds = []errorKind{
	{types.ErrSessionNotFound, codes.NotFound, "SESSION_NOT_FOUND"},
	{types.ErrPath, codes.InvalidArgument, "PATH"},
	{types.ErrKeyEncoding, codes.InvalidArgument, "KEY_ENCODING"},
	{types.ErrMountScope, codes.InvalidArgument, "MOUNT_SCOPE"},
	{types.ErrConfiguration, codes.FailedPrecondition, "CONFIGURATION"},
	{types.ErrNotMounted, codes.FailedPrecondition, "NOT_MOUNTED"},
	{types.ErrNetworkConvergence, codes.Unavailable, "NETWORK_CONVERGENCE"},
	{types.ErrAuthentication, codes.Unauthenticated, "AUTHENTICATION"},
	{fs.ErrNotExist, codes.NotFound, "NOT_EXIST"},
	{fs.ErrExist, codes.AlreadyExists, "EXIST"},
	{fs.ErrPermission, codes.PermissionDenied, "PERMISSION"},
	{fs.ErrInvalid, codes.InvalidArgument, "INVALID"},
	{drive.ErrNotDir, codes.FailedPrecondition, "NOT_DIR"},
	{drive.ErrIsDir, codes.FailedPrecondition, "IS_DIR"},
	{drive.ErrNotEmpty, codes.FailedPrecondition, "NOT_EMPTY"},
	{drive.ErrNoAttr, codes.NotFound, "NO_ATTR"},
	{types.ErrStorage, codes.Internal, "STORAGE"},
}

// toStatus converts a daemon error into a gRPC status error that carries
// its kind in an ErrorInfo detail.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	for _, k := range errorKinds {
		if !errors.Is(err, k.err) {
			continue
		}
		st, detailErr := status.New(k.code, err.Error()).WithDetails(&errdetails.ErrorInfo{
			Reason: k.reason,
			Domain: errorDomain,
		})
		if detailErr != nil {
			return status.Error(k.code, err.Error())
		}
		return st.Err()
	}
	return status.Error(codes.Unknown, err.Error())
}

// RemoteError is an error returned by the daemon. It unwraps to the
// matching sentinel so errors.Is works on the client side.
type RemoteError struct {
	Code    codes.Code
	Reason  string
	Message string
	kind    error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.kind }

// fromStatus converts a gRPC status error back into a daemon error kind.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	remote := &RemoteError{Code: st.Code(), Message: st.Message()}
	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		remote.Reason = info.GetReason()
		for _, k := range errorKinds {
			if k.reason == remote.Reason {
				remote.kind = k.err
				break
			}
		}
	}

	if remote.kind == nil {
		switch st.Code() {
		case codes.Unauthenticated:
			remote.kind = types.ErrAuthentication
		case codes.Canceled:
			remote.kind = context.Canceled
		case codes.DeadlineExceeded:
			remote.kind = context.DeadlineExceeded
		default:
			remote.kind = err
		}
	}
	return remote
}
