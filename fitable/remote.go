package fitable

import (
	"context"
	"errors"

	"go.opencensus.io/plugin/ocgrpc"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "waterflow.fitable.v1.FitableService"
const invokeMethod = "/" + serviceName + "/Invoke"

const errorDomain = "waterflow.fitable"
const reasonRecoverable = "RECOVERABLE"
const reasonUnrecoverable = "UNRECOVERABLE"

var _ Invoker = new(RemoteInvoker)

// RemoteInvoker calls fitables hosted by another process over gRPC.
type RemoteInvoker struct {
	conn *grpc.ClientConn
}

func NewRemoteInvoker(conn *grpc.ClientConn) *RemoteInvoker {
	return &RemoteInvoker{conn: conn}
}

func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(&ocgrpc.ClientHandler{}),
	}, opts...)
	return grpc.DialContext(ctx, addr, opts...)
}

func (r *RemoteInvoker) Invoke(ctx context.Context, target string, req Request) (map[string]any, error) {
	in, err := encodeRequest(target, req)
	if err != nil {
		return nil, UnrecoverableError{Target: target, Err: err}
	}
	out := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, invokeMethod, in, out); err != nil {
		return nil, fromStatus(target, err)
	}
	return decodeResponse(out), nil
}

func fromStatus(target string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return RecoverableError{Target: target, Err: err}
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == errorDomain {
			if info.Reason == reasonUnrecoverable {
				return UnrecoverableError{Target: target, Err: errors.New(st.Message())}
			}
			return RecoverableError{Target: target, Err: errors.New(st.Message())}
		}
	}
	switch st.Code() {
	case codes.NotFound:
		return NotFoundError{Target: target}
	case codes.InvalidArgument, codes.FailedPrecondition, codes.Unimplemented, codes.PermissionDenied:
		return UnrecoverableError{Target: target, Err: err}
	}
	return RecoverableError{Target: target, Err: err}
}

func toStatus(err error) error {
	var notFound NotFoundError
	if errors.As(err, &notFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	code, reason := codes.Unavailable, reasonRecoverable
	if !IsRecoverable(err) {
		code, reason = codes.FailedPrecondition, reasonUnrecoverable
	}
	st := status.New(code, err.Error())
	std, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: reason,
		Domain: errorDomain,
	})
	if derr != nil {
		return st.Err()
	}
	return std.Err()
}
