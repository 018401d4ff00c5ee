// Package grpc exposes a subset of the thread engine over gRPC. Messages are
// google.protobuf.Struct values carrying the same JSON shapes as the HTTP API.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ojs.threads.v1.ThreadService"

// ThreadServiceServer is the server API for the thread service.
type ThreadServiceServer interface {
	GetThread(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Deposit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Crank(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ThreadServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetThread", Handler: unaryHandler("GetThread", ThreadServiceServer.GetThread)},
		{MethodName: "Deposit", Handler: unaryHandler("Deposit", ThreadServiceServer.Deposit)},
		{MethodName: "Crank", Handler: unaryHandler("Crank", ThreadServiceServer.Crank)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ojs/threads/v1/thread_service.proto",
}

type unaryMethod func(ThreadServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, method unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(ThreadServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(ThreadServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Register registers the thread service backed by backend on s.
func Register(s *grpc.Server, backend core.Backend) {
	s.RegisterService(&serviceDesc, &Server{backend: backend})
}

// Server implements ThreadServiceServer.
type Server struct {
	backend core.Backend
}

// GetThread expects {"address": "..."} and returns {"thread": {...}}.
func (s *Server) GetThread(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	addr, err := addressField(req, "address")
	if err != nil {
		return nil, err
	}
	th, err := s.backend.GetThread(ctx, addr)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"thread": core.NewThreadView(th)})
}

// Deposit expects {"address": "...", "amount": n}. Anyone may fund a thread.
func (s *Server) Deposit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	addr, err := addressField(req, "address")
	if err != nil {
		return nil, err
	}
	var body core.AmountRequest
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}
	th, err := s.backend.Deposit(ctx, addr, body.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"thread": core.NewThreadView(th)})
}

// Crank expects a crank request and returns {"receipt": {...}}. Fees are paid
// to the named worker, so the caller is not required to prove it.
func (s *Server) Crank(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body core.CrankRequest
	if err := fromStruct(req, &body); err != nil {
		return nil, err
	}
	if body.Thread.IsZero() || body.Worker.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "fields 'thread' and 'worker' are required")
	}
	receipt, err := s.backend.Crank(ctx, &body)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"receipt": receipt})
}

func addressField(req *structpb.Struct, name string) (core.Address, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return core.Address{}, status.Errorf(codes.InvalidArgument, "field '%s' is required", name)
	}
	addr, err := core.ParseAddress(v.GetStringValue())
	if err != nil {
		return core.Address{}, status.Errorf(codes.InvalidArgument, "field '%s': %v", name, err)
	}
	return addr, nil
}

func fromStruct(req *structpb.Struct, v any) error {
	data, err := req.MarshalJSON()
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus maps engine errors onto gRPC status codes.
func toStatus(err error) error {
	ojsErr, ok := core.AsOJSError(err)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	return status.Error(codeFor(ojsErr.Code), fmt.Sprintf("%s: %s", ojsErr.Code, ojsErr.Message))
}

func codeFor(code string) codes.Code {
	switch code {
	case core.ErrCodeNotFound:
		return codes.NotFound
	case core.ErrCodeInvalidRequest:
		return codes.InvalidArgument
	case core.ErrCodeUnauthorized, core.ErrCodeWorkerNotAuthorized:
		return codes.PermissionDenied
	case core.ErrCodeDuplicate:
		return codes.AlreadyExists
	case core.ErrCodeConflict:
		return codes.Aborted
	case core.ErrCodeTriggerNotDue, core.ErrCodeThreadPaused, core.ErrCodeThreadBusy,
		core.ErrCodeInsufficientBalance, core.ErrCodeFeeCeilingExceeded:
		return codes.FailedPrecondition
	case core.ErrCodeTriggerConditionUnreadable, core.ErrCodeInstructionFailed:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
