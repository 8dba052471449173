package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "poet.worker.v1.Worker"

const (
	methodPublish = "/" + serviceName + "/Publish"
	methodRetract = "/" + serviceName + "/Retract"
	methodRun     = "/" + serviceName + "/Run"
)

// WorkerServer is the server side of the worker service.
type WorkerServer interface {
	Publish(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retract(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Run(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterWorkerServer attaches srv to s.
func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&workerServiceDesc, srv)
}

type unaryFunc func(WorkerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WorkerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(WorkerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: unaryHandler(methodPublish, WorkerServer.Publish)},
		{MethodName: "Retract", Handler: unaryHandler(methodRetract, WorkerServer.Retract)},
		{MethodName: "Run", Handler: unaryHandler(methodRun, WorkerServer.Run)},
	},
	Metadata: "poet/worker/v1/worker.proto",
}
