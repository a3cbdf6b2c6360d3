package fleetv1

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "trainfleet.v1.Coordinator"

// Full method names, as seen by interceptors.
const (
	MethodRegister     = "/" + ServiceName + "/Register"
	MethodHeartbeat    = "/" + ServiceName + "/Heartbeat"
	MethodRequestJob   = "/" + ServiceName + "/RequestJob"
	MethodReportResult = "/" + ServiceName + "/ReportResult"
	MethodStatus       = "/" + ServiceName + "/Status"
	MethodEnqueueJob   = "/" + ServiceName + "/EnqueueJob"
	MethodListResults  = "/" + ServiceName + "/ListResults"
)

// CoordinatorClient is the client API for the Coordinator service.
type CoordinatorClient interface {
	Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
	RequestJob(ctx context.Context, in *RequestJobRequest, opts ...grpc.CallOption) (*RequestJobResponse, error)
	ReportResult(ctx context.Context, in *ReportResultRequest, opts ...grpc.CallOption) (*ReportResultResponse, error)
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	EnqueueJob(ctx context.Context, in *EnqueueJobRequest, opts ...grpc.CallOption) (*EnqueueJobResponse, error)
	ListResults(ctx context.Context, in *ListResultsRequest, opts ...grpc.CallOption) (*ListResultsResponse, error)
}

type coordinatorClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinatorClient(cc grpc.ClientConnInterface) CoordinatorClient {
	return &coordinatorClient{cc}
}

func (c *coordinatorClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *coordinatorClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	out := new(RegisterResponse)
	if err := c.invoke(ctx, MethodRegister, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.invoke(ctx, MethodHeartbeat, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) RequestJob(ctx context.Context, in *RequestJobRequest, opts ...grpc.CallOption) (*RequestJobResponse, error) {
	out := new(RequestJobResponse)
	if err := c.invoke(ctx, MethodRequestJob, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) ReportResult(ctx context.Context, in *ReportResultRequest, opts ...grpc.CallOption) (*ReportResultResponse, error) {
	out := new(ReportResultResponse)
	if err := c.invoke(ctx, MethodReportResult, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.invoke(ctx, MethodStatus, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) EnqueueJob(ctx context.Context, in *EnqueueJobRequest, opts ...grpc.CallOption) (*EnqueueJobResponse, error) {
	out := new(EnqueueJobResponse)
	if err := c.invoke(ctx, MethodEnqueueJob, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) ListResults(ctx context.Context, in *ListResultsRequest, opts ...grpc.CallOption) (*ListResultsResponse, error) {
	out := new(ListResultsResponse)
	if err := c.invoke(ctx, MethodListResults, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// CoordinatorServer is the server API for the Coordinator service.
type CoordinatorServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	RequestJob(context.Context, *RequestJobRequest) (*RequestJobResponse, error)
	ReportResult(context.Context, *ReportResultRequest) (*ReportResultResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	EnqueueJob(context.Context, *EnqueueJobRequest) (*EnqueueJobResponse, error)
	ListResults(context.Context, *ListResultsRequest) (*ListResultsResponse, error)
}

func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&CoordinatorServiceDesc, srv)
}

// unaryHandler adapts one typed server method to grpc.MethodDesc.
func unaryHandler[Req any, Resp any](method string, call func(CoordinatorServer, context.Context, *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CoordinatorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(CoordinatorServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var CoordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: unaryHandler(MethodRegister, CoordinatorServer.Register)},
		{MethodName: "Heartbeat", Handler: unaryHandler(MethodHeartbeat, CoordinatorServer.Heartbeat)},
		{MethodName: "RequestJob", Handler: unaryHandler(MethodRequestJob, CoordinatorServer.RequestJob)},
		{MethodName: "ReportResult", Handler: unaryHandler(MethodReportResult, CoordinatorServer.ReportResult)},
		{MethodName: "Status", Handler: unaryHandler(MethodStatus, CoordinatorServer.Status)},
		{MethodName: "EnqueueJob", Handler: unaryHandler(MethodEnqueueJob, CoordinatorServer.EnqueueJob)},
		{MethodName: "ListResults", Handler: unaryHandler(MethodListResults, CoordinatorServer.ListResults)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trainfleet/v1/coordinator",
}
