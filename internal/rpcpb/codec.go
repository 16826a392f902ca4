package rpcpb

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// gobCodec is a grpc encoding.Codec backed by encoding/gob instead of
// protobuf wire encoding, so cmd/masterd can boot a real *grpc.Server
// over the hand-written structs in this package without generated
// .pb.go stubs (spec.md section 1 puts the RPC marshaling plumbing
// itself out of scope; this is the minimal real substitute).
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("rpcpb: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("rpcpb: gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return "gob" }

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// AdminServer is the small admin surface spec.md section 5 carries over a
// real *grpc.Server: GetHeadOfLog and GetServerStatistics. Every other
// opcode in this package is dispatched as a direct Go call by
// internal/master and its tests.
type AdminServer interface {
	GetHeadOfLog(ctx context.Context, req *GetHeadOfLogRequest) (*GetHeadOfLogResponse, error)
	GetServerStatistics(ctx context.Context, req *GetServerStatisticsRequest) (*GetServerStatisticsResponse, error)
}

func adminGetHeadOfLogHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(GetHeadOfLogRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetHeadOfLog(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/logmaster.Admin/GetHeadOfLog"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetHeadOfLog(ctx, req.(*GetHeadOfLogRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func adminGetServerStatisticsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(GetServerStatisticsRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetServerStatistics(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/logmaster.Admin/GetServerStatistics"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetServerStatistics(ctx, req.(*GetServerStatisticsRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// AdminServiceDesc is the hand-built grpc.ServiceDesc that plays the role
// a protoc-gen-go-grpc-generated *_grpc.pb.go would otherwise provide.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: "logmaster.Admin",
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetHeadOfLog", Handler: adminGetHeadOfLogHandler},
		{MethodName: "GetServerStatistics", Handler: adminGetServerStatisticsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/rpcpb/admin.proto",
}

// RegisterAdminServer wires srv into grpcServer under AdminServiceDesc,
// mirroring the teacher's storagepb.RegisterStorageServer call site.
func RegisterAdminServer(grpcServer *grpc.Server, srv AdminServer) {
	grpcServer.RegisterService(&AdminServiceDesc, srv)
}
