// Package rpc exposes the registry and the filesystem router over gRPC.
// Messages are plain structs carried by the CBOR codec, so the service
// descriptors are written by hand instead of generated.
package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	DriveServiceName = "swarmdrive.Drive"
	FuseServiceName  = "swarmdrive.Fuse"
)

// DriveServer serves drive sessions and network configuration.
type DriveServer interface {
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Close(context.Context, *SessionRequest) (*Empty, error)
	ReadFile(context.Context, *PathRequest) (*ReadFileResponse, error)
	WriteFile(context.Context, *WriteFileRequest) (*Empty, error)
	CreateReadStream(*ReadStreamRequest, ReadStreamServer) error
	CreateWriteStream(WriteStreamServer) error
	Stat(context.Context, *PathRequest) (*StatResponse, error)
	Readdir(context.Context, *PathRequest) (*ReaddirResponse, error)
	Mkdir(context.Context, *MkdirRequest) (*Empty, error)
	Rmdir(context.Context, *PathRequest) (*Empty, error)
	Unlink(context.Context, *PathRequest) (*Empty, error)
	Mount(context.Context, *DriveMountRequest) (*Empty, error)
	Unmount(context.Context, *PathRequest) (*Empty, error)
	Watch(*PathRequest, WatchServer) error
	Publish(context.Context, *SessionRequest) (*NetworkResult, error)
	Unpublish(context.Context, *SessionRequest) (*NetworkResult, error)
	Stats(context.Context, *SessionRequest) (*StatsResponse, error)
	AllStats(context.Context, *Empty) (*AllStatsResponse, error)
	ConfigureNetwork(context.Context, *ConfigureNetworkRequest) (*NetworkResult, error)
	GetNetworkConfiguration(context.Context, *DiscoveryKeyRequest) (*NetworkConfigurationResponse, error)
	AllNetworkConfigurations(context.Context, *Empty) (*AllNetworkConfigurationsResponse, error)
	ListDrives(context.Context, *Empty) (*ListDrivesResponse, error)
}

// FuseServer manages the host mount.
type FuseServer interface {
	Mount(context.Context, *FuseMountRequest) (*FuseMountResponse, error)
	Unmount(context.Context, *FuseUnmountRequest) (*Empty, error)
	Status(context.Context, *Empty) (*FuseStatusResponse, error)
	Info(context.Context, *FuseInfoRequest) (*FuseInfoResponse, error)
}

type ReadStreamServer interface {
	Send(*Chunk) error
	grpc.ServerStream
}

type WriteStreamServer interface {
	Recv() (*WriteStreamChunk, error)
	SendAndClose(*WriteStreamResponse) error
	grpc.ServerStream
}

type WatchServer interface {
	Send(*WatchEvent) error
	grpc.ServerStream
}

type readStreamServer struct{ grpc.ServerStream }

func (s *readStreamServer) Send(m *Chunk) error { return s.ServerStream.SendMsg(m) }

type writeStreamServer struct{ grpc.ServerStream }

func (s *writeStreamServer) Recv() (*WriteStreamChunk, error) {
	m := new(WriteStreamChunk)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *writeStreamServer) SendAndClose(m *WriteStreamResponse) error {
	return s.ServerStream.SendMsg(m)
}

type watchServer struct{ grpc.ServerStream }

func (s *watchServer) Send(m *WatchEvent) error { return s.ServerStream.SendMsg(m) }

// unary builds the method descriptor for one request/response call.
func unary[S, Req, Resp any](service, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var driveServiceDesc = grpc.ServiceDesc{
	ServiceName: DriveServiceName,
	HandlerType: (*DriveServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(DriveServiceName, "Get", DriveServer.Get),
		unary(DriveServiceName, "Close", DriveServer.Close),
		unary(DriveServiceName, "ReadFile", DriveServer.ReadFile),
		unary(DriveServiceName, "WriteFile", DriveServer.WriteFile),
		unary(DriveServiceName, "Stat", DriveServer.Stat),
		unary(DriveServiceName, "Readdir", DriveServer.Readdir),
		unary(DriveServiceName, "Mkdir", DriveServer.Mkdir),
		unary(DriveServiceName, "Rmdir", DriveServer.Rmdir),
		unary(DriveServiceName, "Unlink", DriveServer.Unlink),
		unary(DriveServiceName, "Mount", DriveServer.Mount),
		unary(DriveServiceName, "Unmount", DriveServer.Unmount),
		unary(DriveServiceName, "Publish", DriveServer.Publish),
		unary(DriveServiceName, "Unpublish", DriveServer.Unpublish),
		unary(DriveServiceName, "Stats", DriveServer.Stats),
		unary(DriveServiceName, "AllStats", DriveServer.AllStats),
		unary(DriveServiceName, "ConfigureNetwork", DriveServer.ConfigureNetwork),
		unary(DriveServiceName, "GetNetworkConfiguration", DriveServer.GetNetworkConfiguration),
		unary(DriveServiceName, "AllNetworkConfigurations", DriveServer.AllNetworkConfigurations),
		unary(DriveServiceName, "ListDrives", DriveServer.ListDrives),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "CreateReadStream",
			Handler: func(srv any, stream grpc.ServerStream) error {
				m := new(ReadStreamRequest)
				if err := stream.RecvMsg(m); err != nil {
					return err
				}
				return srv.(DriveServer).CreateReadStream(m, &readStreamServer{stream})
			},
			ServerStreams: true,
		},
		{
			StreamName: "CreateWriteStream",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(DriveServer).CreateWriteStream(&writeStreamServer{stream})
			},
			ClientStreams: true,
		},
		{
			StreamName: "Watch",
			Handler: func(srv any, stream grpc.ServerStream) error {
				m := new(PathRequest)
				if err := stream.RecvMsg(m); err != nil {
					return err
				}
				return srv.(DriveServer).Watch(m, &watchServer{stream})
			},
			ServerStreams: true,
		},
	},
	Metadata: "swarmdrive/drive",
}

var fuseServiceDesc = grpc.ServiceDesc{
	ServiceName: FuseServiceName,
	HandlerType: (*FuseServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(FuseServiceName, "Mount", FuseServer.Mount),
		unary(FuseServiceName, "Unmount", FuseServer.Unmount),
		unary(FuseServiceName, "Status", FuseServer.Status),
		unary(FuseServiceName, "Info", FuseServer.Info),
	},
	Metadata: "swarmdrive/fuse",
}

// Stream descriptors by name, shared with the client.
var (
	readStreamDesc  = &driveServiceDesc.Streams[0]
	writeStreamDesc = &driveServiceDesc.Streams[1]
	watchStreamDesc = &driveServiceDesc.Streams[2]
)

// RegisterDriveServer registers srv with s.
func RegisterDriveServer(s grpc.ServiceRegistrar, srv DriveServer) {
	s.RegisterService(&driveServiceDesc, srv)
}

// RegisterFuseServer registers srv with s.
func RegisterFuseServer(s grpc.ServiceRegistrar, srv FuseServer) {
	s.RegisterService(&fuseServiceDesc, srv)
}
