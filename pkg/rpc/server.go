package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"time"

	"swarmdrive/pkg/auth"
	"swarmdrive/pkg/codec"
	"swarmdrive/pkg/drive"
	"swarmdrive/pkg/metrics"
	"swarmdrive/pkg/netconf"
	"swarmdrive/pkg/registry"
	"swarmdrive/pkg/types"
	"swarmdrive/pkg/vfs"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// maxMessageSize bounds a single message; whole-file calls larger than
// this must use the streaming methods.
const maxMessageSize = 16 * 1024 * 1024

// Options configures a Server.
type Options struct {
	Registry *registry.Registry
	Router   *vfs.Router
	// Auth guards every call when set.
	Auth    *auth.AuthInterceptor
	Metrics *metrics.Metrics

	ChunkSize    int
	StreamBuffer int
	Logger       *zap.Logger
}

// Server hosts the Drive and Fuse services.
type Server struct {
	logger *zap.Logger
	server *grpc.Server
	drives *DriveService
	fuse   *FuseService
}

// NewServer creates a gRPC server with both services registered.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	serverOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(codec.GRPC{}),
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	}
	// Metrics come first so rejected calls are counted too.
	var unary []grpc.UnaryServerInterceptor
	var stream []grpc.StreamServerInterceptor
	if opts.Metrics != nil {
		unary = append(unary, opts.Metrics.UnaryServerInterceptor())
		stream = append(stream, opts.Metrics.StreamServerInterceptor())
	}
	if opts.Auth != nil {
		unary = append(unary, opts.Auth.UnaryServerInterceptor())
		stream = append(stream, opts.Auth.StreamServerInterceptor())
	}
	serverOpts = append(serverOpts,
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)

	s := &Server{
		logger: logger,
		server: grpc.NewServer(serverOpts...),
		drives: &DriveService{
			registry:     opts.Registry,
			logger:       logger.Named("drive"),
			chunkSize:    opts.ChunkSize,
			streamBuffer: opts.StreamBuffer,
		},
		fuse: &FuseService{router: opts.Router, logger: logger.Named("fuse")},
	}
	RegisterDriveServer(s.server, s.drives)
	RegisterFuseServer(s.server, s.fuse)
	return s
}

// Listen opens the listener for address, which is host:port or
// unix:///path/to/socket.
func Listen(address string) (net.Listener, error) {
	if socket, ok := strings.CutPrefix(address, "unix://"); ok {
		listener, err := net.Listen("unix", socket)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", socket, err)
		}
		return listener, nil
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return listener, nil
}

// Serve blocks serving listener until Stop.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("RPC server starting", zap.String("address", listener.Addr().String()))
	return s.server.Serve(listener)
}

// Stop drains in-flight calls and stops the server.
func (s *Server) Stop() {
	s.server.GracefulStop()
}

// DriveService implements DriveServer on top of the registry.
type DriveService struct {
	registry     *registry.Registry
	logger       *zap.Logger
	chunkSize    int
	streamBuffer int
}

var _ DriveServer = (*DriveService)(nil)

// session returns the drive bound to id. It is checked before anything
// touches the drive engine.
func (s *DriveService) session(id uint64) (drive.Drive, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: no session id", types.ErrSessionNotFound)
	}
	return s.registry.DriveForSession(types.SessionID(id))
}

// sessionPath is session plus a required path argument.
func (s *DriveService) sessionPath(id uint64, p string) (drive.Drive, error) {
	d, err := s.session(id)
	if err != nil {
		return nil, err
	}
	if p == "" {
		return nil, types.ErrPath
	}
	return d, nil
}

func (s *DriveService) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	d, id, err := s.registry.CreateSession(ctx, req.Options)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetResponse{
		Session:      uint64(id),
		Key:          d.Key().String(),
		DiscoveryKey: d.DiscoveryKey().String(),
		Version:      d.Version(),
		Writable:     d.Writable(),
	}, nil
}

func (s *DriveService) Close(ctx context.Context, req *SessionRequest) (*Empty, error) {
	if req.Session == 0 {
		return nil, toStatus(fmt.Errorf("%w: no session id", types.ErrSessionNotFound))
	}
	return &Empty{}, toStatus(s.registry.CloseSession(types.SessionID(req.Session)))
}

func (s *DriveService) ReadFile(ctx context.Context, req *PathRequest) (*ReadFileResponse, error) {
	d, err := s.sessionPath(req.Session, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	info, err := d.Stat(ctx, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	if info.Size > maxMessageSize {
		return nil, toStatus(fmt.Errorf("%w: %s is larger than a single message, use CreateReadStream", types.ErrPath, req.Path))
	}
	data := make([]byte, info.Size)
	n, err := d.ReadAt(ctx, req.Path, data, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, toStatus(err)
	}
	return &ReadFileResponse{Data: data[:n]}, nil
}

func (s *DriveService) WriteFile(ctx context.Context, req *WriteFileRequest) (*Empty, error) {
	d, err := s.sessionPath(req.Session, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	mode := req.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := d.Create(ctx, req.Path, mode); err != nil {
		return nil, toStatus(err)
	}
	if len(req.Data) > 0 {
		if _, err := d.WriteAt(ctx, req.Path, req.Data, 0); err != nil {
			return nil, toStatus(err)
		}
	}
	return &Empty{}, nil
}

func (s *DriveService) CreateReadStream(req *ReadStreamRequest, stream ReadStreamServer) error {
	d, err := s.sessionPath(req.Session, req.Path)
	if err != nil {
		return toStatus(err)
	}

	rs := drive.NewReadStream(stream.Context(), d, req.Path, drive.ReadStreamOptions{
		Start:     req.Start,
		Length:    req.Length,
		ChunkSize: s.chunkSize,
		Buffer:    s.streamBuffer,
	})
	defer rs.Close()

	for chunk := range rs.Chunks() {
		if err := stream.Send(&Chunk{Data: chunk}); err != nil {
			return err
		}
	}
	return toStatus(rs.Err())
}

func (s *DriveService) CreateWriteStream(stream WriteStreamServer) error {
	header, err := stream.Recv()
	if errors.Is(err, io.EOF) {
		return toStatus(fmt.Errorf("%w: empty write stream", types.ErrPath))
	}
	if err != nil {
		return err
	}
	d, err := s.sessionPath(header.Session, header.Path)
	if err != nil {
		return toStatus(err)
	}

	ws, err := drive.NewWriteStream(stream.Context(), d, header.Path, drive.WriteStreamOptions{
		Mode:   header.Mode,
		Buffer: s.streamBuffer,
	})
	if err != nil {
		return toStatus(err)
	}

	var written int64
	msg := header
	for {
		if len(msg.Data) > 0 {
			n, err := ws.Write(msg.Data)
			if err != nil {
				ws.Abort()
				return toStatus(err)
			}
			written += int64(n)
		}

		msg, err = stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			ws.Abort()
			return err
		}
	}

	if err := ws.Close(); err != nil {
		return toStatus(err)
	}
	s.logger.Debug("Write stream finished", zap.String("path", header.Path), zap.Int64("bytes", written))
	return stream.SendAndClose(&WriteStreamResponse{Written: written})
}

func (s *DriveService) Stat(ctx context.Context, req *PathRequest) (*StatResponse, error) {
	d, err := s.sessionPath(req.Session, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	info, err := d.Stat(ctx, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StatResponse{Info: *info}, nil
}

func (s *DriveService) Readdir(ctx context.Context, req *PathRequest) (*ReaddirResponse, error) {
	d, err := s.sessionPath(req.Session, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	names, err := d.ReadDir(ctx, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReaddirResponse{Names: names}, nil
}

func (s *DriveService) Mkdir(ctx context.Context, req *MkdirRequest) (*Empty, error) {
	d, err := s.sessionPath(req.Session, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	mode := req.Mode
	if mode == 0 {
		mode = 0o755
	}
	return &Empty{}, toStatus(d.Mkdir(ctx, req.Path, mode))
}

func (s *DriveService) Rmdir(ctx context.Context, req *PathRequest) (*Empty, error) {
	d, err := s.sessionPath(req.Session, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, toStatus(d.Rmdir(ctx, req.Path))
}

func (s *DriveService) Unlink(ctx context.Context, req *PathRequest) (*Empty, error) {
	d, err := s.sessionPath(req.Session, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, toStatus(d.Unlink(ctx, req.Path))
}

func (s *DriveService) Mount(ctx context.Context, req *DriveMountRequest) (*Empty, error) {
	d, err := s.sessionPath(req.Session, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	key, err := types.ParseKey(req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	info := drive.MountInfo{Key: key, Version: req.Version, Hash: req.Hash}
	return &Empty{}, toStatus(d.Mount(ctx, req.Path, info))
}

func (s *DriveService) Unmount(ctx context.Context, req *PathRequest) (*Empty, error) {
	d, err := s.sessionPath(req.Session, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, toStatus(d.Unmount(ctx, req.Path))
}

func (s *DriveService) Watch(req *PathRequest, stream WatchServer) error {
	d, err := s.sessionPath(req.Session, req.Path)
	if err != nil {
		return toStatus(err)
	}
	ctx := stream.Context()
	events, cancel, err := d.Watch(ctx, req.Path)
	if err != nil {
		return toStatus(err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				return nil
			}
			if err := stream.Send(&WatchEvent{Path: req.Path, Time: time.Now()}); err != nil {
				return err
			}
		}
	}
}

func networkResult(res netconf.Result) *NetworkResult {
	return &NetworkResult{Lookup: res.Config.Lookup, Announce: res.Config.Announce, Changed: res.Changed}
}

func (s *DriveService) Publish(ctx context.Context, req *SessionRequest) (*NetworkResult, error) {
	d, err := s.session(req.Session)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.registry.Publish(ctx, d)
	if err != nil {
		return nil, toStatus(err)
	}
	return networkResult(res), nil
}

func (s *DriveService) Unpublish(ctx context.Context, req *SessionRequest) (*NetworkResult, error) {
	d, err := s.session(req.Session)
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.registry.Unpublish(ctx, d)
	if err != nil {
		return nil, toStatus(err)
	}
	return networkResult(res), nil
}

func (s *DriveService) Stats(ctx context.Context, req *SessionRequest) (*StatsResponse, error) {
	d, err := s.session(req.Session)
	if err != nil {
		return nil, toStatus(err)
	}
	mounts, err := s.registry.DriveStats(ctx, d)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StatsResponse{Mounts: mounts}, nil
}

func (s *DriveService) AllStats(ctx context.Context, _ *Empty) (*AllStatsResponse, error) {
	all, err := s.registry.AllStats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AllStatsResponse{Drives: all}, nil
}

func (s *DriveService) ConfigureNetwork(ctx context.Context, req *ConfigureNetworkRequest) (*NetworkResult, error) {
	dk, err := types.ParseDiscoveryKey(req.DiscoveryKey)
	if err != nil {
		return nil, toStatus(err)
	}
	cfg := netconf.Config{Lookup: req.Lookup, Announce: req.Announce}
	res, err := s.registry.ConfigureNetwork(ctx, dk, cfg, req.Remember)
	if err != nil {
		return nil, toStatus(err)
	}
	return networkResult(res), nil
}

func networkEntry(e netconf.Entry) NetworkEntry {
	return NetworkEntry{
		DiscoveryKey: e.DiscoveryKey.String(),
		Lookup:       e.Lookup,
		Announce:     e.Announce,
		Durable:      e.Durable,
	}
}

func (s *DriveService) GetNetworkConfiguration(ctx context.Context, req *DiscoveryKeyRequest) (*NetworkConfigurationResponse, error) {
	dk, err := types.ParseDiscoveryKey(req.DiscoveryKey)
	if err != nil {
		return nil, toStatus(err)
	}
	entry, found, err := s.registry.NetworkConfiguration(dk)
	if err != nil {
		return nil, toStatus(err)
	}
	if !found {
		return &NetworkConfigurationResponse{}, nil
	}
	return &NetworkConfigurationResponse{Found: true, Entry: networkEntry(entry)}, nil
}

func (s *DriveService) AllNetworkConfigurations(ctx context.Context, _ *Empty) (*AllNetworkConfigurationsResponse, error) {
	entries, err := s.registry.AllNetworkConfigurations()
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &AllNetworkConfigurationsResponse{Entries: make([]NetworkEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, networkEntry(e))
	}
	return resp, nil
}

func (s *DriveService) ListDrives(ctx context.Context, _ *Empty) (*ListDrivesResponse, error) {
	records, err := s.registry.ListDrives(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListDrivesResponse{Drives: records}, nil
}

// FuseService implements FuseServer on top of the router.
type FuseService struct {
	router *vfs.Router
	logger *zap.Logger
}

var _ FuseServer = (*FuseService)(nil)

// insideRoot reports whether p lies strictly inside the active root
// mountpoint.
func (s *FuseService) insideRoot(p string) bool {
	mountpoint := s.router.Mountpoint()
	if mountpoint == "" {
		return false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, mountpoint+string(filepath.Separator)) ||
		(mountpoint == "/" && abs != "/")
}

func (s *FuseService) Mount(ctx context.Context, req *FuseMountRequest) (*FuseMountResponse, error) {
	if req.Path == "" {
		return nil, toStatus(fmt.Errorf("%w: mountpoint", types.ErrPath))
	}

	var (
		info *vfs.MountInfo
		err  error
	)
	if s.insideRoot(req.Path) {
		info, err = s.router.MountDrive(ctx, req.Path, req.Options)
	} else {
		info, err = s.router.Mount(ctx, req.Path, req.Options)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &FuseMountResponse{Mount: *info}, nil
}

func (s *FuseService) Unmount(ctx context.Context, req *FuseUnmountRequest) (*Empty, error) {
	if req.Path != "" {
		if s.insideRoot(req.Path) {
			return &Empty{}, toStatus(s.router.UnmountDrive(ctx, req.Path))
		}
		abs, err := filepath.Abs(req.Path)
		if err != nil {
			return nil, toStatus(err)
		}
		if mountpoint := s.router.Mountpoint(); mountpoint != "" && abs != mountpoint {
			return nil, toStatus(fmt.Errorf("%w: %s is not inside %s", types.ErrMountScope, abs, mountpoint))
		}
	}
	return &Empty{}, toStatus(s.router.Unmount(ctx))
}

func (s *FuseService) Status(ctx context.Context, _ *Empty) (*FuseStatusResponse, error) {
	return &FuseStatusResponse{Status: s.router.Status()}, nil
}

func (s *FuseService) Info(ctx context.Context, req *FuseInfoRequest) (*FuseInfoResponse, error) {
	if req.Path == "" {
		return nil, toStatus(types.ErrPath)
	}
	info, err := s.router.Info(ctx, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &FuseInfoResponse{Info: *info}, nil
}
