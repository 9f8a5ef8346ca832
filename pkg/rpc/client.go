package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"swarmdrive/pkg/auth"
	"swarmdrive/pkg/codec"
	"swarmdrive/pkg/registry"
	"swarmdrive/pkg/vfs"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Client talks to a running daemon. Errors it returns unwrap to the
// daemon's error kinds.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon at address (host:port or unix:///path),
// presenting token on every call. Extra options are appended, which lets
// tests supply a custom dialer.
func Dial(address, token string, extra ...grpc.DialOption) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(codec.GRPC{}),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithChainUnaryInterceptor(
			defaultRetryPolicy.unaryClientInterceptor(),
			auth.UnaryClientInterceptor(token),
		),
		grpc.WithStreamInterceptor(auth.StreamClientInterceptor(token)),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, service, method string, in, out any) error {
	return fromStatus(c.conn.Invoke(ctx, "/"+service+"/"+method, in, out))
}

func (c *Client) drive(ctx context.Context, method string, in, out any) error {
	return c.invoke(ctx, DriveServiceName, method, in, out)
}

// Get opens a drive session.
func (c *Client) Get(ctx context.Context, opts registry.GetOptions) (*GetResponse, error) {
	out := new(GetResponse)
	if err := c.drive(ctx, "Get", &GetRequest{Options: opts}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CloseSession(ctx context.Context, session uint64) error {
	return c.drive(ctx, "Close", &SessionRequest{Session: session}, new(Empty))
}

func (c *Client) ReadFile(ctx context.Context, session uint64, path string) ([]byte, error) {
	out := new(ReadFileResponse)
	if err := c.drive(ctx, "ReadFile", &PathRequest{Session: session, Path: path}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) WriteFile(ctx context.Context, session uint64, path string, data []byte, mode fs.FileMode) error {
	return c.drive(ctx, "WriteFile", &WriteFileRequest{Session: session, Path: path, Data: data, Mode: mode}, new(Empty))
}

func (c *Client) Stat(ctx context.Context, session uint64, path string) (*StatResponse, error) {
	out := new(StatResponse)
	if err := c.drive(ctx, "Stat", &PathRequest{Session: session, Path: path}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Readdir(ctx context.Context, session uint64, path string) ([]string, error) {
	out := new(ReaddirResponse)
	if err := c.drive(ctx, "Readdir", &PathRequest{Session: session, Path: path}, out); err != nil {
		return nil, err
	}
	return out.Names, nil
}

func (c *Client) Mkdir(ctx context.Context, session uint64, path string, mode fs.FileMode) error {
	return c.drive(ctx, "Mkdir", &MkdirRequest{Session: session, Path: path, Mode: mode}, new(Empty))
}

func (c *Client) Rmdir(ctx context.Context, session uint64, path string) error {
	return c.drive(ctx, "Rmdir", &PathRequest{Session: session, Path: path}, new(Empty))
}

func (c *Client) Unlink(ctx context.Context, session uint64, path string) error {
	return c.drive(ctx, "Unlink", &PathRequest{Session: session, Path: path}, new(Empty))
}

// MountDrive mounts the drive named by key inside the session's drive.
func (c *Client) MountDrive(ctx context.Context, req *DriveMountRequest) error {
	return c.drive(ctx, "Mount", req, new(Empty))
}

func (c *Client) UnmountDrive(ctx context.Context, session uint64, path string) error {
	return c.drive(ctx, "Unmount", &PathRequest{Session: session, Path: path}, new(Empty))
}

func (c *Client) Publish(ctx context.Context, session uint64) (*NetworkResult, error) {
	out := new(NetworkResult)
	if err := c.drive(ctx, "Publish", &SessionRequest{Session: session}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Unpublish(ctx context.Context, session uint64) (*NetworkResult, error) {
	out := new(NetworkResult)
	if err := c.drive(ctx, "Unpublish", &SessionRequest{Session: session}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Stats(ctx context.Context, session uint64) ([]registry.MountStats, error) {
	out := new(StatsResponse)
	if err := c.drive(ctx, "Stats", &SessionRequest{Session: session}, out); err != nil {
		return nil, err
	}
	return out.Mounts, nil
}

func (c *Client) AllStats(ctx context.Context) ([]registry.DriveStats, error) {
	out := new(AllStatsResponse)
	if err := c.drive(ctx, "AllStats", &Empty{}, out); err != nil {
		return nil, err
	}
	return out.Drives, nil
}

func (c *Client) ConfigureNetwork(ctx context.Context, req *ConfigureNetworkRequest) (*NetworkResult, error) {
	out := new(NetworkResult)
	if err := c.drive(ctx, "ConfigureNetwork", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// NetworkConfiguration returns the stored entry for a discovery key and
// whether one exists.
func (c *Client) NetworkConfiguration(ctx context.Context, discoveryKey string) (NetworkEntry, bool, error) {
	out := new(NetworkConfigurationResponse)
	if err := c.drive(ctx, "GetNetworkConfiguration", &DiscoveryKeyRequest{DiscoveryKey: discoveryKey}, out); err != nil {
		return NetworkEntry{}, false, err
	}
	return out.Entry, out.Found, nil
}

func (c *Client) AllNetworkConfigurations(ctx context.Context) ([]NetworkEntry, error) {
	out := new(AllNetworkConfigurationsResponse)
	if err := c.drive(ctx, "AllNetworkConfigurations", &Empty{}, out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *Client) ListDrives(ctx context.Context) ([]registry.DriveRecord, error) {
	out := new(ListDrivesResponse)
	if err := c.drive(ctx, "ListDrives", &Empty{}, out); err != nil {
		return nil, err
	}
	return out.Drives, nil
}

func (c *Client) fuse(ctx context.Context, method string, in, out any) error {
	return c.invoke(ctx, FuseServiceName, method, in, out)
}

// Mount mounts a root drive at path, or a nested drive when path lies
// inside the active root.
func (c *Client) Mount(ctx context.Context, path string, opts registry.GetOptions) (*vfs.MountInfo, error) {
	out := new(FuseMountResponse)
	if err := c.fuse(ctx, "Mount", &FuseMountRequest{Path: path, Options: opts}, out); err != nil {
		return nil, err
	}
	return &out.Mount, nil
}

// Unmount releases the root mount, or the nested mount at path.
func (c *Client) Unmount(ctx context.Context, path string) error {
	return c.fuse(ctx, "Unmount", &FuseUnmountRequest{Path: path}, new(Empty))
}

func (c *Client) Status(ctx context.Context) (*vfs.Status, error) {
	out := new(FuseStatusResponse)
	if err := c.fuse(ctx, "Status", &Empty{}, out); err != nil {
		return nil, err
	}
	return &out.Status, nil
}

func (c *Client) Info(ctx context.Context, path string) (*vfs.PathInfo, error) {
	out := new(FuseInfoResponse)
	if err := c.fuse(ctx, "Info", &FuseInfoRequest{Path: path}, out); err != nil {
		return nil, err
	}
	return &out.Info, nil
}

// ReadStream is the client end of CreateReadStream. It implements
// io.ReadCloser.
type ReadStream struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	buf    []byte
	err    error
}

// OpenReadStream streams [start, start+length) of path. A zero length
// reads to end of file.
func (c *Client) OpenReadStream(ctx context.Context, req *ReadStreamRequest) (*ReadStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(ctx, readStreamDesc, "/"+DriveServiceName+"/CreateReadStream")
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	return &ReadStream{stream: stream, cancel: cancel}, nil
}

func (r *ReadStream) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		chunk := new(Chunk)
		if err := r.stream.RecvMsg(chunk); err != nil {
			if errors.Is(err, io.EOF) {
				r.err = io.EOF
			} else {
				r.err = fromStatus(err)
			}
			continue
		}
		r.buf = chunk.Data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *ReadStream) Close() error {
	r.cancel()
	return nil
}

// WriteStream is the client end of CreateWriteStream.
type WriteStream struct {
	stream grpc.ClientStream
	header *WriteStreamChunk
}

// OpenWriteStream truncates or creates path and returns a writer for it.
// Nothing is sent until the first Write or Close.
func (c *Client) OpenWriteStream(ctx context.Context, session uint64, path string, mode fs.FileMode) (*WriteStream, error) {
	stream, err := c.conn.NewStream(ctx, writeStreamDesc, "/"+DriveServiceName+"/CreateWriteStream")
	if err != nil {
		return nil, fromStatus(err)
	}
	return &WriteStream{stream: stream, header: &WriteStreamChunk{Session: session, Path: path, Mode: mode}}, nil
}

func (w *WriteStream) Write(p []byte) (int, error) {
	msg := &WriteStreamChunk{Data: p}
	if w.header != nil {
		msg = w.header
		msg.Data = p
		w.header = nil
	}
	if err := w.stream.SendMsg(msg); err != nil {
		if errors.Is(err, io.EOF) {
			// The server ended the stream; its status arrives on RecvMsg.
			return 0, fromStatus(w.stream.RecvMsg(new(WriteStreamResponse)))
		}
		return 0, fromStatus(err)
	}
	return len(p), nil
}

// Close finishes the upload and returns the number of bytes written.
func (w *WriteStream) Close() (int64, error) {
	if w.header != nil {
		if _, err := w.Write(nil); err != nil {
			return 0, err
		}
	}
	if err := w.stream.CloseSend(); err != nil {
		return 0, fromStatus(err)
	}
	out := new(WriteStreamResponse)
	if err := w.stream.RecvMsg(out); err != nil {
		return 0, fromStatus(err)
	}
	return out.Written, nil
}

// WatchStream delivers change notifications for one path.
type WatchStream struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
}

func (c *Client) Watch(ctx context.Context, session uint64, path string) (*WatchStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(ctx, watchStreamDesc, "/"+DriveServiceName+"/Watch")
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(&PathRequest{Session: session, Path: path}); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	return &WatchStream{stream: stream, cancel: cancel}, nil
}

// Recv blocks for the next change. It returns io.EOF when the daemon ends
// the watch.
func (w *WatchStream) Recv() (*WatchEvent, error) {
	ev := new(WatchEvent)
	if err := w.stream.RecvMsg(ev); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fromStatus(err)
	}
	return ev, nil
}

func (w *WatchStream) Close() {
	w.cancel()
}
