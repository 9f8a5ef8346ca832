package drive_test

import (
	"bytes"
	"context"
	"io/fs"
	"testing"

	"swarmdrive/pkg/drive"
	"swarmdrive/pkg/drive/memdrive"
	"swarmdrive/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDrive(t *testing.T) drive.Drive {
	t.Helper()
	d, err := memdrive.New(nil).Open(context.Background(), drive.OpenOptions{})
	require.NoError(t, err)
	return d
}

func collect(t *testing.T, s *drive.ReadStream) []byte {
	t.Helper()
	var out bytes.Buffer
	for chunk := range s.Chunks() {
		out.Write(chunk)
	}
	require.NoError(t, s.Err())
	return out.Bytes()
}

func TestClean(t *testing.T) {
	tests := map[string]string{
		"":          "/",
		"/":         "/",
		"a/b":       "/a/b",
		"/a/../b/":  "/b",
		"//a//b":    "/a/b",
		"../escape": "/escape",
	}
	for in, want := range tests {
		assert.Equal(t, want, drive.Clean(in), in)
	}
}

func TestReadStreamRanges(t *testing.T) {
	ctx := context.Background()
	d := openDrive(t)
	content := bytes.Repeat([]byte("0123456789"), 100)
	require.NoError(t, drive.WriteFile(ctx, d, "/data", content, 0))

	tests := []struct {
		name string
		opts drive.ReadStreamOptions
		want []byte
	}{
		{"whole file", drive.ReadStreamOptions{ChunkSize: 64}, content},
		{"offset", drive.ReadStreamOptions{Start: 995, ChunkSize: 64}, content[995:]},
		{"bounded", drive.ReadStreamOptions{Start: 10, Length: 25, ChunkSize: 7}, content[10:35]},
		{"past end", drive.ReadStreamOptions{Start: 5000}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := drive.NewReadStream(ctx, d, "/data", tt.opts)
			defer s.Close()
			assert.Equal(t, string(tt.want), string(collect(t, s)))
		})
	}
}

func TestReadStreamMissingFile(t *testing.T) {
	s := drive.NewReadStream(context.Background(), openDrive(t), "/missing", drive.ReadStreamOptions{})
	for range s.Chunks() {
	}
	assert.ErrorIs(t, s.Err(), fs.ErrNotExist)
}

func TestReadStreamCloseStopsProducer(t *testing.T) {
	ctx := context.Background()
	d := openDrive(t)
	require.NoError(t, drive.WriteFile(ctx, d, "/data", make([]byte, 4096), 0))

	s := drive.NewReadStream(ctx, d, "/data", drive.ReadStreamOptions{ChunkSize: 1, Buffer: 1})
	<-s.Chunks()
	s.Close()
	s.Close()
	for range s.Chunks() {
	}
}

func TestWriteStream(t *testing.T) {
	ctx := context.Background()
	d := openDrive(t)
	require.NoError(t, drive.WriteFile(ctx, d, "/out", []byte("old contents that get replaced"), 0))

	w, err := drive.NewWriteStream(ctx, d, "/out", drive.WriteStreamOptions{Buffer: 2})
	require.NoError(t, err)
	for _, part := range []string{"hello", " ", "stream"} {
		n, err := w.Write([]byte(part))
		require.NoError(t, err)
		assert.Equal(t, len(part), n)
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, drive.ErrStreamClosed)

	data, err := drive.ReadFile(ctx, d, "/out")
	require.NoError(t, err)
	assert.Equal(t, "hello stream", string(data))
}

func TestWriteStreamReadOnlyDrive(t *testing.T) {
	ctx := context.Background()
	var key types.Key
	key[0] = 1
	d, err := memdrive.New(nil).Open(ctx, drive.OpenOptions{Key: &key})
	require.NoError(t, err)

	_, err = drive.NewWriteStream(ctx, d, "/out", drive.WriteStreamOptions{})
	assert.ErrorIs(t, err, fs.ErrPermission)
}
