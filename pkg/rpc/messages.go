package rpc

import (
	"io/fs"
	"time"

	"swarmdrive/pkg/drive"
	"swarmdrive/pkg/registry"
	"swarmdrive/pkg/vfs"
)

// Messages travel as CBOR. Session ids are the handles returned by Get.

type Empty struct{}

type GetRequest struct {
	Options registry.GetOptions `cbor:"options"`
}

type GetResponse struct {
	Session      uint64 `cbor:"session"`
	Key          string `cbor:"key"`
	DiscoveryKey string `cbor:"discoveryKey"`
	Version      uint64 `cbor:"version"`
	Writable     bool   `cbor:"writable"`
}

type SessionRequest struct {
	Session uint64 `cbor:"session"`
}

type PathRequest struct {
	Session uint64 `cbor:"session"`
	Path    string `cbor:"path"`
}

type ReadFileResponse struct {
	Data []byte `cbor:"data"`
}

type WriteFileRequest struct {
	Session uint64      `cbor:"session"`
	Path    string      `cbor:"path"`
	Data    []byte      `cbor:"data"`
	Mode    fs.FileMode `cbor:"mode,omitempty"`
}

type ReadStreamRequest struct {
	Session uint64 `cbor:"session"`
	Path    string `cbor:"path"`
	Start   int64  `cbor:"start,omitempty"`
	// Length of zero reads to end of file.
	Length int64 `cbor:"length,omitempty"`
}

type Chunk struct {
	Data []byte `cbor:"data"`
}

// WriteStreamChunk is one message of a write stream. The first message
// names the target; Session and Path are ignored on the rest.
type WriteStreamChunk struct {
	Session uint64      `cbor:"session,omitempty"`
	Path    string      `cbor:"path,omitempty"`
	Mode    fs.FileMode `cbor:"mode,omitempty"`
	Data    []byte      `cbor:"data,omitempty"`
}

type WriteStreamResponse struct {
	Written int64 `cbor:"written"`
}

type StatResponse struct {
	Info drive.FileInfo `cbor:"info"`
}

type ReaddirResponse struct {
	Names []string `cbor:"names"`
}

type MkdirRequest struct {
	Session uint64      `cbor:"session"`
	Path    string      `cbor:"path"`
	Mode    fs.FileMode `cbor:"mode,omitempty"`
}

// DriveMountRequest mounts another drive inside the session's drive.
type DriveMountRequest struct {
	Session uint64 `cbor:"session"`
	Path    string `cbor:"path"`
	Key     string `cbor:"key"`
	Version uint64 `cbor:"version,omitempty"`
	Hash    []byte `cbor:"hash,omitempty"`
}

type WatchEvent struct {
	Path string    `cbor:"path"`
	Time time.Time `cbor:"time"`
}

type StatsResponse struct {
	Mounts []registry.MountStats `cbor:"mounts"`
}

type AllStatsResponse struct {
	Drives []registry.DriveStats `cbor:"drives"`
}

type ConfigureNetworkRequest struct {
	DiscoveryKey string `cbor:"discoveryKey"`
	Lookup       bool   `cbor:"lookup"`
	Announce     bool   `cbor:"announce"`
	Remember     bool   `cbor:"remember"`
}

// NetworkResult is the effective configuration after a change.
type NetworkResult struct {
	Lookup   bool `cbor:"lookup" json:"lookup"`
	Announce bool `cbor:"announce" json:"announce"`
	Changed  bool `cbor:"changed" json:"changed"`
}

type DiscoveryKeyRequest struct {
	DiscoveryKey string `cbor:"discoveryKey"`
}

type NetworkEntry struct {
	DiscoveryKey string `cbor:"discoveryKey" json:"discoveryKey"`
	Lookup       bool   `cbor:"lookup" json:"lookup"`
	Announce     bool   `cbor:"announce" json:"announce"`
	Durable      bool   `cbor:"durable" json:"durable"`
}

type NetworkConfigurationResponse struct {
	Found bool         `cbor:"found"`
	Entry NetworkEntry `cbor:"entry"`
}

type AllNetworkConfigurationsResponse struct {
	Entries []NetworkEntry `cbor:"entries"`
}

type ListDrivesResponse struct {
	Drives []registry.DriveRecord `cbor:"drives"`
}

// FuseMountRequest mounts a root drive at Path, or a nested drive when Path
// lies inside the active root mountpoint.
type FuseMountRequest struct {
	Path    string              `cbor:"path"`
	Options registry.GetOptions `cbor:"options"`
}

type FuseMountResponse struct {
	Mount vfs.MountInfo `cbor:"mount"`
}

type FuseUnmountRequest struct {
	// Path is empty or the root mountpoint to unmount the root.
	Path string `cbor:"path,omitempty"`
}

type FuseStatusResponse struct {
	Status vfs.Status `cbor:"status"`
}

type FuseInfoRequest struct {
	Path string `cbor:"path"`
}

type FuseInfoResponse struct {
	Info vfs.PathInfo `cbor:"info"`
}
