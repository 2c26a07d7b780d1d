package persistence

import (
	"github.com/cubefs/itemdb/fs"
)

const defaultBundleCacheSize = 1024

type Config struct {
	Workspace string `json:"workspace"`
	// Dir is the workspace home. Bundles go to Dir/data, blobs kept as
	// plain files to Dir/blobs. An empty Dir keeps everything in memory.
	Dir string `json:"dir"`
	// BlobFSBlockSize 0 keeps each blob as one file in its own filesystem;
	// a positive value stores blobs in chunks inside the bundle filesystem.
	BlobFSBlockSize int `json:"blob_fs_block_size"`
	// MinBlobSize is the encoded value length from which values are moved
	// out of the bundle.
	MinBlobSize int `json:"min_blob_size"`
	// ErrorHandling lists the bundle read policies, see bundle.ParseErrorHandling.
	ErrorHandling   string `json:"error_handling"`
	BundleCacheSize int    `json:"bundle_cache_size"`

	// FS replaces the bundle filesystem. Tests use it to share one
	// in-memory filesystem between manager instances.
	FS fs.FileSystem `json:"-"`
}
