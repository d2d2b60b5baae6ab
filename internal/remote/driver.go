// Package remote defines the uniform setup/execute/teardown interface
// every storage driver (SSH/SFTP, S3, Azure Blob) implements, per §4.10.
package remote

import "context"

// File is one backup file to upload, relative to the backup label's
// directory root.
type File struct {
	LocalPath string
	RelPath   string // e.g. "data/PG_VERSION", relative to backup/<label>/
	Size      int64
}

// Driver uploads a backup label's subtree to a remote target.
type Driver interface {
	// Setup prepares the driver for a run (dial, authenticate, create
	// remote directories/containers as needed).
	Setup(ctx context.Context) error
	// Execute uploads every file in files.
	Execute(ctx context.Context, files []File) error
	// Teardown releases any resources Setup acquired, called even if
	// Execute failed.
	Teardown(ctx context.Context) error
}
