package pipeline

import (
	"bufio"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HashStage computes the post-transform SHA-512 digest and final size for
// job, matching the manifest enrichment stage in §4.5 (stage3).
func HashStage(ctx context.Context, job *Job) error {
	f, err := os.Open(job.SourcePath)
	if err != nil {
		return fmt.Errorf("pipeline: open for hashing: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("pipeline: stat for hashing: %w", err)
	}

	h := sha512.New()
	if _, err := io.Copy(h, bufio.NewReader(f)); err != nil {
		return fmt.Errorf("pipeline: hash %s: %w", job.RelPath, err)
	}

	job.FinalPath = job.SourcePath
	job.FinalSize = info.Size()
	job.SHA512Hex = hex.EncodeToString(h.Sum(nil))
	return nil
}

// WriteSHA512Sums writes jobs' digests in standard `sha512sum` format
// (hex digest, two spaces, relative path), satisfying backup.sha512 per
// §4.6/§6.
func WriteSHA512Sums(path string, jobs []*Job) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("pipeline: create backup.sha512: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, job := range jobs {
		if _, err := fmt.Fprintf(w, "%s  %s\n", job.SHA512Hex, job.RelPath); err != nil {
			return err
		}
	}
	return w.Flush()
}
