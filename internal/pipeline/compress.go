package pipeline

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"

	dbzip2 "github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/vbp1/pgbackup/internal/ratelimit"
)

// Method names a client-side compression codec, per §4.5.
type Method string

const (
	MethodNone  Method = "none"
	MethodGzip  Method = "gzip"
	MethodZstd  Method = "zstd"
	MethodLZ4   Method = "lz4"
	MethodBzip2 Method = "bzip2"
)

func (m Method) suffix() string {
	switch m {
	case MethodGzip:
		return ".gz"
	case MethodZstd:
		return ".zst"
	case MethodLZ4:
		return ".lz4"
	case MethodBzip2:
		return ".bz2"
	default:
		return ""
	}
}

// CompressStage builds a Stage that compresses job.SourcePath with method,
// honoring bucket as the throughput token bucket consulted by §4.5's
// "compression throughput" limit, and deletes the source on success.
func CompressStage(method Method, bucket *ratelimit.Bucket) Stage {
	return func(ctx context.Context, job *Job) error {
		if method == MethodNone || Excluded(job.RelPath) {
			return nil
		}

		in, err := os.Open(job.SourcePath)
		if err != nil {
			return fmt.Errorf("pipeline: open source for compression: %w", err)
		}
		defer in.Close()

		destPath := job.SourcePath + method.suffix()
		out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("pipeline: create compressed output: %w", err)
		}

		limited := &rateLimitedWriter{ctx: ctx, w: out, bucket: bucket}
		if err := compressInto(method, limited, in); err != nil {
			out.Close()
			os.Remove(destPath)
			return fmt.Errorf("pipeline: compress %s: %w", method, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("pipeline: close compressed output: %w", err)
		}
		in.Close()
		if err := os.Remove(job.SourcePath); err != nil {
			return fmt.Errorf("pipeline: remove source after compression: %w", err)
		}
		job.SourcePath = destPath
		return nil
	}
}

func compressInto(method Method, w io.Writer, r io.Reader) error {
	switch method {
	case MethodGzip:
		gw := gzip.NewWriter(w)
		if _, err := io.Copy(gw, r); err != nil {
			return err
		}
		return gw.Close()
	case MethodZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		if _, err := io.Copy(zw, r); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	case MethodLZ4:
		lw := lz4.NewWriter(w)
		if _, err := io.Copy(lw, r); err != nil {
			lw.Close()
			return err
		}
		return lw.Close()
	case MethodBzip2:
		bw, err := dbzip2.NewWriter(w, nil)
		if err != nil {
			return err
		}
		if _, err := io.Copy(bw, r); err != nil {
			bw.Close()
			return err
		}
		return bw.Close()
	default:
		return fmt.Errorf("pipeline: unknown compression method %q", method)
	}
}

// rateLimitedWriter charges bucket one token per byte written before
// passing the write through, bounding compressed-stream throughput.
type rateLimitedWriter struct {
	ctx    context.Context
	w      io.Writer
	bucket *ratelimit.Bucket
}

func (rw *rateLimitedWriter) Write(p []byte) (int, error) {
	if rw.bucket != nil {
		if err := rw.bucket.Acquire(rw.ctx, int64(len(p))); err != nil {
			return 0, err
		}
	}
	return rw.w.Write(p)
}

// decompressReader wraps r to undo method; used by the restore path.
func decompressReader(method Method, r io.Reader) (io.ReadCloser, error) {
	switch method {
	case MethodGzip:
		return gzip.NewReader(bufio.NewReader(r))
	case MethodZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case MethodLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case MethodBzip2:
		br, err := dbzip2.NewReader(r, nil)
		if err != nil {
			return nil, err
		}
		return br, nil
	default:
		return io.NopCloser(r), nil
	}
}

// DecompressFile decompresses srcPath (named by its method suffix) into
// destPath, used by the restore chain to invert CompressStage.
func DecompressFile(method Method, srcPath, destPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	rc, err := decompressReader(method, in)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}
