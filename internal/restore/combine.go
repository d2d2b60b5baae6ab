package restore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vbp1/pgbackup/internal/catalog"
	"github.com/vbp1/pgbackup/internal/pipeline"
	"github.com/vbp1/pgbackup/internal/runctx"
)

// BlockSize is the granularity at which an incremental file's blocks
// overwrite its parent's, per §4.9 step 4.
const BlockSize = 8192

// Plan is one resolved (full + incrementals) chain ready to materialize.
type Plan struct {
	Chain []*catalog.Entry
}

// BuildPlan resolves label to its full-backup chain via repo.Chain.
func BuildPlan(repo *catalog.Repository, label string) (*Plan, error) {
	chain, err := repo.Chain(label)
	if err != nil {
		return nil, err
	}
	return &Plan{Chain: chain}, nil
}

// Materialize copies the full backup's data/ into destDir, then overlays
// each incremental in order, reversing compression/encryption per file
// as it goes (§4.9 steps 3-4).
func Materialize(repo *catalog.Repository, plan *Plan, destDir string, masterSecret []byte) error {
	if len(plan.Chain) == 0 {
		return fmt.Errorf("restore: empty chain")
	}

	rc, err := runctx.New("pgbackup-restore-", false)
	if err != nil {
		return fmt.Errorf("restore: scratch dir: %w", err)
	}
	defer rc.Cleanup()

	full := plan.Chain[0]
	fullEntry, err := repo.Load(full.Label)
	if err != nil {
		return err
	}
	fullDataDir := filepath.Join(repo.LabelDir(full.Label), "data")
	if err := copyTreeReversingTransforms(fullDataDir, destDir, fullEntry, masterSecret, rc); err != nil {
		return fmt.Errorf("restore: materialize full backup %s: %w", full.Label, err)
	}

	for _, inc := range plan.Chain[1:] {
		incDataDir := filepath.Join(repo.LabelDir(inc.Label), "data")
		if err := overlayIncremental(incDataDir, destDir, inc, masterSecret, rc); err != nil {
			return fmt.Errorf("restore: overlay incremental %s: %w", inc.Label, err)
		}
	}
	return nil
}

// copyTreeReversingTransforms walks src and writes each file's
// decompressed/decrypted bytes under dst, preserving relative paths.
func copyTreeReversingTransforms(src, dst string, e *catalog.Entry, masterSecret []byte, rc *runctx.RunCtx) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		destPath := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(destPath, 0o700)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(target, destPath)
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o700); err != nil {
			return err
		}
		return reverseFileTransforms(path, destPath, e, masterSecret, rc)
	})
}

// reverseFileTransforms decrypts then decompresses src into dst,
// inferring the applied transform from the backup.info fields and the
// source file's suffix. Intermediate bytes from reversing encryption land
// in rc's scratch directory rather than next to dst, so a crash mid-file
// leaves nothing but this run's single temp directory to clean up.
func reverseFileTransforms(src, dst string, e *catalog.Entry, masterSecret []byte, rc *runctx.RunCtx) error {
	stage := src
	if e.Encryption != "" && e.Encryption != "none" && strings.HasSuffix(stage, ".enc") {
		decrypted := rc.Path("reverse.dec-tmp")
		if err := pipeline.DecryptFile(pipeline.Cipher(e.Encryption), masterSecret, stage, decrypted); err != nil {
			return err
		}
		defer os.Remove(decrypted)
		stage = decrypted
	}
	if e.Compression != "" && e.Compression != "none" {
		return pipeline.DecompressFile(pipeline.Method(e.Compression), stage, dst)
	}
	return copyFile(stage, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// overlayIncremental applies inc's files onto dst: new files are added
// wholesale (after reversing transforms); files recorded as
// "INCREMENTAL.<name>" are block-wise composed with the parent's
// existing copy at dst.
func overlayIncremental(incDataDir, dst string, e *catalog.Entry, masterSecret []byte, rc *runctx.RunCtx) error {
	return filepath.Walk(incDataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(incDataDir, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.MkdirAll(filepath.Join(dst, rel), 0o700)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		base := filepath.Base(rel)
		if strings.HasPrefix(base, "INCREMENTAL.") {
			targetRel := filepath.Join(filepath.Dir(rel), strings.TrimPrefix(base, "INCREMENTAL."))
			return composeBlocks(path, filepath.Join(dst, targetRel), e, masterSecret, rc)
		}
		destPath := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(destPath), 0o700); err != nil {
			return err
		}
		return reverseFileTransforms(path, destPath, e, masterSecret, rc)
	})
}

// composeBlocks decompresses/decrypts src (an INCREMENTAL.<name> block
// stream: a sequence of (block_number uint32, 8KiB block) pairs) and
// writes each block over parentPath at the matching offset.
func composeBlocks(src, parentPath string, e *catalog.Entry, masterSecret []byte, rc *runctx.RunCtx) error {
	tmp := rc.Path("compose.incoming-tmp")
	if err := reverseFileTransforms(src, tmp, e, masterSecret, rc); err != nil {
		return err
	}
	defer os.Remove(tmp)

	in, err := os.Open(tmp)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(parentPath, os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			out, err = os.OpenFile(parentPath, os.O_RDWR|os.O_CREATE, 0o600)
		}
		if err != nil {
			return err
		}
	}
	defer out.Close()

	header := make([]byte, 4)
	block := make([]byte, BlockSize)
	for {
		if _, err := io.ReadFull(in, header); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		blockNum := uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16 | uint32(header[3])<<24
		n, err := io.ReadFull(in, block)
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		if _, err := out.WriteAt(block[:n], int64(blockNum)*BlockSize); err != nil {
			return err
		}
	}
	return nil
}
