// Package dedup replaces a prior backup's on-disk files with hard links
// into a newer backup when their post-transform hashes match, so two
// backups that share unchanged relation files consume disk space once.
package dedup

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileEntry is the minimal manifest slice dedup needs: a relative path
// and its post-transform hash. internal/catalog's manifest decoder
// produces these.
type FileEntry struct {
	RelPath string
	Hash    string
	IsDir   bool
	IsLink  bool
}

// Stats summarizes one dedup pass, useful for logging and for the
// workflow stage's reporting.
type Stats struct {
	Linked  int
	Skipped int
}

// Link walks prevFiles and, for every regular file whose hash matches the
// same relative path's hash in newFiles, removes prevRoot's copy and
// hard-links it to newRoot's copy: the newer backup becomes the physical
// holder of shared content, per §4.6.
func Link(prevRoot, newRoot string, prevFiles, newFiles []FileEntry) (Stats, error) {
	var stats Stats
	newByPath := make(map[string]FileEntry, len(newFiles))
	for _, f := range newFiles {
		newByPath[f.RelPath] = f
	}

	for _, pf := range prevFiles {
		if pf.IsDir || pf.IsLink {
			stats.Skipped++
			continue
		}
		nf, ok := newByPath[pf.RelPath]
		if !ok || nf.IsDir || nf.IsLink {
			stats.Skipped++
			continue
		}
		if pf.Hash == "" || nf.Hash != pf.Hash {
			stats.Skipped++
			continue
		}

		prevPath := filepath.Join(prevRoot, pf.RelPath)
		newPath := filepath.Join(newRoot, nf.RelPath)
		if err := linkInPlace(prevPath, newPath); err != nil {
			return stats, fmt.Errorf("dedup: link %s: %w", pf.RelPath, err)
		}
		stats.Linked++
	}
	return stats, nil
}

// linkInPlace replaces prevPath with a hard link to newPath, preserving
// prevPath's position in the tree: the link is made at a temporary name
// and then renamed over prevPath, which keeps this safe to retry (a
// missing prevPath is simply created as the link).
func linkInPlace(prevPath, newPath string) error {
	if _, err := os.Lstat(newPath); err != nil {
		return fmt.Errorf("target %s does not exist: %w", newPath, err)
	}

	tmp := prevPath + ".dedup-tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Link(newPath, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, prevPath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// VerifyLinked reports whether a and b are the same inode on the same
// device, the invariant §4.6 requires after a successful Link pass.
func VerifyLinked(a, b string) (bool, error) {
	sa, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(sa, sb), nil
}
