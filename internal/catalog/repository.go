package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/vbp1/pgbackup/internal/errs"
)

// Repository is the durable per-server backup/ directory described in
// §4.7: one sub-directory per label, plus the wal/, summary/ and
// hot_standby/ siblings named in §6.
type Repository struct {
	ServerDir string
}

// Open returns a Repository rooted at serverDir (the per-server base
// directory, i.e. config's backup_base_dir).
func Open(serverDir string) *Repository {
	return &Repository{ServerDir: serverDir}
}

func (r *Repository) BackupDir() string     { return filepath.Join(r.ServerDir, "backup") }
func (r *Repository) WALDir() string        { return filepath.Join(r.ServerDir, "wal") }
func (r *Repository) SummaryDir() string    { return filepath.Join(r.ServerDir, "summary") }
func (r *Repository) HotStandbyDir() string { return filepath.Join(r.ServerDir, "hot_standby") }

func (r *Repository) LabelDir(label string) string {
	return filepath.Join(r.BackupDir(), label)
}

// Labels enumerates backup labels sorted lexicographically, which equals
// chronological order per the invariant in §4.
func (r *Repository) Labels() ([]string, error) {
	entries, err := os.ReadDir(r.BackupDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("catalog: list backup dir: %w", err)
	}
	var labels []string
	for _, e := range entries {
		if e.IsDir() {
			labels = append(labels, e.Name())
		}
	}
	sort.Strings(labels)
	return labels, nil
}

// Load reads one label's backup.info, returning errs.KindNotFound if the
// label directory or its backup.info is missing.
func (r *Repository) Load(label string) (*Entry, error) {
	path := filepath.Join(r.LabelDir(label), InfoFileName)
	e, err := ReadInfo(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.New(errs.KindNotFound, "catalog.load", err)
		}
		return nil, err
	}
	return e, nil
}

// LoadAll reads every backup.info in label order, skipping (and
// returning alongside) entries that fail to parse — callers such as
// retention must never abort a sweep because one entry is malformed.
func (r *Repository) LoadAll() (entries []*Entry, badLabels []string, err error) {
	labels, err := r.Labels()
	if err != nil {
		return nil, nil, err
	}
	for _, label := range labels {
		e, loadErr := r.Load(label)
		if loadErr != nil {
			badLabels = append(badLabels, label)
			continue
		}
		entries = append(entries, e)
	}
	return entries, badLabels, nil
}

// Parent returns e's parent entry, or nil if e is a full backup.
func (r *Repository) Parent(e *Entry) (*Entry, error) {
	if e.ParentLabel == "" {
		return nil, nil
	}
	return r.Load(e.ParentLabel)
}

// Children returns every entry whose parent_label == label.
func (r *Repository) Children(label string) ([]*Entry, error) {
	all, _, err := r.LoadAll()
	if err != nil {
		return nil, err
	}
	var children []*Entry
	for _, e := range all {
		if e.ParentLabel == label {
			children = append(children, e)
		}
	}
	return children, nil
}

// LatestValid returns the newest valid entry with the given major
// version, or nil if none exists.
func (r *Repository) LatestValid(majorVersion int) (*Entry, error) {
	all, _, err := r.LoadAll()
	if err != nil {
		return nil, err
	}
	var best *Entry
	for _, e := range all {
		if !e.Valid || e.MajorVersion != majorVersion {
			continue
		}
		if best == nil || e.Label > best.Label {
			best = e
		}
	}
	return best, nil
}

// Chain follows parent_label upward from label to a full backup,
// returning [full, ..., label] in apply order. Returns
// errs.KindChainBroken if a parent reference cannot be resolved, or the
// chain never reaches a full backup.
func (r *Repository) Chain(label string) ([]*Entry, error) {
	var reversed []*Entry
	cur := label
	seen := make(map[string]bool)
	for {
		if seen[cur] {
			return nil, errs.New(errs.KindChainBroken, "catalog.chain", fmt.Errorf("cycle detected at %s", cur))
		}
		seen[cur] = true

		e, err := r.Load(cur)
		if err != nil {
			return nil, errs.New(errs.KindChainBroken, "catalog.chain", err)
		}
		reversed = append(reversed, e)
		if e.Type == TypeFull {
			break
		}
		if e.ParentLabel == "" {
			return nil, errs.New(errs.KindChainBroken, "catalog.chain", fmt.Errorf("incremental backup %s has no parent", e.Label))
		}
		cur = e.ParentLabel
	}

	chain := make([]*Entry, len(reversed))
	for i, e := range reversed {
		chain[len(reversed)-1-i] = e
	}
	major := chain[0].MajorVersion
	for _, e := range chain {
		if e.MajorVersion != major {
			return nil, errs.New(errs.KindChainBroken, "catalog.chain", fmt.Errorf("major_version mismatch in chain: %d vs %d", e.MajorVersion, major))
		}
	}
	return chain, nil
}

// CanDelete reports whether label may be removed: no other backup may
// reference it as a parent unless force is set.
func (r *Repository) CanDelete(label string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	children, err := r.Children(label)
	if err != nil {
		return false, err
	}
	return len(children) == 0, nil
}

// Delete removes label's directory. If force is true and descendants
// exist, their backup.info is marked valid=false all the way down the
// chain (invalidation is transitive, per the invariant in §4: breaking
// a link anywhere invalidates everything that depends on it).
func (r *Repository) Delete(label string, force bool) error {
	ok, err := r.CanDelete(label, force)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.KindActiveConflict, "catalog.delete", fmt.Errorf("backup %s has children", label))
	}
	if force {
		all, _, err := r.LoadAll()
		if err != nil {
			return err
		}
		for _, child := range descendantsOf(label, all) {
			child.Valid = false
			if err := WriteInfo(filepath.Join(r.LabelDir(child.Label), InfoFileName), child); err != nil {
				return err
			}
		}
	}
	return os.RemoveAll(r.LabelDir(label))
}

// descendantsOf walks entries breadth-first from label's direct children
// down through every generation that chains off it via ParentLabel.
func descendantsOf(label string, entries []*Entry) []*Entry {
	byParent := make(map[string][]*Entry, len(entries))
	for _, e := range entries {
		byParent[e.ParentLabel] = append(byParent[e.ParentLabel], e)
	}
	var descendants []*Entry
	queue := byParent[label]
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		descendants = append(descendants, e)
		queue = append(queue, byParent[e.Label]...)
	}
	return descendants
}
