package walsummary

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// wireRel and wireBRT are the JSON-on-disk forms of BRT, keeping the
// in-memory map-keyed representation out of the file format.
type wireRel struct {
	Tablespace uint32   `json:"tablespace"`
	Database   uint32   `json:"database"`
	RelFile    uint32   `json:"rel_file"`
	Fork       uint8    `json:"fork"`
	Blocks     []uint32 `json:"blocks"`
	Limit      uint32   `json:"limit"`
	HasLimit   bool     `json:"has_limit"`
}

type wireBRT struct {
	StartLSN uint64    `json:"start_lsn"`
	EndLSN   uint64    `json:"end_lsn"`
	Rels     []wireRel `json:"rels"`
}

func (t *BRT) toWire() wireBRT {
	w := wireBRT{StartLSN: t.StartLSN, EndLSN: t.EndLSN}
	for k, e := range t.Rels {
		w.Rels = append(w.Rels, wireRel{
			Tablespace: k.Tablespace,
			Database:   k.Database,
			RelFile:    k.RelFile,
			Fork:       k.Fork,
			Blocks:     e.SortedBlocks(),
			Limit:      e.Limit,
			HasLimit:   e.HasLimit,
		})
	}
	return w
}

func fromWire(w wireBRT) *BRT {
	t := newBRT(w.StartLSN, w.EndLSN)
	for _, r := range w.Rels {
		k := RelKey{Tablespace: r.Tablespace, Database: r.Database, RelFile: r.RelFile, Fork: r.Fork}
		e := newRelEntry()
		for _, b := range r.Blocks {
			e.Blocks[b] = struct{}{}
		}
		e.Limit = r.Limit
		e.HasLimit = r.HasLimit
		t.Rels[k] = e
	}
	return t
}

// FileName returns the summary's canonical on-disk name, "<start>-<end>",
// in hex LSN form per §4.4.
func FileName(start, end uint64) string {
	return fmt.Sprintf("%016X-%016X", start, end)
}

// WriteAtomic serializes t to dir/<start>-<end> by first writing to a
// ".partial" sibling and renaming it into place, so a reader never
// observes a half-written summary.
func WriteAtomic(dir string, t *BRT) error {
	final := filepath.Join(dir, FileName(t.StartLSN, t.EndLSN))
	partial := final + ".partial"

	data, err := json.Marshal(t.toWire())
	if err != nil {
		return fmt.Errorf("walsummary: marshal: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("walsummary: mkdir: %w", err)
	}
	if err := os.WriteFile(partial, data, 0o600); err != nil {
		return fmt.Errorf("walsummary: write partial: %w", err)
	}
	if err := os.Rename(partial, final); err != nil {
		return fmt.Errorf("walsummary: rename into place: %w", err)
	}
	return nil
}

// Read loads a previously written summary file.
func Read(path string) (*BRT, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("walsummary: read: %w", err)
	}
	var w wireBRT
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("walsummary: unmarshal: %w", err)
	}
	return fromWire(w), nil
}
