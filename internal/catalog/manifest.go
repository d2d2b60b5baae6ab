package catalog

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// ManifestFileName is the canonical backup.manifest basename.
const ManifestFileName = "backup.manifest"

// ManifestFile is one entry in the manifest's Files array.
type ManifestFile struct {
	Path              string `json:"Path"`
	Size              int64  `json:"Size"`
	LastModified      string `json:"Last-Modified,omitempty"`
	ChecksumAlgorithm string `json:"Checksum-Algorithm,omitempty"`
	Checksum          string `json:"Checksum,omitempty"`
}

// WALRange is one entry in the manifest's WAL-Ranges array.
type WALRange struct {
	Timeline uint32 `json:"Timeline"`
	StartLSN string `json:"Start-LSN"`
	EndLSN   string `json:"End-LSN"`
}

// Manifest is the PostgreSQL backup manifest form named in §4.7.
type Manifest struct {
	Version          int            `json:"Version"`
	SystemIdentifier string         `json:"System-Identifier"`
	Files            []ManifestFile `json:"Files"`
	WALRanges        []WALRange     `json:"WAL-Ranges"`
	ManifestChecksum string         `json:"Manifest-Checksum"`
}

// manifestChecksum computes the manifest's self-checksum: SHA-256 of the
// indented JSON encoding of the whole manifest with its Manifest-Checksum
// field set to the empty string (the empty field is part of the hashed
// bytes).
func manifestChecksum(bodyWithoutChecksum []byte) string {
	sum := sha256.Sum256(bodyWithoutChecksum)
	return fmt.Sprintf("%x", sum)
}

// WriteManifest serializes m to path, computing and filling in
// ManifestChecksum over the rest of the document first.
func WriteManifest(path string, m *Manifest) error {
	m.ManifestChecksum = ""
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshal manifest: %w", err)
	}
	m.ManifestChecksum = manifestChecksum(body)

	final, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, final, 0o600); err != nil {
		return fmt.Errorf("catalog: write manifest: %w", err)
	}
	return nil
}

// ReadManifest parses a backup.manifest file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("catalog: unmarshal manifest: %w", err)
	}
	return &m, nil
}

// VerifyChecksum recomputes m's self-checksum and compares it to the
// stored value, detecting a manifest that was hand-edited or truncated.
func VerifyChecksum(m *Manifest) (bool, error) {
	want := m.ManifestChecksum
	m.ManifestChecksum = ""
	defer func() { m.ManifestChecksum = want }()

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return false, err
	}
	return manifestChecksum(body) == want, nil
}
