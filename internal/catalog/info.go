package catalog

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// InfoFileName is the canonical backup.info basename inside a label
// directory.
const InfoFileName = "backup.info"

// WriteInfo serializes e as line-delimited KEY=VALUE pairs, the format
// backup.info uses per §6.
func WriteInfo(path string, e *Entry) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("catalog: create backup.info: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	kv := func(key, value string) {
		fmt.Fprintf(w, "%s=%s\n", key, value)
	}
	kv("label", e.Label)
	kv("parent_label", e.ParentLabel)
	kv("type", string(e.Type))
	kv("wal", e.WAL)
	kv("start_lsn", formatLSN(e.StartLSN))
	kv("end_lsn", formatLSN(e.EndLSN))
	kv("checkpoint_lsn", formatLSN(e.CheckpointLSN))
	kv("start_timeline", strconv.FormatUint(uint64(e.StartTimeline), 10))
	kv("end_timeline", strconv.FormatUint(uint64(e.EndTimeline), 10))
	kv("major_version", strconv.Itoa(e.MajorVersion))
	kv("minor_version", strconv.Itoa(e.MinorVersion))
	kv("valid", strconv.FormatBool(e.Valid))
	kv("keep", strconv.FormatBool(e.Keep))
	kv("compression", e.Compression)
	kv("encryption", e.Encryption)
	kv("backup_size", strconv.FormatInt(e.BackupSize, 10))
	kv("restore_size", strconv.FormatInt(e.RestoreSize, 10))
	kv("biggest_file_size", strconv.FormatInt(e.BiggestFileSize, 10))
	kv("basebackup_elapsed", strconv.FormatFloat(e.BasebackupElapsedSeconds, 'f', 3, 64))
	kv("link_elapsed", strconv.FormatFloat(e.LinkElapsedSeconds, 'f', 3, 64))
	kv("hash_elapsed", strconv.FormatFloat(e.HashElapsedSeconds, 'f', 3, 64))
	kv("remote_elapsed", strconv.FormatFloat(e.RemoteElapsedSeconds, 'f', 3, 64))
	for _, c := range e.Comments {
		kv("comments", c)
	}
	return w.Flush()
}

// ReadInfo parses a backup.info file into an Entry. Unknown keys are
// ignored so future fields don't break older readers; malformed lines
// abort the parse (retention treats that as "cannot parse, skip").
func ReadInfo(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open backup.info: %w", err)
	}
	defer f.Close()

	e := &Entry{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, fmt.Errorf("catalog: malformed backup.info line %q", line)
		}
		key, value := line[:idx], line[idx+1:]
		if err := assignInfoField(e, key, value); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return e, nil
}

func assignInfoField(e *Entry, key, value string) error {
	var err error
	switch key {
	case "label":
		e.Label = value
	case "parent_label":
		e.ParentLabel = value
	case "type":
		e.Type = Type(value)
	case "wal":
		e.WAL = value
	case "start_lsn":
		e.StartLSN, err = parseLSN(value)
	case "end_lsn":
		e.EndLSN, err = parseLSN(value)
	case "checkpoint_lsn":
		e.CheckpointLSN, err = parseLSN(value)
	case "start_timeline":
		e.StartTimeline, err = parseUint32(value)
	case "end_timeline":
		e.EndTimeline, err = parseUint32(value)
	case "major_version":
		e.MajorVersion, err = strconv.Atoi(value)
	case "minor_version":
		e.MinorVersion, err = strconv.Atoi(value)
	case "valid":
		e.Valid, err = strconv.ParseBool(value)
	case "keep":
		e.Keep, err = strconv.ParseBool(value)
	case "compression":
		e.Compression = value
	case "encryption":
		e.Encryption = value
	case "backup_size":
		e.BackupSize, err = strconv.ParseInt(value, 10, 64)
	case "restore_size":
		e.RestoreSize, err = strconv.ParseInt(value, 10, 64)
	case "biggest_file_size":
		e.BiggestFileSize, err = strconv.ParseInt(value, 10, 64)
	case "basebackup_elapsed":
		e.BasebackupElapsedSeconds, err = strconv.ParseFloat(value, 64)
	case "link_elapsed":
		e.LinkElapsedSeconds, err = strconv.ParseFloat(value, 64)
	case "hash_elapsed":
		e.HashElapsedSeconds, err = strconv.ParseFloat(value, 64)
	case "remote_elapsed":
		e.RemoteElapsedSeconds, err = strconv.ParseFloat(value, 64)
	case "comments":
		e.Comments = append(e.Comments, value)
	default:
		// forward-compatible: unknown keys are ignored
	}
	if err != nil {
		return fmt.Errorf("catalog: field %s=%q: %w", key, value, err)
	}
	return nil
}

func formatLSN(lsn uint64) string {
	return fmt.Sprintf("%X/%X", lsn>>32, lsn&0xFFFFFFFF)
}

func parseLSN(s string) (uint64, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("invalid LSN %q", s)
	}
	hiVal, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, err
	}
	loVal, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, err
	}
	return hiVal<<32 | loVal, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
