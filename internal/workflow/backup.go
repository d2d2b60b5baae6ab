package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vbp1/pgbackup/internal/catalog"
	"github.com/vbp1/pgbackup/internal/dedup"
	"github.com/vbp1/pgbackup/internal/errs"
	"github.com/vbp1/pgbackup/internal/pipeline"
	"github.com/vbp1/pgbackup/internal/ratelimit"
	"github.com/vbp1/pgbackup/internal/remote"
	"github.com/vbp1/pgbackup/internal/replication"
	"github.com/vbp1/pgbackup/internal/util/disk"
	"github.com/vbp1/pgbackup/internal/util/fs"
)

// minFreeBytesFloor is the baseline free-space requirement checked on the
// repository's server directory before a backup starts; it catches a
// full-disk condition early rather than failing partway through a
// multi-gigabyte base backup.
const minFreeBytesFloor = 64 * 1024 * 1024

// BackupParams configures one backup or incremental_backup chain run.
type BackupParams struct {
	Repo         *catalog.Repository
	Label        string
	ParentLabel  string // non-empty for incremental_backup
	MajorVersion int

	Conn *replication.ReplConn

	Compression pipeline.Method
	Encryption  pipeline.Cipher
	MasterKey   []byte

	Workers    int
	IOBucket   *ratelimit.Bucket
	NetBucket  *ratelimit.Bucket
	Drivers    []remote.Driver // non-nil entries are executed in order: ssh, s3, azure
	HotStandby string          // non-empty enables the hot-standby refresh stage
}

const (
	stLabel       = "label"
	stDestDir     = "dest_dir"
	stJobs        = "jobs"
	stEntry       = "entry"
	stStart       = "start_time"
	stParams      = "params"
	stStartLSN    = "start_lsn"
	stEndLSN      = "end_lsn"
	stCheckpoint  = "checkpoint_lsn"
	stStartTL     = "start_timeline"
	stEndTL       = "end_timeline"
)

// NewBackupChain builds the `backup` (or, with ParentLabel set,
// `incremental_backup`) stage chain: disk-space → basebackup → manifest →
// local store → hot-standby refresh (only when HotStandby is set) →
// compress → encrypt → link → permissions → one remote stage per Drivers
// entry. No stage copies directories from outside the data tree.
func NewBackupChain(p BackupParams) *Chain {
	stages := []Stage{
		diskSpaceStage(),
		basebackupStage(),
		manifestStage(),
		localStoreStage(),
	}
	if p.HotStandby != "" {
		stages = append(stages, hotStandbyStage())
	}
	stages = append(stages,
		compressStage(),
		encryptStage(),
		linkStage(),
		permissionsStage(),
	)
	for i, drv := range p.Drivers {
		stages = append(stages, remoteStage(fmt.Sprintf("remote-%d", i), drv))
	}

	// Run receives its State from the caller, so the first stage's setup
	// seeds it with the parameters every later stage reads.
	first := stages[0].Setup
	stages[0].Setup = func(ctx context.Context, st *State) error {
		st.Set(stParams, p)
		st.Set(stLabel, p.Label)
		st.Set(stStart, time.Now())
		return first(ctx, st)
	}

	name := "backup"
	if p.ParentLabel != "" {
		name = "incremental_backup"
	}
	c := &Chain{Name: name, Stages: stages}
	return c
}

func params(st *State) BackupParams {
	v, _ := st.Get(stParams)
	return v.(BackupParams)
}

// diskSpaceStage fails fast with a no_space condition instead of letting a
// multi-gigabyte streaming base backup run the repository's filesystem out
// of room partway through.
func diskSpaceStage() Stage {
	return Stage{
		Name: "disk-space",
		Setup: func(ctx context.Context, st *State) error {
			p := params(st)
			if err := disk.EnsureSpace(map[string]uint64{p.Repo.ServerDir: minFreeBytesFloor}); err != nil {
				return errs.New(errs.KindNoSpace, "disk-space", err)
			}
			return nil
		},
	}
}

// basebackupStage issues BASE_BACKUP and streams the server's tar/manifest
// response into the label's dest dir, per §4.2/§4.11.
func basebackupStage() Stage {
	return Stage{
		Name: "basebackup",
		Setup: func(ctx context.Context, st *State) error {
			p := params(st)
			dest := p.Repo.LabelDir(p.Label)
			if err := fs.MkdirP(filepath.Join(dest, "data")); err != nil {
				return err
			}
			st.Set(stDestDir, dest)
			return nil
		},
		Execute: func(ctx context.Context, st *State) error {
			p := params(st)
			dest, _ := st.Get(stDestDir)

			opts := replication.BaseBackupOptions{
				Label:            p.Label,
				Incremental:      p.ParentLabel != "",
				ManifestChecksum: "sha256",
				WAL:              p.ParentLabel == "",
			}
			if err := p.Conn.StartBaseBackup(ctx, opts); err != nil {
				return err
			}
			if err := p.Conn.ReceiveBaseBackup(ctx, filepath.Join(dest.(string), "data"), p.MajorVersion); err != nil {
				return err
			}
			return nil
		},
	}
}

// manifestStage validates the manifest the server streamed down against
// its embedded checksum, failing the chain on mismatch.
func manifestStage() Stage {
	return Stage{
		Name: "manifest",
		Execute: func(ctx context.Context, st *State) error {
			dest, _ := st.Get(stDestDir)
			path := filepath.Join(dest.(string), "data", catalog.ManifestFileName)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return nil
			}
			m, err := catalog.ReadManifest(path)
			if err != nil {
				return err
			}
			ok, err := catalog.VerifyChecksum(m)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("manifest checksum mismatch for %s", path)
			}
			return nil
		},
	}
}

// localStoreStage walks the received data tree into pipeline jobs.
func localStoreStage() Stage {
	return Stage{
		Name: "local-store",
		Execute: func(ctx context.Context, st *State) error {
			dest, _ := st.Get(stDestDir)
			dataDir := filepath.Join(dest.(string), "data")

			var jobs []*pipeline.Job
			err := filepath.Walk(dataDir, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if info.IsDir() {
					return nil
				}
				rel, err := filepath.Rel(dataDir, path)
				if err != nil {
					return err
				}
				if pipeline.Excluded(rel) {
					return nil
				}
				jobs = append(jobs, &pipeline.Job{
					SourcePath:   path,
					RelPath:      rel,
					OriginalSize: info.Size(),
				})
				return nil
			})
			if err != nil {
				return err
			}
			st.Set(stJobs, jobs)
			return nil
		},
	}
}

// hotStandbyStage refreshes an optional materialized replica directory
// by re-linking the just-stored data tree into it.
func hotStandbyStage() Stage {
	return Stage{
		Name: "hot-standby-refresh",
		Execute: func(ctx context.Context, st *State) error {
			p := params(st)
			dest, _ := st.Get(stDestDir)
			dataDir := filepath.Join(dest.(string), "data")
			return filepath.Walk(dataDir, func(path string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() {
					return err
				}
				rel, err := filepath.Rel(dataDir, path)
				if err != nil {
					return err
				}
				target := filepath.Join(p.HotStandby, rel)
				if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
					return err
				}
				_ = os.Remove(target)
				return os.Link(path, target)
			})
		},
	}
}

func compressStage() Stage {
	return Stage{
		Name: "compress",
		Execute: func(ctx context.Context, st *State) error {
			p := params(st)
			if p.Compression == "" || p.Compression == pipeline.MethodNone {
				return nil
			}
			jobsV, _ := st.Get(stJobs)
			stage := pipeline.CompressStage(p.Compression, p.IOBucket)
			for _, job := range jobsV.([]*pipeline.Job) {
				if err := stage(ctx, job); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func encryptStage() Stage {
	return Stage{
		Name: "encrypt",
		Execute: func(ctx context.Context, st *State) error {
			p := params(st)
			if p.Encryption == "" || p.Encryption == pipeline.CipherNone {
				return nil
			}
			jobsV, _ := st.Get(stJobs)
			stage := pipeline.EncryptStage(p.Encryption, p.MasterKey, p.IOBucket)
			for _, job := range jobsV.([]*pipeline.Job) {
				if err := stage(ctx, job); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// linkStage hashes every stored file and hard-link-dedups it against the
// parent backup's data tree when one exists.
func linkStage() Stage {
	return Stage{
		Name: "link",
		Execute: func(ctx context.Context, st *State) error {
			p := params(st)
			jobsV, _ := st.Get(stJobs)
			jobs := jobsV.([]*pipeline.Job)

			for _, job := range jobs {
				if err := pipeline.HashStage(ctx, job); err != nil {
					return err
				}
			}

			dest, _ := st.Get(stDestDir)
			sumsPath := filepath.Join(dest.(string), catalog.SHA512FileName)
			if err := pipeline.WriteSHA512Sums(sumsPath, jobs); err != nil {
				return err
			}

			if p.ParentLabel == "" {
				return nil
			}
			parentDir := filepath.Join(p.Repo.LabelDir(p.ParentLabel), "data")
			newDir := filepath.Join(dest.(string), "data")

			var newFiles []dedup.FileEntry
			for _, job := range jobs {
				newFiles = append(newFiles, dedup.FileEntry{RelPath: job.RelPath, Hash: job.SHA512Hex})
			}
			parentSums, err := catalog.ReadSHA512Sums(filepath.Join(p.Repo.LabelDir(p.ParentLabel), catalog.SHA512FileName))
			if err != nil {
				return nil // no parent checksum file: nothing to dedup against
			}
			var prevFiles []dedup.FileEntry
			for rel, hash := range parentSums {
				prevFiles = append(prevFiles, dedup.FileEntry{RelPath: rel, Hash: hash})
			}
			_, err = dedup.Link(parentDir, newDir, prevFiles, newFiles)
			return err
		},
	}
}

func permissionsStage() Stage {
	return Stage{
		Name: "permissions",
		Execute: func(ctx context.Context, st *State) error {
			dest, _ := st.Get(stDestDir)
			return filepath.Walk(dest.(string), func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if info.Mode()&os.ModeSymlink != 0 {
					return nil
				}
				if info.IsDir() {
					return os.Chmod(path, 0o700)
				}
				return os.Chmod(path, 0o600)
			})
		},
	}
}

// remoteStage uploads the stored data tree via one configured Driver.
func remoteStage(name string, drv remote.Driver) Stage {
	return Stage{
		Name: name,
		Setup: func(ctx context.Context, st *State) error {
			return drv.Setup(ctx)
		},
		Execute: func(ctx context.Context, st *State) error {
			dest, _ := st.Get(stDestDir)
			dataDir := filepath.Join(dest.(string), "data")

			var files []remote.File
			err := filepath.Walk(dataDir, func(path string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() {
					return err
				}
				rel, rerr := filepath.Rel(dataDir, path)
				if rerr != nil {
					return rerr
				}
				files = append(files, remote.File{LocalPath: path, RelPath: filepath.Join("data", rel), Size: info.Size()})
				return nil
			})
			if err != nil {
				return err
			}
			return drv.Execute(ctx, files)
		},
		Teardown: func(ctx context.Context, st *State) error {
			return drv.Teardown(ctx)
		},
	}
}
