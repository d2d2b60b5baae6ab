// Package daemon wires the configuration loader, per-server contexts,
// admin socket, metrics exporter and retention scheduler together into
// the long-running pgbackupd process, generalizing the teacher's clone
// orchestrator (one struct holding every external resource, a single
// Run entry point, a Close that releases everything) from a one-shot
// CLI invocation into a supervisor that serves the admin channel for
// the life of the process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/vbp1/pgbackup/internal/admin"
	"github.com/vbp1/pgbackup/internal/catalog"
	"github.com/vbp1/pgbackup/internal/config"
	"github.com/vbp1/pgbackup/internal/errs"
	"github.com/vbp1/pgbackup/internal/lock"
	"github.com/vbp1/pgbackup/internal/log"
	"github.com/vbp1/pgbackup/internal/metrics"
	"github.com/vbp1/pgbackup/internal/pipeline"
	"github.com/vbp1/pgbackup/internal/ratelimit"
	"github.com/vbp1/pgbackup/internal/remote"
	"github.com/vbp1/pgbackup/internal/remote/azuredrv"
	"github.com/vbp1/pgbackup/internal/remote/s3drv"
	"github.com/vbp1/pgbackup/internal/remote/sshdrv"
	"github.com/vbp1/pgbackup/internal/replication"
	"github.com/vbp1/pgbackup/internal/retention"
	"github.com/vbp1/pgbackup/internal/server"
	"github.com/vbp1/pgbackup/internal/walcapture"
	"github.com/vbp1/pgbackup/internal/workflow"

	"github.com/prometheus/client_golang/prometheus"
)

// Supervisor is the single event loop described in §5: it owns one
// server.Context per configured source, the admin socket, the metrics
// exporter and the retention scheduler.
type Supervisor struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Registry
	promReg *prometheus.Registry

	servers map[string]*serverState

	adminServer   *admin.Server
	metricsServer *metrics.Server
	scheduler     *retention.Scheduler

	wg sync.WaitGroup
}

type serverState struct {
	ctx        *server.Context
	repo       *catalog.Repository
	lock       *lock.FileLock
	remoteName string
}

// New builds a Supervisor from a loaded configuration.
func New(cfg *config.Config) *Supervisor {
	logger := log.Setup(cfg.Logging.Debug, cfg.Logging.Verbose)
	promReg := prometheus.NewRegistry()

	s := &Supervisor{
		cfg:     cfg,
		logger:  logger,
		promReg: promReg,
		metrics: metrics.NewRegistry(promReg),
		servers: make(map[string]*serverState),
	}

	for id, srvCfg := range cfg.Servers {
		sctx := server.NewContext(&server.Server{
			ID:            id,
			Host:          srvCfg.Host,
			Port:          srvCfg.Port,
			User:          srvCfg.User,
			Password:      srvCfg.Password,
			Database:      srvCfg.Database,
			WALSlot:       srvCfg.WALSlot,
			BackupBaseDir: srvCfg.BackupBaseDir,
			WALDir:        srvCfg.WALDir,
			SummaryDir:    srvCfg.SummaryDir,
			Workers:       srvCfg.Workers,
			Compression:   srvCfg.Compression,
			Encryption:    srvCfg.Encryption,
			EncCipher:     srvCfg.EncCipher,
			Retention: server.RetentionPolicy{
				Days:   srvCfg.Retention.Days,
				Weeks:  srvCfg.Retention.Weeks,
				Months: srvCfg.Retention.Months,
				Years:  srvCfg.Retention.Years,
			},
		})
		sctx.NetworkBucketBytesPerSec = srvCfg.NetworkRateLimitBytes
		sctx.DiskBucketBytesPerSec = srvCfg.DiskRateLimitBytes

		s.servers[id] = &serverState{
			ctx:        sctx,
			repo:       catalog.Open(srvCfg.BackupBaseDir),
			lock:       lock.New(srvCfg.BackupBaseDir),
			remoteName: srvCfg.Remote,
		}
	}

	return s
}

// Run locks every server's repository, starts the admin socket, the
// metrics exporter and the retention scheduler, then blocks until ctx
// is cancelled, tearing everything down in reverse per §4.11's
// teardown contract.
func (s *Supervisor) Run(ctx context.Context) error {
	for id, st := range s.servers {
		ok, err := st.lock.TryLock()
		if err != nil {
			return fmt.Errorf("daemon: lock server %s: %w", id, err)
		}
		if !ok {
			return fmt.Errorf("daemon: server %s already has a running supervisor", id)
		}
	}
	defer func() {
		for _, st := range s.servers {
			_ = st.lock.Unlock()
		}
	}()

	s.adminServer = admin.New(s.cfg.Admin.SocketPath, s.dispatch, s.logger)
	if err := s.adminServer.Listen(); err != nil {
		return err
	}
	defer s.adminServer.Close()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.adminServer.Serve(ctx); err != nil {
			s.logger.Error("admin server stopped", "err", err)
		}
	}()

	if s.cfg.Metrics.Enabled {
		s.metricsServer = metrics.NewServer(s.cfg.Metrics.Listen, s.promReg)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metricsServer.ListenAndServe(); err != nil {
				s.logger.Error("metrics server stopped", "err", err)
			}
		}()
	}

	s.scheduler = retention.NewScheduler(s.logger)
	for id, srvCfg := range s.cfg.Servers {
		if srvCfg.Schedule == "" {
			continue
		}
		id, srvCfg := id, srvCfg
		err := s.scheduler.AddServer(ctx, id, srvCfg.Schedule, func(ctx context.Context) {
			s.runRetentionSweep(ctx, id)
		})
		if err != nil {
			return fmt.Errorf("daemon: schedule server %s: %w", id, err)
		}
	}
	s.scheduler.Start()

	for _, st := range s.servers {
		st.ctx.Flags.Running.Store(true)
	}

	for id, st := range s.servers {
		if st.ctx.Server.WALSlot == "" {
			continue
		}
		id, st := id, st
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runWALCapture(ctx, id, st)
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.scheduler.Stop(shutdownCtx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(shutdownCtx)
	}
	for _, st := range s.servers {
		st.ctx.Shutdown()
	}
	s.wg.Wait()
	return nil
}

func (s *Supervisor) runRetentionSweep(ctx context.Context, serverID string) {
	st, ok := s.servers[serverID]
	if !ok {
		return
	}
	policy := retention.Policy{
		Days:   st.ctx.Server.Retention.Days,
		Weeks:  st.ctx.Server.Retention.Weeks,
		Months: st.ctx.Server.Retention.Months,
		Years:  st.ctx.Server.Retention.Years,
	}
	result, err := retention.Sweep(st.repo, time.Now(), time.Local, policy, log.ForServer(s.logger, serverID))
	if err != nil {
		s.logger.Error("retention sweep failed", "server_id", serverID, "err", err)
		return
	}
	s.metrics.RetentionDeleted.WithLabelValues(serverID).Add(float64(len(result.Deleted)))
}

// walCaptureRetryDelay is how long runWALCapture waits before reconnecting
// a dropped replication stream.
const walCaptureRetryDelay = 5 * time.Second

// runWALCapture holds a physical replication slot open for the life of the
// process, reconnecting on any stream error, and sets WALStreamingActive
// for the duration of each successful connection.
func (s *Supervisor) runWALCapture(ctx context.Context, serverID string, st *serverState) {
	srv := st.ctx.Server
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.captureWALOnce(ctx, st); err != nil && ctx.Err() == nil {
			s.logger.Error("wal capture stopped, retrying", "server_id", serverID, "slot", srv.WALSlot, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(walCaptureRetryDelay):
		}
	}
}

func (s *Supervisor) captureWALOnce(ctx context.Context, st *serverState) error {
	srv := st.ctx.Server
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", url.QueryEscape(srv.User), url.QueryEscape(srv.Password), srv.Host, srv.Port, srv.Database)

	ctl, err := replication.ConnectControl(ctx, dsn, 1)
	if err != nil {
		return err
	}
	major, err := ctl.EnsureVersionSupported(ctx)
	if err != nil {
		ctl.Close()
		return err
	}
	exists, err := ctl.SlotExists(ctx, srv.WALSlot)
	if err != nil {
		ctl.Close()
		return err
	}
	ctl.Close()

	addr := fmt.Sprintf("%s:%d", srv.Host, srv.Port)
	conn, err := replication.Connect(ctx, addr, srv.User, srv.Database, srv.Password, nil, nil)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	var startLSN string
	var timeline int32
	if exists {
		is, err := conn.IdentifySystem(ctx)
		if err != nil {
			return err
		}
		startLSN, timeline = is.XLogPos, is.Timeline
	} else {
		lsn, err := conn.CreatePhysicalSlot(ctx, srv.WALSlot)
		if err != nil {
			return err
		}
		is, err := conn.IdentifySystem(ctx)
		if err != nil {
			return err
		}
		startLSN, timeline = lsn, is.Timeline
	}

	st.ctx.Flags.WALStreamingActive.Store(true)
	defer st.ctx.Flags.WALStreamingActive.Store(false)

	err = walcapture.Run(ctx, conn, walcapture.Options{
		Slot:        srv.WALSlot,
		Timeline:    timeline,
		StartLSN:    startLSN,
		ServerMajor: major,
		SegmentSize: walcapture.DefaultSegmentSize,
		WALDir:      srv.WALDir,
		SummaryDir:  srv.SummaryDir,
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// remoteDriverFor builds a remote.Driver from the named entry in the
// top-level remote config map, or nil if name is empty.
func (s *Supervisor) remoteDriverFor(name string) (remote.Driver, error) {
	if name == "" {
		return nil, nil
	}
	rcfg, ok := s.cfg.Remote[name]
	if !ok {
		return nil, fmt.Errorf("daemon: unknown remote target %q", name)
	}
	bucket := ratelimit.Unlimited()

	switch rcfg.Kind {
	case "ssh":
		return sshdrv.New(sshdrv.Config{
			User:       rcfg.User,
			Host:       rcfg.Addr,
			KeyPath:    rcfg.KeyFile,
			RemoteBase: rcfg.RemotePath,
			Workers:    4,
		}, bucket), nil
	case "s3":
		return s3drv.New(s3drv.Config{
			Bucket:    rcfg.Bucket,
			KeyPrefix: rcfg.Prefix,
			Region:    rcfg.Region,
		}, bucket), nil
	case "azure":
		return azuredrv.New(azuredrv.Config{
			Account:   rcfg.AccountName,
			Container: rcfg.Container,
			KeyB64:    rcfg.AccountKey,
			PathBase:  rcfg.Prefix,
		}, bucket), nil
	default:
		return nil, fmt.Errorf("daemon: unknown remote kind %q", rcfg.Kind)
	}
}

// dispatch is the admin.Handler: it maps one admin Request onto a
// workflow chain or a direct catalog query, per §4.13's operation list.
func (s *Supervisor) dispatch(ctx context.Context, req admin.Request) admin.Response {
	st, ok := s.servers[req.Server]
	if !ok {
		return errResponse("not_found", fmt.Sprintf("unknown server %q", req.Server))
	}

	switch req.Op {
	case admin.OpListBackups:
		labels, err := st.repo.Labels()
		if err != nil {
			return errResponse("disk_io", err.Error())
		}
		return admin.Response{OK: true, Labels: labels}

	case admin.OpStatus:
		return admin.Response{OK: true, StatusJSON: fmt.Sprintf(
			`{"repository_busy":%v,"active_backup":%v}`,
			st.ctx.Flags.RepositoryBusy.Load(), st.ctx.Flags.ActiveBackup.Load())}

	case admin.OpRetain:
		s.runRetentionSweep(ctx, req.Server)
		return admin.Response{OK: true}

	case admin.OpDelete:
		if err := st.repo.Delete(req.Label, req.Force); err != nil {
			kind := "internal"
			var ee *errs.Error
			if errors.As(err, &ee) {
				kind = ee.Kind.String()
			}
			return errResponse(kind, err.Error())
		}
		return admin.Response{OK: true}

	case admin.OpBackup, admin.OpIncrementalBackup:
		return s.runBackup(ctx, st, req)

	case admin.OpRestore:
		return s.runRestore(ctx, st, req)

	case admin.OpArchive:
		// Archive is acknowledged with an OK response; no workflow runs and
		// no files are archived.
		return admin.Response{OK: true}

	default:
		return errResponse("protocol_violation", fmt.Sprintf("unknown operation %q", req.Op))
	}
}

func (s *Supervisor) runBackup(ctx context.Context, st *serverState, req admin.Request) admin.Response {
	if !st.ctx.TryAcquireRepository() {
		return errResponse("active_conflict", "repository busy")
	}
	defer st.ctx.ReleaseRepository()
	st.ctx.Flags.ActiveBackup.Store(true)
	defer st.ctx.Flags.ActiveBackup.Store(false)

	srv := st.ctx.Server
	drv, err := s.remoteDriverFor(st.remoteName)
	if err != nil {
		return errResponse("config_invalid", err.Error())
	}
	var drivers []remote.Driver
	if drv != nil {
		drivers = append(drivers, drv)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", url.QueryEscape(srv.User), url.QueryEscape(srv.Password), srv.Host, srv.Port, srv.Database)
	ctl, err := replication.ConnectControl(ctx, dsn, 1)
	if err != nil {
		return errResponse("network_io", err.Error())
	}
	defer ctl.Close()

	major, err := ctl.EnsureVersionSupported(ctx)
	if err != nil {
		return errResponse("incompatible_version", err.Error())
	}

	addr := fmt.Sprintf("%s:%d", srv.Host, srv.Port)
	netBucket := rateBucket(st.ctx.NetworkBucketBytesPerSec)
	conn, err := replication.Connect(ctx, addr, srv.User, srv.Database, srv.Password, nil, netBucket)
	if err != nil {
		return errResponse("network_io", err.Error())
	}
	defer conn.Close(ctx)

	cipher := resolveCipher(srv.Encryption, srv.EncCipher)
	masterKey, err := loadMasterKey(srv.EncKeyFile, cipher)
	if err != nil {
		return errResponse("config_invalid", err.Error())
	}

	params := workflow.BackupParams{
		Repo:         st.repo,
		Label:        req.Label,
		ParentLabel:  req.ParentLabel,
		MajorVersion: major,
		Conn:         conn,
		Compression:  pipeline.Method(srv.Compression),
		Encryption:   cipher,
		MasterKey:    masterKey,
		Workers:      srv.Workers,
		IOBucket:     rateBucket(st.ctx.DiskBucketBytesPerSec),
		NetBucket:    netBucket,
		Drivers:      drivers,
	}

	chain := workflow.NewBackupChain(params)
	if err := chain.Run(ctx, workflow.NewState()); err != nil {
		return errResponse(stageErrorKind(err), err.Error())
	}
	return admin.Response{OK: true}
}

// loadMasterKey reads the passphrase bytes for cipher from path, or returns
// nil when the backup is unencrypted.
func loadMasterKey(path string, cipher pipeline.Cipher) ([]byte, error) {
	if cipher == pipeline.CipherNone {
		return nil, nil
	}
	if path == "" {
		return nil, fmt.Errorf("daemon: encryption %q configured without enc_key_file", cipher)
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("daemon: read enc_key_file %s: %w", path, err)
	}
	return key, nil
}

// rateBucket builds a token bucket sized to bytesPerSec, or an unlimited
// one when no limit is configured.
func rateBucket(bytesPerSec int64) *ratelimit.Bucket {
	if bytesPerSec <= 0 {
		return ratelimit.Unlimited()
	}
	return ratelimit.New(bytesPerSec, bytesPerSec)
}

func (s *Supervisor) runRestore(ctx context.Context, st *serverState, req admin.Request) admin.Response {
	srv := st.ctx.Server
	cipher := resolveCipher(srv.Encryption, srv.EncCipher)
	masterKey, err := loadMasterKey(srv.EncKeyFile, cipher)
	if err != nil {
		return errResponse("config_invalid", err.Error())
	}

	params := workflow.RestoreParams{
		Repo:         st.repo,
		Alias:        req.Label,
		MajorVersion: latestMajorVersion(st.repo),
		DestDir:      req.DestDir,
		MasterKey:    masterKey,
	}
	chain := workflow.NewRestoreChain(params)
	if err := chain.Run(ctx, workflow.NewState()); err != nil {
		return errResponse(stageErrorKind(err), err.Error())
	}
	return admin.Response{OK: true}
}

// latestMajorVersion picks the major_version of the repo's newest valid
// backup, so a time/LSN restore target resolves against the PostgreSQL
// version actually present instead of the alias resolver's zero-value
// default (which would never match any stored backup).
func latestMajorVersion(repo *catalog.Repository) int {
	entries, _, err := repo.LoadAll()
	if err != nil {
		return 0
	}
	var best *catalog.Entry
	for _, e := range entries {
		if !e.Valid {
			continue
		}
		if best == nil || e.Label > best.Label {
			best = e
		}
	}
	if best == nil {
		return 0
	}
	return best.MajorVersion
}

func errResponse(kind, msg string) admin.Response {
	return admin.Response{OK: false, ErrorKind: kind, Message: msg, ExitCode: admin.ExitCode(kind)}
}

// stageErrorKind extracts the error_kind a failed chain surfaced, falling
// back to "internal" when err isn't a *workflow.StageError.
func stageErrorKind(err error) string {
	var se *workflow.StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return "internal"
}

// resolveCipher maps the config's separate encryption/enc_cipher fields
// onto pipeline's single "aes-128-ctr"-shaped Cipher enum.
func resolveCipher(name, mode string) pipeline.Cipher {
	if name == "" || name == "none" {
		return pipeline.CipherNone
	}
	if mode == "" {
		mode = "ctr"
	}
	return pipeline.Cipher(fmt.Sprintf("%s-%s", name, mode))
}
