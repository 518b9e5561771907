package docsync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/alexjbarnes/paper-sync/internal/config"
	"github.com/alexjbarnes/paper-sync/internal/device"
	apperrors "github.com/alexjbarnes/paper-sync/internal/errors"
	"github.com/alexjbarnes/paper-sync/internal/models"
)

// Source hands out exclusive access to the device.
type Source interface {
	Connected() bool
	Acquire(ctx context.Context) (Remote, func(), error)
}

type sessionSource struct {
	session *device.Session
}

// SessionSource adapts a device session into a Source.
func SessionSource(s *device.Session) Source {
	return sessionSource{session: s}
}

func (s sessionSource) Connected() bool { return s.session.Connected() }

func (s sessionSource) Acquire(ctx context.Context) (Remote, func(), error) {
	client, release, err := s.session.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	return client, release, nil
}

// HistoryRecorder persists completed syncs.
type HistoryRecorder interface {
	RecordSyncRun(run models.SyncRun) (models.SyncRun, error)
}

// Syncer runs the three sync operations: download-all, upload-all and
// mirror. Each call scans, lists, plans and executes from scratch.
type Syncer struct {
	source  Source
	mapper  PathMapper
	filter  Filter
	history HistoryRecorder
	logger  *slog.Logger
}

// NewSyncer creates a Syncer. history may be nil.
func NewSyncer(source Source, mapper PathMapper, pattern string, history HistoryRecorder, logger *slog.Logger) (*Syncer, error) {
	filter, err := NewFilter(pattern)
	if err != nil {
		return nil, err
	}

	return &Syncer{
		source:  source,
		mapper:  mapper,
		filter:  filter,
		history: history,
		logger:  logger,
	}, nil
}

// DownloadAll copies every device document missing from localFolder,
// creating the folder if needed.
func (s *Syncer) DownloadAll(ctx context.Context, localFolder string) (SyncReport, error) {
	return s.Run(ctx, ModeDownloadAll, localFolder)
}

// UploadAll copies every local file missing on the device.
func (s *Syncer) UploadAll(ctx context.Context, localFolder string) (SyncReport, error) {
	return s.Run(ctx, ModeUploadAll, localFolder)
}

// Mirror makes the device match localFolder.
func (s *Syncer) Mirror(ctx context.Context, localFolder string) (SyncReport, error) {
	return s.Run(ctx, ModeMirror, localFolder)
}

// Run performs one sync. Errors are returned only for failed
// preconditions and a failed device listing; individual transfer
// failures are reported in SyncReport.Failures.
func (s *Syncer) Run(ctx context.Context, mode Mode, localFolder string) (SyncReport, error) {
	root, err := s.checkPreconditions(mode, localFolder)
	if err != nil {
		return SyncReport{}, err
	}

	var dir *LocalDir
	if mode == ModeDownloadAll {
		dir, err = CreateLocalDir(root)
	} else {
		// An absent folder must not read as an empty one: mirroring it
		// would delete every document on the device.
		dir, err = OpenLocalDir(root)
	}

	if err != nil {
		return SyncReport{}, err
	}

	remote, release, err := s.source.Acquire(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	defer release()

	// Once started, a sync runs to the end of its plan.
	ctx = context.WithoutCancel(ctx)

	plan, err := s.plan(ctx, remote, mode, dir.Dir())
	if err != nil {
		return SyncReport{}, err
	}

	s.logger.Info("sync started",
		slog.String("mode", string(mode)),
		slog.String("local_folder", dir.Dir()),
		slog.Int("actions", len(plan)),
	)

	report := NewExecutor(remote, dir, s.mapper, s.logger).Execute(ctx, plan)
	report.Mode = mode

	s.logger.Info("sync complete",
		slog.String("mode", string(mode)),
		slog.Int("uploaded", report.Uploaded),
		slog.Int("downloaded", report.Downloaded),
		slog.Int("deleted", report.Deleted),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", len(report.Failures)),
		slog.Duration("duration", report.Duration),
	)

	s.record(report, dir.Dir())

	return report, nil
}

// Plan computes the actions Run would take without executing them.
func (s *Syncer) Plan(ctx context.Context, mode Mode, localFolder string) (Plan, error) {
	root, err := s.checkPreconditions(mode, localFolder)
	if err != nil {
		return nil, err
	}

	if mode != ModeDownloadAll {
		if _, err := OpenLocalDir(root); err != nil {
			return nil, err
		}
	}

	remote, release, err := s.source.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return s.plan(ctx, remote, mode, root)
}

// checkPreconditions validates the request before any I/O and returns
// the absolute local folder. The device check comes first.
func (s *Syncer) checkPreconditions(mode Mode, localFolder string) (string, error) {
	if !s.source.Connected() {
		return "", apperrors.ErrDeviceNotConnected
	}

	if localFolder == "" {
		return "", apperrors.ErrLocalFolderRequired
	}

	if _, err := ParseMode(string(mode)); err != nil {
		return "", err
	}

	root, err := filepath.Abs(config.ExpandHome(localFolder))
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", localFolder, err)
	}

	return root, nil
}

func (s *Syncer) plan(ctx context.Context, remote Remote, mode Mode, root string) (Plan, error) {
	remoteInv, err := ListRemote(ctx, remote, s.mapper, s.logger)
	if err != nil {
		return nil, err
	}

	localInv, err := ScanLocal(root, s.filter.Pattern(), s.logger)
	if err != nil {
		return nil, err
	}

	return Reconcile(localInv, s.selectRemote(remoteInv, mode), mode), nil
}

// selectRemote drops device documents that are outside the sync set, so
// they are neither skipped nor deleted. The pattern applies in every
// mode. When the local folder is the source, documents outside the root
// collection and hidden keys are dropped too: the local scan can never
// produce a matching key for them.
func (s *Syncer) selectRemote(inv RemoteInventory, mode Mode) RemoteInventory {
	selected := make(RemoteInventory, len(inv))

	for key, e := range inv {
		if !s.filter.Match(key) {
			continue
		}

		if mode != ModeDownloadAll && (!s.mapper.Contains(e.Path) || hiddenKey(key)) {
			continue
		}

		selected[key] = e
	}

	return selected
}

func (s *Syncer) record(report SyncReport, localFolder string) {
	if s.history == nil {
		return
	}

	run := models.SyncRun{
		Mode:        string(report.Mode),
		LocalFolder: localFolder,
		StartedAt:   report.StartedAt,
		DurationMs:  report.Duration.Milliseconds(),
		Uploaded:    report.Uploaded,
		Downloaded:  report.Downloaded,
		Deleted:     report.Deleted,
		Skipped:     report.Skipped,
		Total:       report.Total,
		Failures:    make([]models.SyncFailure, 0, len(report.Failures)),
	}

	for _, f := range report.Failures {
		run.Failures = append(run.Failures, models.SyncFailure{Key: string(f.Key), Reason: f.Reason})
	}

	if _, err := s.history.RecordSyncRun(run); err != nil {
		s.logger.Warn("recording sync history failed", slog.String("error", err.Error()))
	}
}
