package docsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/alexjbarnes/paper-sync/internal/device"
)

//go:generate mockgen -source=execute.go -destination=mock_remote_test.go -package=docsync

// Remote is the part of the device client the sync engine needs.
// *device.Client satisfies it.
type Remote interface {
	ListAll(ctx context.Context) ([]device.Entry, error)
	Upload(ctx context.Context, r io.Reader, remotePath string) error
	Download(ctx context.Context, remotePath string) ([]byte, error)
	DeleteDocument(ctx context.Context, remotePath string) error
	IsFolder(ctx context.Context, remotePath string) (bool, error)
}

// Outcome is the result of applying one action. Err is nil on success.
type Outcome struct {
	Action Action
	Err    error
}

// Failure records an action that could not be completed.
type Failure struct {
	Key    Key    `json:"key"`
	Reason string `json:"reason"`
}

// SyncReport tallies the outcomes of an executed plan. Failed actions
// count as neither done nor skipped.
type SyncReport struct {
	Mode       Mode          `json:"mode"`
	Uploaded   int           `json:"uploaded"`
	Downloaded int           `json:"downloaded"`
	Deleted    int           `json:"deleted"`
	Skipped    int           `json:"skipped"`
	Total      int           `json:"total"`
	Failures   []Failure     `json:"failures"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"-"`
}

// Executor applies a plan against the device and a local folder.
type Executor struct {
	remote Remote
	local  *LocalDir
	mapper PathMapper
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(remote Remote, local *LocalDir, mapper PathMapper, logger *slog.Logger) *Executor {
	return &Executor{
		remote: remote,
		local:  local,
		mapper: mapper,
		logger: logger,
	}
}

// Execute applies every action in order. A failed action is recorded
// in the report and execution moves on to the next one; ctx is passed
// to device calls but is not checked between actions.
func (e *Executor) Execute(ctx context.Context, plan Plan) SyncReport {
	report := SyncReport{
		Total:     plan.Keys(),
		Failures:  []Failure{},
		StartedAt: time.Now(),
	}

	for _, a := range plan {
		// Local files are never overwritten, including ones the scan
		// does not see.
		if a.Type == ActionDownload && e.local.Exists(string(a.Key)) {
			e.logger.Debug("skipped (exists locally)", slog.String("key", string(a.Key)))
			report.Skipped++

			continue
		}

		out := e.apply(ctx, a)
		if out.Err != nil {
			e.logger.Warn("sync action failed",
				slog.String("action", string(a.Type)),
				slog.String("key", string(a.Key)),
				slog.String("error", out.Err.Error()),
			)

			report.Failures = append(report.Failures, Failure{Key: a.Key, Reason: out.Err.Error()})

			continue
		}

		switch a.Type {
		case ActionUpload:
			report.Uploaded++
		case ActionDownload:
			report.Downloaded++
		case ActionDeleteRemote, ActionDeleteLocal:
			report.Deleted++
		case ActionSkip:
			report.Skipped++
		}
	}

	report.Duration = time.Since(report.StartedAt)

	return report
}

// apply performs the I/O for a single action.
func (e *Executor) apply(ctx context.Context, a Action) Outcome {
	var err error

	switch a.Type {
	case ActionUpload:
		err = e.upload(ctx, a)
	case ActionDownload:
		err = e.download(ctx, a)
	case ActionDeleteRemote:
		err = e.deleteRemote(ctx, a)
	case ActionDeleteLocal:
		err = e.deleteLocal(a)
	case ActionSkip:
		e.logger.Debug("skipped (exists)", slog.String("key", string(a.Key)))
	default:
		err = fmt.Errorf("unknown action type %q", a.Type)
	}

	return Outcome{Action: a, Err: err}
}

// remotePath is the device path an action targets. The listed path is
// preferred so documents outside the root are addressed correctly.
func (e *Executor) remotePath(a Action) string {
	if a.Remote != nil {
		return a.Remote.Path
	}

	return e.mapper.ToRemote(a.Key)
}

func (e *Executor) upload(ctx context.Context, a Action) error {
	var (
		data []byte
		err  error
	)

	// The scanned path is used when available: on disk the name may be in
	// a different Unicode normalization form than the key.
	if a.Local != nil {
		data, err = os.ReadFile(a.Local.Path)
	} else {
		data, err = e.local.ReadFile(string(a.Key))
	}

	if err != nil {
		return fmt.Errorf("reading local file: %w", err)
	}

	remotePath := e.mapper.ToRemote(a.Key)
	if err := e.remote.Upload(ctx, bytes.NewReader(data), remotePath); err != nil {
		return err
	}

	e.logger.Info("uploaded",
		slog.String("key", string(a.Key)),
		slog.String("size", humanize.Bytes(uint64(len(data)))),
	)

	return nil
}

func (e *Executor) download(ctx context.Context, a Action) error {
	data, err := e.remote.Download(ctx, e.remotePath(a))
	if err != nil {
		return err
	}

	var mtime time.Time
	if a.Remote != nil {
		mtime = a.Remote.Modified
	}

	if err := e.local.WriteFile(string(a.Key), data, mtime); err != nil {
		return err
	}

	e.logger.Info("downloaded",
		slog.String("key", string(a.Key)),
		slog.String("size", humanize.Bytes(uint64(len(data)))),
	)

	return nil
}

func (e *Executor) deleteRemote(ctx context.Context, a Action) error {
	if err := e.remote.DeleteDocument(ctx, e.remotePath(a)); err != nil {
		return err
	}

	e.logger.Info("deleted from device", slog.String("key", string(a.Key)))

	return nil
}

func (e *Executor) deleteLocal(a Action) error {
	if a.Local != nil {
		if err := os.Remove(a.Local.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", a.Key, err)
		}
	} else if err := e.local.DeleteFile(string(a.Key)); err != nil {
		return err
	}

	e.logger.Info("deleted locally", slog.String("key", string(a.Key)))

	return nil
}
