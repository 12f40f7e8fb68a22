package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"task-client/domain"
	"task-client/notice"
	"task-client/stream"
)

const (
	msgStarted      = "Export started"
	msgStartFailed  = "Failed to start export"
	msgCompleted    = "Export completed! You can now download your CSV."
	msgFailed       = "Export failed. Please try again."
	msgNotReady     = "Export is not ready yet"
	msgDownloaded   = "CSV downloaded successfully"
	msgDownloadFail = "Failed to download CSV"
)

// ErrNotReady is returned by Download before the current job has completed.
var ErrNotReady = errors.New("export is not ready")

var errUnsafeJobID = errors.New("job id is not usable as a file name")

// Gateway is the part of the API the exporter needs.
type Gateway interface {
	StartExport(ctx context.Context, userID string, view domain.View) (string, error)
	ExportStatus(ctx context.Context, jobID string) (domain.ExportJob, error)
	DownloadExport(ctx context.Context, jobID, userID string) (io.ReadCloser, error)
}

// Identity names the signed-in user.
type Identity interface {
	UserID() (string, error)
}

// Ticker drives status polling.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

// Options configures a Manager.
type Options struct {
	Gateway      Gateway
	Identity     Identity
	Notifier     notice.Notifier
	Logger       *log.Logger
	Fs           afero.Fs
	DownloadDir  string
	PollInterval time.Duration
	NewTicker    func(time.Duration) Ticker
}

// Manager runs at most one CSV export job at a time. Job progress arrives
// through polling and export_update events, whichever comes first.
type Manager struct {
	gw        Gateway
	identity  Identity
	notifier  notice.Notifier
	logger    *log.Logger
	fs        afero.Fs
	dir       string
	interval  time.Duration
	newTicker func(time.Duration) Ticker

	mu        sync.Mutex
	job       *domain.ExportJob
	exporting bool
	stopPoll  context.CancelFunc
	closed    bool
	wg        sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.Gateway == nil || opts.Identity == nil {
		panic("export.NewManager: gateway and identity are required")
	}
	m := &Manager{
		gw:        opts.Gateway,
		identity:  opts.Identity,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
		fs:        opts.Fs,
		dir:       opts.DownloadDir,
		interval:  opts.PollInterval,
		newTicker: opts.NewTicker,
	}
	if m.notifier == nil {
		m.notifier = notice.Discard
	}
	if m.logger == nil {
		m.logger = log.StandardLogger()
	}
	if m.fs == nil {
		m.fs = afero.NewOsFs()
	}
	if m.dir == "" {
		m.dir = "."
	}
	if m.interval <= 0 {
		m.interval = 3 * time.Second
	}
	if m.newTicker == nil {
		m.newTicker = newTimeTicker
	}
	return m
}

// Current returns the latest known state of the export job.
func (m *Manager) Current() (domain.ExportJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job == nil {
		return domain.ExportJob{}, false
	}
	return *m.job, true
}

// Exporting reports whether a job is still running.
func (m *Manager) Exporting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exporting
}

// Start requests an export of view and begins polling its status.
func (m *Manager) Start(ctx context.Context, view domain.View) (string, error) {
	uid, err := m.identity.UserID()
	if err != nil {
		notice.Errorf(m.notifier, msgStartFailed)
		return "", fmt.Errorf("start export: %w", err)
	}
	jobID, err := m.gw.StartExport(ctx, uid, view)
	if err != nil {
		m.logger.WithError(err).WithField("view", view).Error("export.start.failed")
		notice.Errorf(m.notifier, msgStartFailed)
		return "", fmt.Errorf("start export: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", errors.New("start export: manager closed")
	}
	m.stopPollingLocked()
	m.job = &domain.ExportJob{JobID: jobID, Status: domain.ExportPending}
	m.exporting = true
	pollCtx, cancel := context.WithCancel(context.Background())
	m.stopPoll = cancel
	m.wg.Add(1)
	go m.poll(pollCtx, jobID)
	m.mu.Unlock()

	m.logger.WithFields(log.Fields{"job_id": jobID, "view": view}).Info("export.started")
	notice.Successf(m.notifier, msgStarted)
	return jobID, nil
}

func (m *Manager) poll(ctx context.Context, jobID string) {
	defer m.wg.Done()
	ticker := m.newTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		job, err := m.gw.ExportStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.WithError(err).WithField("job_id", jobID).Warn("export.poll.failed")
			continue
		}
		job.JobID = jobID
		if m.apply(job) {
			return
		}
	}
}

// RegisterHandlers subscribes to export_update events on d.
func (m *Manager) RegisterHandlers(d *stream.Dispatcher) func() {
	return stream.On(d, domain.ExportUpdate, m.onExportUpdate)
}

func (m *Manager) onExportUpdate(job domain.ExportJob) error {
	if job.JobID == "" {
		return errors.New("export update without job id")
	}
	if !m.apply(job) {
		return nil
	}
	if job.Status != domain.ExportCompleted {
		return nil
	}
	// the push carries no download url
	final, err := m.gw.ExportStatus(context.Background(), job.JobID)
	if err != nil {
		m.logger.WithError(err).WithField("job_id", job.JobID).Warn("export.status.failed")
		return nil
	}
	m.mu.Lock()
	if m.job != nil && m.job.JobID == job.JobID {
		m.job.DownloadURL = final.DownloadURL
	}
	m.mu.Unlock()
	return nil
}

// apply records job if it belongs to the current export and reports whether
// it moved the export into a terminal state.
func (m *Manager) apply(job domain.ExportJob) bool {
	m.mu.Lock()
	if m.job == nil || m.job.JobID != job.JobID || m.job.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	m.job.Status = job.Status
	m.job.Error = job.Error
	if job.DownloadURL != "" {
		m.job.DownloadURL = job.DownloadURL
	}
	terminal := job.Status.Terminal()
	if terminal {
		m.exporting = false
		m.stopPollingLocked()
	}
	m.mu.Unlock()

	entry := m.logger.WithFields(log.Fields{"job_id": job.JobID, "status": job.Status})
	switch job.Status {
	case domain.ExportCompleted:
		entry.Info("export.completed")
		notice.Successf(m.notifier, msgCompleted)
	case domain.ExportFailed:
		entry.WithField("error", job.Error).Warn("export.failed")
		msg := job.Error
		if msg == "" {
			msg = msgFailed
		}
		notice.Errorf(m.notifier, "%s", msg)
	default:
		entry.Debug("export.progress")
	}
	return terminal
}

// Download saves the completed export as tasks_export_{jobId}.csv in the
// download directory and returns the file path.
func (m *Manager) Download(ctx context.Context) (string, error) {
	job, ok := m.Current()
	if !ok || job.Status != domain.ExportCompleted {
		notice.Errorf(m.notifier, msgNotReady)
		return "", ErrNotReady
	}
	path, err := m.download(ctx, job.JobID)
	if err != nil {
		m.logger.WithError(err).WithField("job_id", job.JobID).Error("export.download.failed")
		notice.Errorf(m.notifier, msgDownloadFail)
		return "", err
	}
	m.logger.WithFields(log.Fields{"job_id": job.JobID, "path": path}).Info("export.downloaded")
	notice.Successf(m.notifier, msgDownloaded)
	return path, nil
}

// fileName rejects job ids that would escape the download directory.
func fileName(jobID string) (string, error) {
	name := fmt.Sprintf("tasks_export_%s.csv", jobID)
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q", errUnsafeJobID, jobID)
	}
	return name, nil
}

func (m *Manager) download(ctx context.Context, jobID string) (string, error) {
	name, err := fileName(jobID)
	if err != nil {
		return "", err
	}
	uid, err := m.identity.UserID()
	if err != nil {
		return "", err
	}
	body, err := m.gw.DownloadExport(ctx, jobID, uid)
	if err != nil {
		return "", err
	}
	defer body.Close()

	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	path := filepath.Join(m.dir, name)
	f, err := m.fs.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		_ = m.fs.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// Close stops polling and waits for the poller to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.stopPollingLocked()
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) stopPollingLocked() {
	if m.stopPoll != nil {
		m.stopPoll()
		m.stopPoll = nil
	}
}
