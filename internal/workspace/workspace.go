package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/dante-gpu/asset-worker/internal/errors"
	"github.com/dante-gpu/asset-worker/internal/logging"
	"github.com/dante-gpu/asset-worker/internal/models"
	"github.com/dante-gpu/asset-worker/internal/storage"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
)

// Well-known locations inside a job workspace.
const (
	ArchiveName   = "input.zip"
	InputDir      = "input"
	LidarCloud    = "input/lidar.ply"
	SegmentsDir   = "segments"
	defaultImgExt = ".png"
)

// Manager owns the workspace root and hands out one Workspace per job at a time.
type Manager struct {
	root          string
	downloader    storage.Downloader
	uploader      storage.Uploader
	minFreeDiskGB float64
	logger        *zap.Logger

	mu   sync.Mutex
	held map[string]struct{}
}

// NewManager creates the workspace root if needed.
func NewManager(root string, downloader storage.Downloader, uploader storage.Uploader, minFreeDiskGB float64, logger *zap.Logger) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{
		root:          abs,
		downloader:    downloader,
		uploader:      uploader,
		minFreeDiskGB: minFreeDiskGB,
		logger:        logger.Named("workspace"),
		held:          make(map[string]struct{}),
	}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Path returns the workspace directory of jobID. It is a pure function of the id.
func (m *Manager) Path(jobID string) string {
	return filepath.Join(m.root, jobID)
}

// Open creates the workspace of jobID and takes its lock. Callers must Release it.
// A workspace held by this process or by another live process yields WorkspaceBusyError.
func (m *Manager) Open(jobID string) (*Workspace, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return nil, apperrors.New(apperrors.KindInvalidJob, "", "", fmt.Errorf("job id %q is not a valid directory name", jobID))
	}

	m.mu.Lock()
	if _, busy := m.held[jobID]; busy {
		m.mu.Unlock()
		return nil, apperrors.New(apperrors.KindWorkspaceBusy, "", "held by a running job in this worker", apperrors.ErrWorkspaceLocked)
	}
	m.held[jobID] = struct{}{}
	m.mu.Unlock()

	dir := m.Path(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		m.unhold(jobID)
		return nil, apperrors.New(apperrors.KindAcquisition, "", "", fmt.Errorf("create workspace: %w", err))
	}

	lockPath := filepath.Join(dir, lockFileName)
	ok, holder, err := acquireFileLock(lockPath)
	if err != nil {
		m.unhold(jobID)
		return nil, apperrors.New(apperrors.KindAcquisition, "", "", err)
	}
	if !ok {
		m.unhold(jobID)
		return nil, apperrors.New(apperrors.KindWorkspaceBusy, "", "held by "+holder.String(), apperrors.ErrWorkspaceLocked)
	}

	stop := make(chan struct{})
	go refreshLock(lockPath, stop)
	return &Workspace{m: m, jobID: jobID, dir: dir, lockPath: lockPath, stopRefresh: stop}, nil
}

func (m *Manager) unhold(jobID string) {
	m.mu.Lock()
	delete(m.held, jobID)
	m.mu.Unlock()
}

// Workspace is the exclusive local directory of one job.
type Workspace struct {
	m        *Manager
	jobID    string
	dir      string
	lockPath string

	stopRefresh chan struct{}
	once        sync.Once
}

// JobID returns the owning job's id.
func (w *Workspace) JobID() string { return w.jobID }

// Dir returns the absolute workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Abs joins rel onto the workspace directory.
func (w *Workspace) Abs(rel ...string) string {
	return filepath.Join(append([]string{w.dir}, rel...)...)
}

// Exists reports whether every relative path exists under the workspace.
func (w *Workspace) Exists(rel ...string) bool {
	for _, r := range rel {
		if _, err := os.Stat(w.Abs(r)); err != nil {
			return false
		}
	}
	return true
}

// SegmentSource returns the relative path the click image of segment uid is stored at.
func SegmentSource(uid, imageURL string) string {
	ext := defaultImgExt
	if u, err := url.Parse(imageURL); err == nil {
		if e := path.Ext(u.Path); e != "" {
			ext = e
		}
	}
	return path.Join(SegmentsDir, uid, "source"+ext)
}

func (w *Workspace) checkFreeDisk() error {
	if w.m.minFreeDiskGB <= 0 {
		return nil
	}
	usage, err := disk.Usage(w.m.root)
	if err != nil {
		w.m.logger.Warn("Could not read free disk space, skipping preflight", zap.Error(err))
		return nil
	}
	need := uint64(w.m.minFreeDiskGB * 1024 * 1024 * 1024)
	if usage.Free < need {
		return fmt.Errorf("only %d MiB free under %s, need %.1f GiB", usage.Free/(1024*1024), w.m.root, w.m.minFreeDiskGB)
	}
	return nil
}

// Fetch downloads every input of job into the workspace. Any failure is an AcquisitionError.
func (w *Workspace) Fetch(ctx context.Context, job *models.Job) error {
	logger := logging.EnrichLoggerWithContext(ctx, w.m.logger)

	if err := w.checkFreeDisk(); err != nil {
		return apperrors.New(apperrors.KindAcquisition, "", "", err)
	}

	type download struct{ remote, local string }
	var downloads []download
	if job.PhotoArchiveURL != "" {
		downloads = append(downloads, download{job.PhotoArchiveURL, ArchiveName})
	}
	if job.PointCloudURL != "" {
		downloads = append(downloads, download{job.PointCloudURL, LidarCloud})
	}
	if job.Segment != nil && job.Segment.ImageURL != "" {
		downloads = append(downloads, download{job.Segment.ImageURL, SegmentSource(job.Segment.SegmentID, job.Segment.ImageURL)})
	}

	for _, d := range downloads {
		n, err := w.m.downloader.Download(ctx, d.remote, w.Abs(d.local))
		if err != nil {
			return apperrors.New(apperrors.KindAcquisition, "", storage.Reason(err), fmt.Errorf("download %s: %w", d.remote, err))
		}
		logger.Info("Fetched input", zap.String("remote", d.remote), zap.String("local", d.local), zap.Int64("bytes", n))
	}
	return nil
}

// Extract unpacks the photo archive into input/ and deletes it.
func (w *Workspace) Extract(ctx context.Context) error {
	archive := w.Abs(ArchiveName)
	count, err := unzip(ctx, archive, w.Abs(InputDir))
	if err != nil {
		return apperrors.New(apperrors.KindAcquisition, "", "", fmt.Errorf("extract %s: %w", ArchiveName, err))
	}
	if err := os.Remove(archive); err != nil {
		return apperrors.New(apperrors.KindAcquisition, "", "", fmt.Errorf("remove archive: %w", err))
	}
	logging.EnrichLoggerWithContext(ctx, w.m.logger).Info("Extracted archive", zap.Int("files", count))
	return nil
}

func (w *Workspace) remoteFolder(subfolder string) string {
	if subfolder == "" {
		return w.jobID
	}
	return w.jobID + "/" + strings.Trim(subfolder, "/")
}

// Upload sends the workspace file rel to the store as remoteName inside the
// job's folder (or its subfolder) and returns the store's URL for it.
func (w *Workspace) Upload(ctx context.Context, rel, remoteName, subfolder string) (string, error) {
	local := w.Abs(rel)
	if _, err := os.Stat(local); err != nil {
		return "", apperrors.New(apperrors.KindUpload, "", "", fmt.Errorf("artifact %s: %w", rel, err))
	}
	location, err := w.m.uploader.Upload(ctx, local, w.remoteFolder(subfolder), remoteName)
	if err != nil {
		return "", apperrors.New(apperrors.KindUpload, "", storage.Reason(err), err)
	}
	return location, nil
}

// UploadFolder uploads every file under relFolder into the job's remoteFolder
// and returns the folder reference "files/{job}/{remoteFolder}".
func (w *Workspace) UploadFolder(ctx context.Context, relFolder, remoteFolder string) (string, error) {
	base := w.Abs(relFolder)
	var uploaded int
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		if _, err := w.m.uploader.Upload(ctx, p, w.remoteFolder(remoteFolder), filepath.ToSlash(rel)); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return "", apperrors.New(apperrors.KindUpload, "", storage.Reason(err), fmt.Errorf("upload folder %s: %w", relFolder, err))
	}
	logging.EnrichLoggerWithContext(ctx, w.m.logger).Info("Uploaded folder",
		zap.String("folder", relFolder), zap.String("remote_folder", remoteFolder), zap.Int("files", uploaded))
	return path.Join("files", w.jobID, remoteFolder), nil
}

// Clear deletes the workspace contents, lock included. The workspace is released.
func (w *Workspace) Clear() error {
	w.Release()
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("clear workspace %s: %w", w.dir, err)
	}
	return nil
}

// Release drops the workspace lock. Safe to call more than once.
func (w *Workspace) Release() {
	w.once.Do(func() {
		close(w.stopRefresh)
		if err := os.Remove(w.lockPath); err != nil && !os.IsNotExist(err) {
			w.m.logger.Warn("Failed to remove workspace lock", zap.String("path", w.lockPath), zap.Error(err))
		}
		w.m.unhold(w.jobID)
	})
}
