package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dante-gpu/asset-worker/internal/retryer"
	"go.uber.org/zap"
)

// UploadResponse is the body the store returns for a successful upload.
type UploadResponse struct {
	URL []string `json:"url"`
}

// HTTPStore talks to the asset store's HTTP interface: plain GETs for
// downloads and multipart POSTs for uploads.
type HTTPStore struct {
	root       string
	uploadPath string
	client     *http.Client
	retry      retryer.Config
	logger     *zap.Logger
}

// NewHTTPStore creates a store client rooted at root (no trailing slash needed).
func NewHTTPStore(root, uploadPath string, timeout time.Duration, retry retryer.Config, logger *zap.Logger) *HTTPStore {
	if uploadPath == "" {
		uploadPath = "/upload"
	}
	return &HTTPStore{
		root:       strings.TrimRight(root, "/"),
		uploadPath: "/" + strings.TrimLeft(uploadPath, "/"),
		client:     &http.Client{Timeout: timeout},
		retry:      retry,
		logger:     logger.Named("http_storage"),
	}
}

// Root returns the store root without a trailing slash.
func (s *HTTPStore) Root() string { return s.root }

// DownloadURL maps a store path onto its download URL. Each path segment is
// escaped; absolute URLs are used as given.
func (s *HTTPStore) DownloadURL(remotePath string) string {
	base := remotePath
	if !strings.HasPrefix(remotePath, "http://") && !strings.HasPrefix(remotePath, "https://") {
		segments := strings.Split(remotePath, "/")
		for i, seg := range segments {
			segments[i] = url.PathEscape(seg)
		}
		escaped := strings.Join(segments, "/")
		if !strings.HasPrefix(escaped, "/") {
			escaped = "/" + escaped
		}
		base = s.root + escaped
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "isDownload=true"
}

// Download implements Downloader. Transient failures are retried; a partial
// file is never left at dst.
func (s *HTTPStore) Download(ctx context.Context, remotePath, dst string) (int64, error) {
	target := s.DownloadURL(remotePath)
	var written int64

	err := retryer.WithRetry(ctx, s.logger, s.retry, "download "+remotePath, func() error {
		n, err := s.downloadOnce(ctx, target, dst)
		written = n
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("Downloaded object", zap.String("url", target), zap.String("dst", dst), zap.Int64("bytes", written))
	return written, nil
}

func (s *HTTPStore) downloadOnce(ctx context.Context, target, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, &retryer.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return 0, fmt.Errorf("short download: got %d of %d bytes: %w", n, resp.ContentLength, io.ErrUnexpectedEOF)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, fmt.Errorf("failed to move download into place: %w", err)
	}
	return n, nil
}

// Upload implements Uploader with a multipart POST carrying the fields
// "file" (named filename) and "folder".
func (s *HTTPStore) Upload(ctx context.Context, localPath, folder, filename string) (string, error) {
	var location string
	// Retrying assumes the store overwrites folder/filename, so a repeated POST is idempotent.
	err := retryer.WithRetry(ctx, s.logger, s.retry, "upload "+filename, func() error {
		var err error
		location, err = s.uploadOnce(ctx, localPath, folder, filename)
		return err
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("Uploaded artifact",
		zap.String("local_path", localPath),
		zap.String("folder", folder),
		zap.String("url", location))
	return location, nil
}

func (s *HTTPStore) uploadOnce(ctx context.Context, localPath, folder, filename string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("folder", folder); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.root+s.uploadPath, pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", &retryer.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var body UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if len(body.URL) == 0 || body.URL[0] == "" {
		return "", fmt.Errorf("upload response carried no url")
	}
	return body.URL[0], nil
}

// Reason extracts the reason phrase from an HTTP status failure, or the error text.
func Reason(err error) string {
	var statusErr *retryer.StatusError
	if errors.As(err, &statusErr) {
		if _, phrase, ok := strings.Cut(statusErr.Status, " "); ok && phrase != "" {
			return phrase
		}
		if text := http.StatusText(statusErr.StatusCode); text != "" {
			return text
		}
		return strconv.Itoa(statusErr.StatusCode)
	}
	return err.Error()
}
