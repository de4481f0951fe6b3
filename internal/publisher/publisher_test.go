package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/dante-gpu/asset-worker/internal/errors"
	"github.com/dante-gpu/asset-worker/internal/models"
	"github.com/dante-gpu/asset-worker/internal/retryer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeArtifacts struct {
	uploaded  []string
	folders   []string
	uploadErr error
}

func (f *fakeArtifacts) JobID() string { return "a1" }

func (f *fakeArtifacts) Upload(_ context.Context, rel, remoteName, subfolder string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploaded = append(f.uploaded, rel+"->"+subfolder+"/"+remoteName)
	return "https://store/files/a1/" + remoteName, nil
}

func (f *fakeArtifacts) UploadFolder(_ context.Context, relFolder, remoteFolder string) (string, error) {
	f.folders = append(f.folders, relFolder+"->"+remoteFolder)
	return "files/a1/" + remoteFolder, nil
}

func testRetry() retryer.Config {
	return retryer.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}
}

type callback struct {
	method, path, contentType, url string
}

func apiServer(t *testing.T, status func(n int32) int) (*httptest.Server, *[]callback) {
	t.Helper()
	var mu sync.Mutex
	var calls []callback
	var n int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body StatusUpdate
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, callback{r.Method, r.URL.Path, r.Header.Get("Content-Type"), body.URL})
		mu.Unlock()
		w.WriteHeader(status(atomic.AddInt32(&n, 1)))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestPublishFileThenPatch(t *testing.T) {
	srv, calls := apiServer(t, func(int32) int { return http.StatusOK })
	p := New(srv.URL+"/api/", "https://store", time.Second, testRetry(), zap.NewNop())
	ws := &fakeArtifacts{}

	artifact, err := p.Publish(context.Background(), ws, Publication{
		Source:     "sparse/0/pointcloud.ply",
		RemoteName: "pointcloud.ply",
		Kind:       models.ArtifactPointCloud,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://store/files/a1/pointcloud.ply", artifact.RemoteURL)
	assert.True(t, artifact.Published())
	assert.Equal(t, []string{"sparse/0/pointcloud.ply->/pointcloud.ply"}, ws.uploaded)

	require.Len(t, *calls, 1)
	got := (*calls)[0]
	assert.Equal(t, http.MethodPatch, got.method)
	assert.Equal(t, "/api/assets/pointcloud/a1", got.path)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, "https://store/files/a1/pointcloud.ply", got.url)
}

func TestPublishFolderReportsStorageReference(t *testing.T) {
	srv, calls := apiServer(t, func(int32) int { return http.StatusOK })
	p := New(srv.URL, "https://store/", time.Second, testRetry(), zap.NewNop())
	ws := &fakeArtifacts{}

	artifact, err := p.Publish(context.Background(), ws, Publication{
		Source: "input", Folder: true, RemoteName: "saga", Kind: models.ArtifactInteractive,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://store/files/a1/saga", artifact.RemoteURL)
	assert.Equal(t, []string{"input->saga"}, ws.folders)
	assert.Equal(t, "/assets/interactive/a1", (*calls)[0].path)
}

func TestPublishWithSubject(t *testing.T) {
	srv, calls := apiServer(t, func(int32) int { return http.StatusOK })
	p := New(srv.URL, "https://store", time.Second, testRetry(), zap.NewNop())

	_, err := p.Publish(context.Background(), &fakeArtifacts{}, Publication{
		Source: "segments/s1/segment.ply", RemoteName: "segment_s1.ply", Subfolder: "segments",
		Kind: models.ArtifactSegment, Subject: "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, "/assets/segment/a1/s1", (*calls)[0].path)
}

func TestPublishCallbackRejected(t *testing.T) {
	srv, calls := apiServer(t, func(int32) int { return http.StatusNotFound })
	p := New(srv.URL, "https://store", time.Second, testRetry(), zap.NewNop())

	_, err := p.Publish(context.Background(), &fakeArtifacts{}, Publication{Source: "x.ply", RemoteName: "x.ply", Kind: models.ArtifactScene})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindPublish, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "Not Found")
	assert.Len(t, *calls, 1)
}

func TestPublishCallbackRetriesServerErrors(t *testing.T) {
	srv, calls := apiServer(t, func(n int32) int {
		if n == 1 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	})
	p := New(srv.URL, "https://store", time.Second, testRetry(), zap.NewNop())

	_, err := p.Publish(context.Background(), &fakeArtifacts{}, Publication{Source: "x.ply", RemoteName: "x.ply", Kind: models.ArtifactScene})
	require.NoError(t, err)
	assert.Len(t, *calls, 2)
}

func TestPublishUploadFailureSkipsCallback(t *testing.T) {
	srv, calls := apiServer(t, func(int32) int { return http.StatusOK })
	p := New(srv.URL, "https://store", time.Second, testRetry(), zap.NewNop())

	_, err := p.Publish(context.Background(), &fakeArtifacts{uploadErr: errors.New("disk gone")}, Publication{Source: "x.ply", RemoteName: "x.ply", Kind: models.ArtifactScene})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindUpload, apperrors.KindOf(err))
	assert.Empty(t, *calls)
}
