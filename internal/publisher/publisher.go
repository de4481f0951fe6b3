package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/dante-gpu/asset-worker/internal/errors"
	"github.com/dante-gpu/asset-worker/internal/logging"
	"github.com/dante-gpu/asset-worker/internal/models"
	"github.com/dante-gpu/asset-worker/internal/retryer"
	"github.com/dante-gpu/asset-worker/internal/storage"
	"go.uber.org/zap"
)

// Publication describes how a stage's artifact leaves the workspace.
type Publication struct {
	// Source is the artifact path relative to the workspace.
	Source string
	// Folder uploads every file under Source instead of a single file.
	Folder     bool
	RemoteName string
	// Subfolder of the job's remote folder the artifact is placed in.
	Subfolder string
	Kind      models.ArtifactKind
	// Subject is appended to the callback path when one asset has many
	// artifacts of the same kind (one per segment).
	Subject string
}

// Artifacts is the part of a workspace a publication reads from.
type Artifacts interface {
	JobID() string
	Upload(ctx context.Context, rel, remoteName, subfolder string) (string, error)
	UploadFolder(ctx context.Context, relFolder, remoteFolder string) (string, error)
}

// StatusUpdate is the callback body.
type StatusUpdate struct {
	URL string `json:"url"`
}

// Publisher uploads artifacts and tells the API where they are.
type Publisher struct {
	apiRoot     string
	storageRoot string
	client      *http.Client
	retry       retryer.Config
	logger      *zap.Logger
}

// New creates a Publisher.
func New(apiRoot, storageRoot string, timeout time.Duration, retry retryer.Config, logger *zap.Logger) *Publisher {
	return &Publisher{
		apiRoot:     strings.TrimRight(apiRoot, "/"),
		storageRoot: strings.TrimRight(storageRoot, "/"),
		client:      &http.Client{Timeout: timeout},
		retry:       retry,
		logger:      logger.Named("publisher"),
	}
}

// Publish uploads the artifact of pub and PATCHes the status callback.
// Upload failures are UploadError, callback failures PublishError.
func (p *Publisher) Publish(ctx context.Context, ws Artifacts, pub Publication) (models.Artifact, error) {
	artifact := models.Artifact{LocalPath: pub.Source, Kind: pub.Kind}

	var location string
	var err error
	if pub.Folder {
		var ref string
		ref, err = ws.UploadFolder(ctx, pub.Source, pub.RemoteName)
		location = p.storageRoot + "/" + ref
	} else {
		location, err = ws.Upload(ctx, pub.Source, pub.RemoteName, pub.Subfolder)
	}
	if err != nil {
		return artifact, apperrors.Wrap(apperrors.KindUpload, "", err)
	}
	artifact.RemoteURL = location

	if err := p.Notify(ctx, pub.Kind, ws.JobID(), pub.Subject, location); err != nil {
		return artifact, err
	}
	return artifact, nil
}

// CallbackURL returns the status callback endpoint for an artifact.
func (p *Publisher) CallbackURL(kind models.ArtifactKind, assetID, subject string) string {
	u := fmt.Sprintf("%s/assets/%s/%s", p.apiRoot, url.PathEscape(string(kind)), url.PathEscape(assetID))
	if subject != "" {
		u += "/" + url.PathEscape(subject)
	}
	return u
}

// Notify sends PATCH {api_root}/assets/{kind}/{asset_id}[/{subject}] with {"url": location}.
func (p *Publisher) Notify(ctx context.Context, kind models.ArtifactKind, assetID, subject, location string) error {
	logger := logging.EnrichLoggerWithContext(ctx, p.logger)
	target := p.CallbackURL(kind, assetID, subject)

	body, err := json.Marshal(StatusUpdate{URL: location})
	if err != nil {
		return apperrors.New(apperrors.KindPublish, "", "", fmt.Errorf("marshal status update: %w", err))
	}

	err = retryer.WithRetry(ctx, logger, p.retry, "status callback "+string(kind), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, target, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode != http.StatusOK {
			return &retryer.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return nil
	})
	if err != nil {
		return apperrors.New(apperrors.KindPublish, "", storage.Reason(err), err)
	}

	logger.Info("Published artifact",
		zap.String("kind", string(kind)),
		zap.String("callback", target),
		zap.String("url", location))
	return nil
}
