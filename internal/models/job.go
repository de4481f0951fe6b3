package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobKind selects the pipeline a job runs through.
type JobKind string

const (
	// JobKindPhoto reconstructs a scene from an uploaded photo archive.
	JobKindPhoto JobKind = "photo"
	// JobKindLidar reconstructs from photos and segments a separately uploaded LiDAR point cloud.
	JobKindLidar JobKind = "lidar"
	// JobKindSegment answers an interactive segment-by-click request.
	JobKindSegment JobKind = "segment"
)

// ParseJobKind maps the message "type" field onto a JobKind. Long-form names are accepted.
func ParseJobKind(s string) (JobKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "photo", "photos", "photo-reconstruction":
		return JobKindPhoto, nil
	case "lidar", "lidar-reconstruction":
		return JobKindLidar, nil
	default:
		return "", fmt.Errorf("unsupported job type %q", s)
	}
}

// ReconstructionMessage is the body of a message on the reconstruction queue.
// This structure MUST be kept in sync with the API that publishes it.
type ReconstructionMessage struct {
	AssetID       string `json:"asset_id"`
	Type          string `json:"type"`
	PhotoDirURL   string `json:"photo_dir_url"`
	PointCloudURL string `json:"point_cloud_url,omitempty"` // Only for LiDAR jobs
}

// Validate checks required fields and returns the parsed kind.
func (m *ReconstructionMessage) Validate() (JobKind, error) {
	if strings.TrimSpace(m.AssetID) == "" {
		return "", fmt.Errorf("asset_id is required")
	}
	if !isPathSegment(m.AssetID) {
		return "", fmt.Errorf("asset_id %q is not a valid path segment", m.AssetID)
	}
	kind, err := ParseJobKind(m.Type)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(m.PhotoDirURL) == "" {
		return "", fmt.Errorf("photo_dir_url is required")
	}
	if kind == JobKindLidar && strings.TrimSpace(m.PointCloudURL) == "" {
		return "", fmt.Errorf("point_cloud_url is required for lidar jobs")
	}
	return kind, nil
}

// SegmentMessage is the body of a message on the interactive segmentation queue.
type SegmentMessage struct {
	AssetID          string  `json:"asset_id"`
	UniqueIdentifier string  `json:"unique_identifier"`
	URL              string  `json:"url"`
	X                float64 `json:"x"`
	Y                float64 `json:"y"`
}

// Validate checks required fields.
func (m *SegmentMessage) Validate() error {
	if strings.TrimSpace(m.AssetID) == "" {
		return fmt.Errorf("asset_id is required")
	}
	if !isPathSegment(m.AssetID) {
		return fmt.Errorf("asset_id %q is not a valid path segment", m.AssetID)
	}
	if strings.TrimSpace(m.UniqueIdentifier) == "" || !isPathSegment(m.UniqueIdentifier) {
		return fmt.Errorf("unique_identifier %q is not valid", m.UniqueIdentifier)
	}
	if strings.TrimSpace(m.URL) == "" {
		return fmt.Errorf("url is required")
	}
	if m.X < 0 || m.Y < 0 {
		return fmt.Errorf("click coordinates must be non-negative, got (%v, %v)", m.X, m.Y)
	}
	return nil
}

// isPathSegment reports whether s names exactly one directory below its parent.
func isPathSegment(s string) bool {
	return !strings.ContainsAny(s, `/\`) && s != "." && s != ".."
}

// SegmentRequest carries the click that a segment job answers.
type SegmentRequest struct {
	SegmentID string
	ImageURL  string
	X         float64
	Y         float64
}

// XString formats the X coordinate without a trailing ".0" for integral clicks.
func (r *SegmentRequest) XString() string { return strconv.FormatFloat(r.X, 'f', -1, 64) }

// YString formats the Y coordinate.
func (r *SegmentRequest) YString() string { return strconv.FormatFloat(r.Y, 'f', -1, 64) }

// Job is one queued unit of work. The asset id doubles as the job id: the
// workspace of a job is a pure function of it.
type Job struct {
	ID              string
	Kind            JobKind
	PhotoArchiveURL string
	PointCloudURL   string
	Segment         *SegmentRequest
	ReceivedAt      time.Time
}

// NewReconstructionJob builds a Job from a validated reconstruction message.
func NewReconstructionJob(m *ReconstructionMessage, kind JobKind) *Job {
	j := &Job{
		ID:              m.AssetID,
		Kind:            kind,
		PhotoArchiveURL: m.PhotoDirURL,
		ReceivedAt:      time.Now().UTC(),
	}
	if kind == JobKindLidar {
		j.PointCloudURL = m.PointCloudURL
	}
	return j
}

// NewSegmentJob builds a Job from a validated segment message.
func NewSegmentJob(m *SegmentMessage) *Job {
	return &Job{
		ID:   m.AssetID,
		Kind: JobKindSegment,
		Segment: &SegmentRequest{
			SegmentID: m.UniqueIdentifier,
			ImageURL:  m.URL,
			X:         m.X,
			Y:         m.Y,
		},
		ReceivedAt: time.Now().UTC(),
	}
}

// Inputs lists the remote locations the job downloads before any stage runs.
func (j *Job) Inputs() []string {
	var in []string
	if j.PhotoArchiveURL != "" {
		in = append(in, j.PhotoArchiveURL)
	}
	if j.PointCloudURL != "" {
		in = append(in, j.PointCloudURL)
	}
	if j.Segment != nil && j.Segment.ImageURL != "" {
		in = append(in, j.Segment.ImageURL)
	}
	return in
}

// String returns a short description for logs.
func (j *Job) String() string {
	return fmt.Sprintf("%s job %s", j.Kind, j.ID)
}
