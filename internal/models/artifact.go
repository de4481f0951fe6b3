package models

// ArtifactKind is the path segment the API uses to route a status callback:
// PATCH {api_root}/assets/{kind}/{asset_id}.
type ArtifactKind string

const (
	ArtifactPointCloud   ArtifactKind = "pointcloud"
	ArtifactScene        ArtifactKind = "scene"
	ArtifactSegmentation ArtifactKind = "segmentation"
	// ArtifactInteractive is the image set handed to the interactive segmentation tool.
	ArtifactInteractive ArtifactKind = "interactive"
	// ArtifactSegment is one rendered click segment.
	ArtifactSegment ArtifactKind = "segment"
)

// Artifact is a produced file and, once published, where it lives.
type Artifact struct {
	LocalPath string       `json:"local_path"`
	RemoteURL string       `json:"remote_url,omitempty"`
	Kind      ArtifactKind `json:"kind"`
}

// Published reports whether the artifact has a remote location.
func (a *Artifact) Published() bool {
	return a.RemoteURL != ""
}
