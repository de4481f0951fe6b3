package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconstructionMessageValidate(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		want    JobKind
		wantErr string
	}{
		{name: "photo", body: `{"asset_id":"a1","type":"photo","photo_dir_url":"/u/a1/photos"}`, want: JobKindPhoto},
		{name: "long form", body: `{"asset_id":"a1","type":"photo-reconstruction","photo_dir_url":"/u/a1/photos"}`, want: JobKindPhoto},
		{name: "lidar", body: `{"asset_id":"a2","type":"lidar","photo_dir_url":"/u/a2/photos","point_cloud_url":"/u/a2/scan.ply"}`, want: JobKindLidar},
		{name: "lidar without cloud", body: `{"asset_id":"a2","type":"lidar","photo_dir_url":"/u/a2/photos"}`, wantErr: "point_cloud_url"},
		{name: "missing asset", body: `{"type":"photo","photo_dir_url":"/u"}`, wantErr: "asset_id"},
		{name: "path traversal", body: `{"asset_id":"../etc","type":"photo","photo_dir_url":"/u"}`, wantErr: "path segment"},
		{name: "unknown type", body: `{"asset_id":"a1","type":"video","photo_dir_url":"/u"}`, wantErr: "unsupported job type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m ReconstructionMessage
			require.NoError(t, json.Unmarshal([]byte(tc.body), &m))
			kind, err := m.Validate()
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, kind)
		})
	}
}

func TestNewReconstructionJobInputs(t *testing.T) {
	photo := NewReconstructionJob(&ReconstructionMessage{AssetID: "a1", PhotoDirURL: "/p", PointCloudURL: "/ignored"}, JobKindPhoto)
	assert.Equal(t, []string{"/p"}, photo.Inputs())

	lidar := NewReconstructionJob(&ReconstructionMessage{AssetID: "a2", PhotoDirURL: "/p", PointCloudURL: "/c"}, JobKindLidar)
	assert.Equal(t, []string{"/p", "/c"}, lidar.Inputs())
	assert.Equal(t, "lidar job a2", lidar.String())
}

func TestSegmentMessage(t *testing.T) {
	var m SegmentMessage
	require.NoError(t, json.Unmarshal([]byte(`{"asset_id":"a1","unique_identifier":"s7","url":"/u/a1/view.png","x":120,"y":45.5}`), &m))
	require.NoError(t, m.Validate())

	job := NewSegmentJob(&m)
	assert.Equal(t, JobKindSegment, job.Kind)
	assert.Equal(t, "120", job.Segment.XString())
	assert.Equal(t, "45.5", job.Segment.YString())
	assert.Equal(t, []string{"/u/a1/view.png"}, job.Inputs())

	for _, uid := range []string{"a/b", `a\b`, ".", "..", " "} {
		m.UniqueIdentifier = uid
		assert.Error(t, m.Validate(), "unique_identifier %q", uid)
	}
}
