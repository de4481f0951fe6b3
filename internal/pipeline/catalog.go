package pipeline

import (
	"path"
	"strconv"

	apperrors "github.com/dante-gpu/asset-worker/internal/errors"
	"github.com/dante-gpu/asset-worker/internal/executor"
	"github.com/dante-gpu/asset-worker/internal/models"
	"github.com/dante-gpu/asset-worker/internal/publisher"
	"github.com/dante-gpu/asset-worker/internal/workspace"
)

// Runtime environments and their model checkouts under the models dir.
const (
	RuntimeSaga      = "saga"
	RuntimePointcept = "pointcept"
)

// Scene synthesis runs a fixed number of optimisation iterations.
const (
	sceneIterations   = 7000
	featureIterations = 10000
)

// Well-known artifacts inside the job workspace.
var (
	SparseModel      = "sparse/0"
	PointCloud       = "sparse/0/pointcloud.ply"
	SceneOutput      = "output"
	ScenePointCloud  = path.Join("output/point_cloud", "iteration_"+strconv.Itoa(sceneIterations), "scene_point_cloud.ply")
	SegmentationData = "data/scene"
	SegmentationPLY  = "data/scene/scene.ply"
	SegmentationPTH  = "data/scene/scene.pth"
	InferenceResult  = "data/result/scene.npy"
	Segmentation     = "segmentation/ptv3.ply"
	Features         = "features"
	SamMasks         = "sam_masks"
	MaskScales       = "mask_scales"
	FeatureCloud     = path.Join("output/point_cloud", "iteration_"+strconv.Itoa(featureIterations), "contrastive_feature_point_cloud.ply")
)

// CatalogOptions tunes the stage lists.
type CatalogOptions struct {
	DevicesPerStage int
}

func (o CatalogOptions) devices() int {
	if o.DevicesPerStage <= 0 {
		return 2
	}
	return o.DevicesPerStage
}

func python(runtime string, p Paths, script string, args ...string) executor.Command {
	return executor.Command{
		Runtime:    runtime,
		Executable: "python",
		Args:       append([]string{p.M(runtime, script)}, args...),
	}
}

func pointcept(p Paths, script string, args ...string) executor.Command {
	cmd := python(RuntimePointcept, p, script, args...)
	cmd.Env = map[string]string{"PYTHONPATH": p.M(RuntimePointcept)}
	return cmd
}

// segmentationInput is the point cloud the segmentation model labels.
func segmentationInput(kind models.JobKind) string {
	if kind == models.JobKindLidar {
		return workspace.LidarCloud
	}
	return ScenePointCloud
}

// ReconstructionStages returns the ordered stages of a photo or lidar job:
// reconstruction, segmentation, then interactive-segmentation training.
func ReconstructionStages(kind models.JobKind, opts CatalogOptions) []Stage {
	k := opts.devices()
	segInput := segmentationInput(kind)

	stages := []Stage{
		{
			Name:    "generate-pointcloud",
			Runtime: RuntimeSaga,
			Command: func(p Paths) executor.Command {
				return python(RuntimeSaga, p, "convert.py", "-s", p.W())
			},
			Requires: []string{workspace.InputDir},
			Outputs:  []string{SparseModel},
			Kind:     apperrors.KindReconstruction,
			GPUs:     k,
		},
		{
			Name:    "convert-pointcloud",
			Runtime: RuntimeSaga,
			Command: func(p Paths) executor.Command {
				return executor.Command{
					Runtime:    RuntimeSaga,
					Executable: "colmap",
					Args: []string{"model_converter",
						"--input_path", p.W(SparseModel),
						"--output_path", p.W(PointCloud),
						"--output_type", "PLY"},
				}
			},
			Outputs: []string{PointCloud},
			Kind:    apperrors.KindReconstruction,
			GPUs:    k,
			Publish: &publisher.Publication{Source: PointCloud, RemoteName: "pointcloud.ply", Kind: models.ArtifactPointCloud},
		},
		{
			Name:    "generate-scene",
			Runtime: RuntimeSaga,
			Command: func(p Paths) executor.Command {
				return python(RuntimeSaga, p, "train_scene.py",
					"-s", p.W(),
					"--model_path", p.W(SceneOutput),
					"--iterations", strconv.Itoa(sceneIterations))
			},
			Outputs: []string{ScenePointCloud},
			Kind:    apperrors.KindSceneSynthesis,
			GPUs:    k,
			Publish: &publisher.Publication{Source: ScenePointCloud, RemoteName: "scene.ply", Kind: models.ArtifactScene},
		},
		{
			Name:    "segmentation-convert",
			Runtime: RuntimePointcept,
			Command: func(p Paths) executor.Command {
				return pointcept(p, "convert_ply.py",
					"-p", p.W(segInput),
					"-d", p.W("data"),
					"-n", "scene")
			},
			Requires: []string{segInput},
			Outputs:  []string{SegmentationPLY},
			Kind:     apperrors.KindSegmentationConvert,
			GPUs:     k,
		},
		{
			Name:    "segmentation-preprocess",
			Runtime: RuntimePointcept,
			Command: func(p Paths) executor.Command {
				return pointcept(p, "preprocess.py",
					"--dataset_root", p.W(SegmentationData),
					"--output_root", p.W(SegmentationData))
			},
			Outputs: []string{SegmentationPTH},
			Kind:    apperrors.KindSegmentationPreprocess,
			GPUs:    k,
		},
		{
			Name:    "segmentation-infer",
			Runtime: RuntimePointcept,
			Command: func(p Paths) executor.Command {
				return pointcept(p, "tools/pred.py",
					"--config-file", p.M(RuntimePointcept, "models/ptv3/config.py"),
					"--options",
					"weight="+p.M(RuntimePointcept, "models/ptv3/model/model_best.pth"),
					"save_path="+p.W("data"),
					"data_root="+p.W(SegmentationData),
					"data.test.data_root="+p.W(SegmentationData),
					"--test_split", "scene",
					"--num-gpus", strconv.Itoa(k))
			},
			Outputs: []string{InferenceResult},
			Kind:    apperrors.KindSegmentationInference,
			GPUs:    k,
		},
		{
			Name:    "segmentation-reconstruct",
			Runtime: RuntimePointcept,
			Command: func(p Paths) executor.Command {
				return pointcept(p, "convert_npy.py",
					"--gaussian", p.W(segInput),
					"--scene", p.W(InferenceResult),
					"--destination", p.W("segmentation"),
					"--name", "ptv3")
			},
			Outputs: []string{Segmentation},
			Kind:    apperrors.KindSegmentationReconstruct,
			GPUs:    k,
			Publish: &publisher.Publication{Source: Segmentation, RemoteName: "segmentation.ply", Kind: models.ArtifactSegmentation},
		},
		{
			Name:    "extract-features",
			Runtime: RuntimeSaga,
			Command: func(p Paths) executor.Command {
				return python(RuntimeSaga, p, "extract_features.py",
					"--image_root", p.W(),
					"--sam_checkpoint_path", p.M(RuntimeSaga, "third_party/segment-anything/sam_ckpt/sam_vit_h_4b8939.pth"),
					"--downsample", "4")
			},
			Outputs: []string{Features},
			Kind:    apperrors.KindFeatureExtraction,
			GPUs:    k,
		},
		{
			Name:    "extract-masks",
			Runtime: RuntimeSaga,
			Command: func(p Paths) executor.Command {
				return python(RuntimeSaga, p, "extract_segment_everything_masks.py",
					"--image_root", p.W(),
					"--sam_checkpoint_path", p.M(RuntimeSaga, "third_party/segment-anything/sam_ckpt/sam_vit_h_4b8939.pth"),
					"--downsample", "4")
			},
			Outputs: []string{SamMasks},
			Kind:    apperrors.KindMaskExtraction,
			GPUs:    k,
		},
		{
			Name:    "train-scene",
			Runtime: RuntimeSaga,
			Command: func(p Paths) executor.Command {
				return python(RuntimeSaga, p, "get_scale.py",
					"--image_root", p.W(),
					"--model_path", p.W(SceneOutput))
			},
			Outputs: []string{MaskScales},
			Kind:    apperrors.KindSceneTraining,
			GPUs:    k,
		},
		{
			Name:    "train-features",
			Runtime: RuntimeSaga,
			Command: func(p Paths) executor.Command {
				return python(RuntimeSaga, p, "train_contrastive_feature.py",
					"-m", p.W(SceneOutput),
					"--iterations", strconv.Itoa(featureIterations),
					"--num_sampled_rays", "1000")
			},
			Outputs: []string{FeatureCloud},
			Kind:    apperrors.KindFeatureTraining,
			GPUs:    k,
			Publish: &publisher.Publication{Source: workspace.InputDir, Folder: true, RemoteName: "saga", Kind: models.ArtifactInteractive},
		},
	}
	return stages
}

// SegmentStages returns the interactive segment-by-click pipeline for req.
// It runs against a workspace whose reconstruction already finished.
func SegmentStages(req *models.SegmentRequest, opts CatalogOptions) []Stage {
	k := opts.devices()
	dir := path.Join(workspace.SegmentsDir, req.SegmentID)
	source := workspace.SegmentSource(req.SegmentID, req.ImageURL)
	mask := path.Join(dir, "mask.pt")
	segment := path.Join(dir, "segment.ply")

	return []Stage{
		{
			Name:    "segment-at-point",
			Runtime: RuntimeSaga,
			Command: func(p Paths) executor.Command {
				return python(RuntimeSaga, p, "segment_at_point.py",
					"-m", p.W(SceneOutput),
					"--image", p.W(source),
					"--x", req.XString(),
					"--y", req.YString(),
					"--output", p.W(mask))
			},
			Requires: []string{FeatureCloud, source},
			Outputs:  []string{mask},
			Kind:     apperrors.KindSegment,
			GPUs:     k,
		},
		{
			Name:    "render-segment",
			Runtime: RuntimeSaga,
			Command: func(p Paths) executor.Command {
				return python(RuntimeSaga, p, "render_segment.py",
					"-m", p.W(SceneOutput),
					"--mask", p.W(mask),
					"--output", p.W(segment))
			},
			Outputs: []string{segment},
			Kind:    apperrors.KindRender,
			GPUs:    k,
			Publish: &publisher.Publication{
				Source:     segment,
				RemoteName: "segment_" + req.SegmentID + ".ply",
				Subfolder:  workspace.SegmentsDir,
				Kind:       models.ArtifactSegment,
				Subject:    req.SegmentID,
			},
		},
	}
}
