package models

// StageState is the lifecycle position of one stage within a job.
//
//	Pending -> {Skipped | Running} -> Verified -> Published -> Done
//	                                   any ----------------> Failed
type StageState string

const (
	StagePending   StageState = "pending"
	StageSkipped   StageState = "skipped"
	StageRunning   StageState = "running"
	StageVerified  StageState = "verified"
	StagePublished StageState = "published"
	StageDone      StageState = "done"
	StageFailed    StageState = "failed"
)

// Terminal reports whether no further transition follows.
func (s StageState) Terminal() bool {
	return s == StageDone || s == StageFailed
}
