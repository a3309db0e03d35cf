// Package proof implements the per-step integrity gate and the task state
// machine driven by proof uploads.
package proof

import "github.com/proofwork/proofwork/internal/domain"

// Verdict classifies an upload against the step's accepted evidence.
type Verdict string

const (
	FirstUpload Verdict = "first_upload"
	Unchanged   Verdict = "unchanged"
	Replaced    Verdict = "replaced"
)

// Evaluate compares newHash with the hash recorded for stepID. It is pure:
// the same task, step and hash always give the same verdict.
func Evaluate(task *domain.Task, stepID, newHash string) (Verdict, error) {
	if !domain.IsHexDigest(newHash) {
		return "", domain.Invalid("content hash %q is not a sha-256 hex digest", newHash)
	}
	step := task.Step(stepID)
	if step == nil {
		return "", domain.ErrStepNotFound
	}
	switch {
	case step.FileHash == "":
		return FirstUpload, nil
	case step.FileHash == newHash:
		return Unchanged, nil
	case step.Status == domain.StepCompleted:
		return Replaced, nil
	default:
		// A recorded hash on a step that never completed is not accepted
		// evidence, so there is nothing to replace.
		return FirstUpload, nil
	}
}
