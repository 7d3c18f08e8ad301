package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Stage names one step of a pipeline run.
type Stage string

// Creation stages.
const (
	StageValidating            Stage = "validating"
	StageEncrypting            Stage = "encrypting"
	StageHashing               Stage = "hashing"
	StageResolvingRecipientKey Stage = "resolving_recipient_key"
	StageWrappingKey           Stage = "wrapping_key"
	StageUploadingKey          Stage = "uploading_key"
	StageUploadingMedia        Stage = "uploading_media"
	StageAnchoring             Stage = "anchoring"
)

// Unlock stages.
const (
	StageVerifyTimestamp     Stage = "verify_timestamp"
	StageFetchWrappedKey     Stage = "fetch_wrapped_key"
	StageUnwrapKey           Stage = "unwrap_key"
	StageFetchCiphertext     Stage = "fetch_ciphertext"
	StageVerifyIntegrity     Stage = "verify_integrity"
	StageDecrypt             Stage = "decrypt"
	StageMaterializeResource Stage = "materialize_resource"
)

// StageComplete ends every successful run.
const StageComplete Stage = "complete"

// Progress is one progress report.
type Progress struct {
	Stage   Stage
	Percent int
}

// ProgressFunc receives progress reports synchronously. It must not block or
// call back into the pipeline.
type ProgressFunc func(Progress)

// reporter forwards progress, clamped to 0..100 and never decreasing.
type reporter struct {
	fn   ProgressFunc
	last int
}

func (r *reporter) report(stage Stage, percent int) {
	percent = max(0, min(100, percent))
	if percent < r.last {
		percent = r.last
	}
	r.last = percent
	if r.fn != nil {
		r.fn(Progress{Stage: stage, Percent: percent})
	}
}

// span returns a sub-progress callback that maps 0..100 onto from..to.
func (r *reporter) span(stage Stage, from, to int) func(int) {
	return func(sub int) {
		sub = max(0, min(100, sub))
		r.report(stage, from+sub*(to-from)/100)
	}
}

// run is the per-invocation state shared by both pipelines.
type run struct {
	ctx      context.Context
	name     string
	log      zerolog.Logger
	progress *reporter
	stage    Stage
	started  time.Time
}

func newRun(ctx context.Context, name string, log *zerolog.Logger, fn ProgressFunc) *run {
	return &run{
		ctx:      ctx,
		name:     name,
		log:      log.With().Str("pipeline", name).Logger(),
		progress: &reporter{fn: fn},
		started:  time.Now(),
	}
}

// enter moves the run to stage, unless the context has been canceled.
func (r *run) enter(stage Stage, percent int) error {
	if err := r.ctx.Err(); err != nil {
		return &Error{Stage: stage, Kind: KindCanceled, Err: err}
	}
	r.stage = stage
	r.progress.report(stage, percent)
	r.log.Debug().Str("stage", string(stage)).Int("progress", percent).Msg("pipeline stage")
	return nil
}

func (r *run) complete() {
	r.stage = StageComplete
	r.progress.report(StageComplete, 100)
}

func (r *run) fail(kind Kind, err error) error {
	return &Error{Stage: r.stage, Kind: kind, Err: err}
}

// collaboratorFailure classifies an error returned by a collaborator call.
// A canceled context wins over the collaborator's own kind.
func (r *run) collaboratorFailure(kind Kind, err error) error {
	if r.ctx.Err() != nil {
		return r.fail(KindCanceled, err)
	}
	return r.fail(kind, err)
}
