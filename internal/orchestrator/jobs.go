package orchestrator

import "context"

// registerHandlers binds job types to pipeline operations. Follow-up jobs are
// enqueued only after the triggering handler returned, so their handlers
// always observe the committed writes of their predecessor.
func (o *Orchestrator) registerHandlers() {
	o.handlers = map[JobType]func(ctx context.Context, job Job) error{
		JobFetchSignals: func(ctx context.Context, job Job) error {
			if err := o.pipeline.FetchExternalSignals(ctx, job.EntityID); err != nil {
				return err
			}
			o.followUp(Job{Type: JobGenerateTimeline, EntityID: job.EntityID})
			return nil
		},
		JobGenerateTimeline: func(ctx context.Context, job Job) error {
			return o.pipeline.GenerateTimeline(ctx, job.EntityID)
		},
		JobGenerateHypotheses: func(ctx context.Context, job Job) error {
			if err := o.pipeline.GenerateHypotheses(ctx, job.EntityID); err != nil {
				return err
			}
			o.followUp(Job{Type: JobGenerateActions, EntityID: job.EntityID})
			return nil
		},
		JobGenerateActions: func(ctx context.Context, job Job) error {
			return o.pipeline.GenerateActions(ctx, job.EntityID)
		},
		JobGeneratePostmortem: func(ctx context.Context, job Job) error {
			return o.pipeline.GeneratePostmortem(ctx, job.EntityID)
		},
		JobIndexEvidence: func(ctx context.Context, job Job) error {
			return o.pipeline.IndexEvidence(ctx, job.EntityID)
		},
		JobAnalyzeScreenshot: func(ctx context.Context, job Job) error {
			return o.pipeline.AnalyzeScreenshot(ctx, job.EntityID)
		},
		JobIndexRunbook: func(ctx context.Context, job Job) error {
			return o.pipeline.IndexRunbook(ctx, job.EntityID)
		},
	}
}

// followUp enqueues a successor job. A full queue drops the follow-up with a
// log line; the successor can be re-triggered manually and the predecessor's
// own success is not rolled back.
func (o *Orchestrator) followUp(job Job) {
	if err := o.Enqueue(job); err != nil {
		o.logger.Warn("follow-up enqueue failed", "job", job.Type, "entity_id", job.EntityID, "error", err)
	}
}
