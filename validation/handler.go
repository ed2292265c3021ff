package validation

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/jobs"
	"github.com/teranos/databroker/logger"
	"github.com/teranos/databroker/staging"
)

// Handler runs validation jobs: fetch staged rows, evaluate, flush.
// A header failure is written as a file error and reported as client input,
// which the runner turns into an invalid job.
type Handler struct {
	source     staging.Source
	evaluator  *Evaluator
	aggregator *Aggregator
	logger     *zap.SugaredLogger
}

// NewHandler creates the validation job handler
func NewHandler(source staging.Source, evaluator *Evaluator, aggregator *Aggregator, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{source: source, evaluator: evaluator, aggregator: aggregator, logger: log.Named("validation")}
}

// Name implements jobs.Handler
func (h *Handler) Name() string { return string(jobs.TypeValidation) }

// Execute implements jobs.Handler
func (h *Handler) Execute(ctx context.Context, job *jobs.Job) error {
	records, err := h.source.Fetch(ctx, job.ID)
	if errors.IsNotFoundError(err) {
		return errors.Wrapf(err, "no staged data for job %d", job.ID)
	}
	if err != nil {
		return errors.WrapValidationFault(err, "fetch staged rows for job %d", job.ID)
	}
	defer records.Close()

	target := Target{
		JobID:        job.ID,
		SubmissionID: job.SubmissionID,
		FileType:     job.FileType,
		Filename:     job.Filename,
	}
	tally, err := h.evaluator.Evaluate(ctx, target, records)

	var herr *HeaderError
	if errors.As(err, &herr) {
		if werr := h.aggregator.WriteFileError(ctx, job.ID, job.Filename, herr); werr != nil {
			return werr
		}
		return err
	}
	if err != nil {
		return errors.WithDetailf(err, "file type %s", job.FileType)
	}

	n, err := h.aggregator.Flush(ctx, tally)
	if err != nil {
		return err
	}
	h.logger.With(logger.FieldsFromContext(ctx)...).Debugw("validation flushed", logger.FieldCount, n, "rows", tally.Rows())
	return nil
}
