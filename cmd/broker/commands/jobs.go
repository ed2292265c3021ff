package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/jobs"
)

// StageCmd stages a file for a validation job
var StageCmd = &cobra.Command{
	Use:   "stage <validation-job> <file>",
	Short: "Stage a CSV, TXT or XLSX file for a validation job",
	Long: `Stage a file's rows for a validation job. Restaging replaces what was
staged before; identical content is skipped.`,
	Args: cobra.ExactArgs(2),
	RunE: runStage,
}

// FinalizeCmd finishes an upload job and validates its file
var FinalizeCmd = &cobra.Command{
	Use:   "finalize <upload-job>",
	Short: "Finish an upload job and validate the file that depends on it",
	Args:  cobra.ExactArgs(1),
	RunE:  runFinalize,
}

// ValidateCmd runs one validation job in the foreground
var ValidateCmd = &cobra.Command{
	Use:   "validate <validation-job>",
	Short: "Validate one job now",
	Long: `Validate one job in the foreground. A finished or invalid job must be
reset first, or pass --reset.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

// ResetCmd returns a job to waiting
var ResetCmd = &cobra.Command{
	Use:   "reset <job>",
	Short: "Return a finished, invalid or failed job to waiting",
	Args:  cobra.ExactArgs(1),
	RunE:  runReset,
}

var resetFirst bool

func init() {
	ValidateCmd.Flags().BoolVar(&resetFirst, "reset", false, "Reset the job before validating")
}

func runStage(cmd *cobra.Command, args []string) error {
	jobID, err := parseID(args[0], "job")
	if err != nil {
		return err
	}
	p, err := openPipeline()
	if err != nil {
		return err
	}
	defer p.Close()

	job, err := p.tracker.Store().Get(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	if job.Type != jobs.TypeValidation {
		return errors.NewClientInputError("job %d is a %s job, files are staged for validation jobs", jobID, job.Type)
	}

	result, err := p.loader.StageFile(cmd.Context(), jobID, args[1])
	if err != nil {
		return err
	}
	if result.Skipped {
		pterm.Info.Printf("%s is already staged for job %d\n", result.Filename, jobID)
		return nil
	}
	pterm.Success.Printf("Staged %d rows of %s for job %d\n", result.Rows, result.Filename, jobID)
	return nil
}

func runFinalize(cmd *cobra.Command, args []string) error {
	uploadID, err := parseID(args[0], "job")
	if err != nil {
		return err
	}
	p, err := openPipeline()
	if err != nil {
		return err
	}
	defer p.Close()

	dispatcher, inline := p.inline(cmd.Context())
	validationID, err := dispatcher.FinalizeUpload(cmd.Context(), uploadID)
	if validationID == 0 {
		return err
	}
	return reportRun(cmd, p, validationID, err, inline.Err)
}

func runValidate(cmd *cobra.Command, args []string) error {
	jobID, err := parseID(args[0], "job")
	if err != nil {
		return err
	}
	p, err := openPipeline()
	if err != nil {
		return err
	}
	defer p.Close()

	if resetFirst {
		if err := p.tracker.Reset(cmd.Context(), jobID); err != nil {
			return err
		}
	}
	dispatcher, inline := p.inline(cmd.Context())
	err = dispatcher.Dispatch(cmd.Context(), jobID)
	return reportRun(cmd, p, jobID, err, inline.Err)
}

// reportRun prints where a foreground dispatch left the job. A dispatch
// error is returned unless it is the reason the job was just invalidated;
// a run error is returned unless it is client input, which the job's
// status already shows.
func reportRun(cmd *cobra.Command, p *pipeline, jobID int64, dispatchErr, runErr error) error {
	job, err := p.tracker.Store().Get(cmd.Context(), jobID)
	if err != nil {
		return errors.CombineErrors(dispatchErr, err)
	}
	if dispatchErr != nil {
		justInvalidated := job.Status == jobs.StatusInvalid && job.Error != "" &&
			errors.IsClientInput(dispatchErr) && strings.Contains(dispatchErr.Error(), job.Error)
		if !justInvalidated {
			return dispatchErr
		}
	}
	switch job.Status {
	case jobs.StatusFinished:
		pterm.Success.Printf("Job %d finished: %d rows, %d errors, %d warnings\n",
			job.ID, job.NumberOfRows, job.NumberOfErrors, job.NumberOfWarnings)
	case jobs.StatusInvalid:
		pterm.Warning.Printf("Job %d is invalid: %s\n", job.ID, job.Error)
	default:
		fmt.Printf("Job %d is %s\n", job.ID, job.Status)
	}
	if runErr != nil && !errors.IsClientInput(runErr) {
		return runErr
	}
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	jobID, err := parseID(args[0], "job")
	if err != nil {
		return err
	}
	p, err := openPipeline()
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.tracker.Reset(cmd.Context(), jobID); err != nil {
		return err
	}
	pterm.Success.Printf("Job %d is waiting\n", jobID)
	return nil
}
