package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/databroker/am"
	"github.com/teranos/databroker/certify"
	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/jobs"
	"github.com/teranos/databroker/logger"
	"github.com/teranos/databroker/report"
)

// SubmissionCmd groups submission commands
var SubmissionCmd = &cobra.Command{
	Use:     "submission",
	Aliases: []string{"sub"},
	Short:   "Create submissions and inspect their status",
	Long: `submission - Create submissions and inspect their status

Examples:
  broker submission create --cgac 097 --year 2024 --period 6 --quarterly \
      --file appropriations=./a.csv --file program_activity=./b.csv
  broker submission status 1
  broker submission metrics 1 --json
  broker submission reports 1 --write`,
}

var submissionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a submission with an upload and validation job per file",
	RunE:  runSubmissionCreate,
}

var submissionStatusCmd = &cobra.Command{
	Use:   "status <submission>",
	Short: "Show the jobs of a submission",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmissionStatus,
}

var submissionMetricsCmd = &cobra.Command{
	Use:   "metrics <submission>",
	Short: "Show aggregated errors and warnings per file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmissionMetrics,
}

var submissionReportsCmd = &cobra.Command{
	Use:   "reports <submission>",
	Short: "Show, or write, the error report of every file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmissionReports,
}

var (
	createCGAC      string
	createFREC      string
	createYear      int
	createPeriod    int
	createQuarterly bool
	createUser      int64
	createFiles     []string

	jsonOutput   bool
	writeReports bool
)

func init() {
	f := submissionCreateCmd.Flags()
	f.StringVar(&createCGAC, "cgac", "", "CGAC code of the submitting agency")
	f.StringVar(&createFREC, "frec", "", "FR entity code, when there is no CGAC code")
	f.IntVar(&createYear, "year", 0, "Reporting fiscal year")
	f.IntVar(&createPeriod, "period", 0, "Reporting fiscal period (1-12)")
	f.BoolVar(&createQuarterly, "quarterly", false, "Quarterly submission")
	f.Int64Var(&createUser, "user", 0, "Submitting user id")
	f.StringArrayVar(&createFiles, "file", nil, "File to stage as <file-type>=<path> (repeatable)")

	for _, c := range []*cobra.Command{submissionStatusCmd, submissionMetricsCmd, submissionReportsCmd} {
		c.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	}
	submissionReportsCmd.Flags().BoolVar(&writeReports, "write", false, "Write the CSV reports under reports.base_path")

	SubmissionCmd.AddCommand(submissionCreateCmd)
	SubmissionCmd.AddCommand(submissionStatusCmd)
	SubmissionCmd.AddCommand(submissionMetricsCmd)
	SubmissionCmd.AddCommand(submissionReportsCmd)
}

func parseFiles(args []string) ([]jobs.FileJobs, error) {
	files := make([]jobs.FileJobs, 0, len(args))
	for _, arg := range args {
		fileType, path, ok := strings.Cut(arg, "=")
		if !ok || fileType == "" || path == "" {
			return nil, errors.NewClientInputError("--file %q: expected <file-type>=<path>", arg)
		}
		files = append(files, jobs.FileJobs{FileType: fileType, Filename: path})
	}
	return files, nil
}

func runSubmissionCreate(cmd *cobra.Command, args []string) error {
	files, err := parseFiles(createFiles)
	if err != nil {
		return err
	}

	p, err := openPipeline()
	if err != nil {
		return err
	}
	defer p.Close()
	ctx := cmd.Context()

	for _, f := range files {
		if _, err := p.rules.RulesFor(f.FileType); err != nil {
			return errors.NewClientInputError("--file %s: unknown file type", f.FileType)
		}
	}

	gate, err := certify.NewGate(p.db, p.cfg.Certification, logger.Logger)
	if err != nil {
		return err
	}
	sub := &certify.Submission{
		CGACCode:      createCGAC,
		FRECCode:      createFREC,
		FiscalYear:    createYear,
		FiscalPeriod:  createPeriod,
		QuarterFormat: createQuarterly,
	}
	subID, err := gate.CreateSubmission(ctx, sub, createUser)
	if err != nil {
		return err
	}

	paths := make(map[string]string, len(files))
	for i := range files {
		paths[files[i].FileType] = files[i].Filename
		files[i].Filename = filepath.Base(files[i].Filename)
	}
	pairs, err := p.tracker.Store().CreateFileJobs(ctx, subID, files)
	if err != nil {
		return err
	}

	data := pterm.TableData{{"File type", "Upload job", "Validation job", "Rows"}}
	for _, pair := range pairs {
		staged, err := p.loader.StageFile(ctx, pair.ValidationID, paths[pair.FileType])
		if err != nil {
			return errors.Wrapf(err, "stage %s", pair.FileType)
		}
		data = append(data, []string{
			pair.FileType, strconv.FormatInt(pair.UploadID, 10),
			strconv.FormatInt(pair.ValidationID, 10), strconv.Itoa(staged.Rows),
		})
	}

	pterm.Success.Printf("Created submission %d for %s, FY%d P%02d\n", subID, sub.Agency(), sub.FiscalYear, sub.FiscalPeriod)
	if len(pairs) == 0 {
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func openReporter() (*report.Reporter, *pipeline, error) {
	p, err := openPipeline()
	if err != nil {
		return nil, nil, err
	}
	return report.NewReporter(p.db, report.PathLocator{BasePath: p.cfg.GetReportsPath()}), p, nil
}

func runSubmissionStatus(cmd *cobra.Command, args []string) error {
	subID, err := parseID(args[0], "submission")
	if err != nil {
		return err
	}
	r, p, err := openReporter()
	if err != nil {
		return err
	}
	defer p.Close()

	status, err := r.SubmissionStatus(cmd.Context(), subID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(status)
	}

	publishable := pterm.Yellow("not publishable")
	if status.Publishable {
		publishable = pterm.LightGreen("publishable")
	}
	fmt.Printf("Submission %d: %s, %s\n\n", status.SubmissionID, status.PublishStatus, publishable)

	data := pterm.TableData{{"Job", "Type", "File type", "Status", "Rows", "Errors", "Warnings", "Detail"}}
	for _, j := range status.Jobs {
		var details []string
		if len(j.HeadersMissing) > 0 {
			details = append(details, "missing headers: "+strings.Join(j.HeadersMissing, ", "))
		}
		if len(j.HeadersDuplicated) > 0 {
			details = append(details, "duplicated headers: "+strings.Join(j.HeadersDuplicated, ", "))
		}
		if len(details) == 0 && j.Message != "" {
			details = append(details, j.Message)
		}
		detail := strings.Join(details, "; ")
		data = append(data, []string{
			strconv.FormatInt(j.JobID, 10), j.JobType, j.FileType, colorStatus(j.Status),
			strconv.Itoa(j.Rows), strconv.Itoa(j.Errors), strconv.Itoa(j.Warnings), detail,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func colorStatus(status string) string {
	switch jobs.Status(status) {
	case jobs.StatusFinished:
		return pterm.LightGreen(status)
	case jobs.StatusInvalid, jobs.StatusFailed:
		return pterm.Red(status)
	case jobs.StatusRunning:
		return pterm.LightCyan(status)
	default:
		return status
	}
}

func runSubmissionMetrics(cmd *cobra.Command, args []string) error {
	subID, err := parseID(args[0], "submission")
	if err != nil {
		return err
	}
	r, p, err := openReporter()
	if err != nil {
		return err
	}
	defer p.Close()

	metrics, err := r.ErrorMetrics(cmd.Context(), subID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(metrics)
	}

	fileTypes := make([]string, 0, len(metrics))
	for ft := range metrics {
		fileTypes = append(fileTypes, ft)
	}
	sort.Strings(fileTypes)

	for _, ft := range fileTypes {
		m := metrics[ft]
		fmt.Printf("%s (job %d): %d errors, %d warnings\n", pterm.LightCyan(ft), m.JobID, len(m.Errors), len(m.Warnings))
		if len(m.Errors)+len(m.Warnings) == 0 {
			continue
		}
		data := pterm.TableData{{"Severity", "Field", "Error", "Rule", "Occurrences", "First row"}}
		for _, e := range m.Errors {
			data = append(data, metricRow(pterm.Red("error"), e))
		}
		for _, w := range m.Warnings {
			data = append(data, metricRow(pterm.Yellow("warning"), w))
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		fmt.Println()
	}
	return nil
}

func metricRow(severity string, m report.Metric) []string {
	return []string{severity, m.FieldName, m.ErrorName, m.RuleLabel, strconv.Itoa(m.Occurrences), strconv.Itoa(m.FirstRow)}
}

func runSubmissionReports(cmd *cobra.Command, args []string) error {
	subID, err := parseID(args[0], "submission")
	if err != nil {
		return err
	}
	r, p, err := openReporter()
	if err != nil {
		return err
	}
	defer p.Close()
	ctx := cmd.Context()

	locations, err := r.ReportLocations(ctx, subID)
	if err != nil {
		return err
	}

	if writeReports {
		for _, loc := range locations {
			for _, target := range []struct {
				path    string
				warning bool
			}{{loc.ErrorReport, false}, {loc.WarningReport, true}} {
				n, err := writeReport(cmd, r, loc.JobID, target.warning, target.path)
				if err != nil {
					return err
				}
				logger.Logger.Debugw("report written", logger.FieldJobID, loc.JobID, "path", target.path, logger.FieldCount, n)
			}
		}
	}

	if jsonOutput {
		return printJSON(locations)
	}
	data := pterm.TableData{{"Job", "File type", "Error report", "Warning report"}}
	for _, loc := range locations {
		data = append(data, []string{strconv.FormatInt(loc.JobID, 10), loc.FileType, loc.ErrorReport, loc.WarningReport})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func writeReport(cmd *cobra.Command, r *report.Reporter, jobID int64, warning bool, path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), am.DefaultDirPermissions); err != nil {
		return 0, errors.Wrapf(err, "create report directory for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrapf(err, "create report %s", path)
	}
	n, err := r.WriteReport(cmd.Context(), jobID, warning, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrapf(cerr, "close report %s", path)
	}
	return n, err
}
