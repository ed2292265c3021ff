package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/databroker/am"
	"github.com/teranos/databroker/certify"
	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/logger"
)

// CertifyCmd certifies a submission and manages submission windows
var CertifyCmd = &cobra.Command{
	Use:   "certify <submission>",
	Short: "Certify a submission",
	Long: `Certify (publish) a submission on behalf of a user.

The user needs the submitter capability for the submission's agency. A
blocking submission window, a monthly submission, an already published
submission, a published submission for the same agency and period, or
critical validation errors each prevent certification.

Examples:
  broker certify 12 --user 3
  broker certify windows
  broker certify windows add --start 2024-04-10 --end 2024-04-19 --block --message "GTAS is loading"
  broker certify period --cgac 097 --year 2024 --period 6
  broker certify history 12`,
	Args: cobra.ExactArgs(1),
	RunE: runCertify,
}

var certifyWindowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "List the submission windows active today",
	Args:  cobra.NoArgs,
	RunE:  runCertifyWindows,
}

var certifyWindowsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a submission window",
	Args:  cobra.NoArgs,
	RunE:  runCertifyWindowsAdd,
}

var certifyPeriodCmd = &cobra.Command{
	Use:   "period",
	Short: "Check whether an agency's period is already published",
	Args:  cobra.NoArgs,
	RunE:  runCertifyPeriod,
}

var certifyHistoryCmd = &cobra.Command{
	Use:   "history <submission>",
	Short: "List a submission's certifications",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertifyHistory,
}

var (
	certifyUser int64

	windowStart   string
	windowEnd     string
	windowBlock   bool
	windowMessage string

	periodCGAC    string
	periodFREC    string
	periodYear    int
	periodPeriod  int
	periodExclude int64
)

func init() {
	CertifyCmd.Flags().Int64Var(&certifyUser, "user", 0, "Certifying user id")
	CertifyCmd.MarkFlagRequired("user")

	f := certifyWindowsAddCmd.Flags()
	f.StringVar(&windowStart, "start", "", "First day, YYYY-MM-DD")
	f.StringVar(&windowEnd, "end", "", "Last day, YYYY-MM-DD")
	f.BoolVar(&windowBlock, "block", false, "Block certification while the window is active")
	f.StringVar(&windowMessage, "message", "", "Message shown to users, required with --block")

	f = certifyPeriodCmd.Flags()
	f.StringVar(&periodCGAC, "cgac", "", "CGAC code")
	f.StringVar(&periodFREC, "frec", "", "FR entity code")
	f.IntVar(&periodYear, "year", 0, "Reporting fiscal year")
	f.IntVar(&periodPeriod, "period", 0, "Reporting fiscal period")
	f.Int64Var(&periodExclude, "exclude", 0, "Submission id to leave out")

	certifyWindowsCmd.AddCommand(certifyWindowsAddCmd)
	CertifyCmd.AddCommand(certifyWindowsCmd)
	CertifyCmd.AddCommand(certifyPeriodCmd)
	CertifyCmd.AddCommand(certifyHistoryCmd)
}

func openGate() (*certify.Gate, func() error, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load configuration")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	gate, err := certify.NewGate(database, cfg.Certification, logger.Logger)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return gate, database.Close, nil
}

func runCertify(cmd *cobra.Command, args []string) error {
	subID, err := parseID(args[0], "submission")
	if err != nil {
		return err
	}
	gate, closeDB, err := openGate()
	if err != nil {
		return err
	}
	defer closeDB()

	history, err := gate.Certify(cmd.Context(), subID, certifyUser)
	if err != nil {
		printRejection(err)
		return err
	}
	pterm.Success.Printf("Submission %d certified by user %d at %s\n",
		history.SubmissionID, history.UserID, history.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}

func printRejection(err error) {
	var r *certify.Rejection
	if !errors.As(err, &r) {
		return
	}
	pterm.Warning.Printf("Submission %d cannot be certified: %s\n", r.SubmissionID, r.Reason)
	if r.ConflictingID != 0 {
		pterm.Printf("  %s %d\n", pterm.Gray("conflicting submission:"), r.ConflictingID)
	}
}

func runCertifyWindows(cmd *cobra.Command, args []string) error {
	gate, closeDB, err := openGate()
	if err != nil {
		return err
	}
	defer closeDB()

	windows, err := gate.ActiveWindows(cmd.Context())
	if err != nil {
		return err
	}
	if len(windows) == 0 {
		fmt.Printf("No submission windows active on %s\n", gate.Today())
		return nil
	}

	data := pterm.TableData{{"Window", "Start", "End", "Blocks", "Message"}}
	for _, w := range windows {
		blocks := "no"
		if w.BlockCertification {
			blocks = pterm.Red("yes")
		}
		data = append(data, []string{strconv.FormatInt(w.ID, 10), w.StartDate, w.EndDate, blocks, w.Message})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runCertifyWindowsAdd(cmd *cobra.Command, args []string) error {
	gate, closeDB, err := openGate()
	if err != nil {
		return err
	}
	defer closeDB()

	id, err := gate.AddWindow(cmd.Context(), certify.Window{
		StartDate:          windowStart,
		EndDate:            windowEnd,
		BlockCertification: windowBlock,
		Message:            windowMessage,
	})
	if err != nil {
		return err
	}
	pterm.Success.Printf("Added submission window %d (%s to %s)\n", id, windowStart, windowEnd)
	return nil
}

func runCertifyPeriod(cmd *cobra.Command, args []string) error {
	gate, closeDB, err := openGate()
	if err != nil {
		return err
	}
	defer closeDB()

	err = gate.CheckPeriod(cmd.Context(), certify.PeriodQuery{
		CGACCode:     periodCGAC,
		FRECCode:     periodFREC,
		FiscalYear:   periodYear,
		FiscalPeriod: periodPeriod,
		ExcludeID:    periodExclude,
	})
	var r *certify.Rejection
	if errors.As(err, &r) {
		pterm.Warning.Printf("FY%d P%02d is taken by submission %d\n", periodYear, periodPeriod, r.ConflictingID)
		return nil
	}
	if err != nil {
		return err
	}
	pterm.Success.Printf("FY%d P%02d is open\n", periodYear, periodPeriod)
	return nil
}

func runCertifyHistory(cmd *cobra.Command, args []string) error {
	subID, err := parseID(args[0], "submission")
	if err != nil {
		return err
	}
	gate, closeDB, err := openGate()
	if err != nil {
		return err
	}
	defer closeDB()

	if _, err := gate.Submission(cmd.Context(), subID); err != nil {
		return err
	}
	history, err := gate.History(cmd.Context(), subID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Printf("Submission %d has not been certified\n", subID)
		return nil
	}
	data := pterm.TableData{{"Certification", "User", "At"}}
	for _, h := range history {
		data = append(data, []string{
			strconv.FormatInt(h.ID, 10), strconv.FormatInt(h.UserID, 10), h.CreatedAt.Format("2006-01-02 15:04:05 MST"),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
