package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teranos/databroker/am"
	"github.com/teranos/databroker/cmd/broker/commands"
	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/logger"
)

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "Federal spending data broker",
	Long: `broker - stage, validate and certify agency spending submissions.

Files are staged against a submission's upload jobs, validated against the
rule definitions for their file type, and certified once every file is clean.

Available commands:
  am          - Show and manage configuration
  db          - Migrate and inspect the database
  rules       - List rule definitions
  submission  - Create submissions and inspect their status
  stage       - Stage a file for a validation job
  finalize    - Finish an upload job and validate its file
  validate    - Validate one job now
  reset       - Return a job to waiting
  worker      - Run the validation worker pool
  certify     - Certify a submission, manage submission windows
  user        - Manage users

Examples:
  broker submission create --cgac 097 --year 2024 --period 6 --quarterly \
      --file program_activity=./b.csv
  broker finalize 1
  broker submission status 1
  broker certify 1 --user 3`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; BROKER_* values in it feed the config layer
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to load .env")
		}

		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs := false
		if cfg, err := am.Load(); err == nil {
			jsonLogs = cfg.Log.JSON
		}
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.RulesCmd)
	rootCmd.AddCommand(commands.SubmissionCmd)
	rootCmd.AddCommand(commands.StageCmd)
	rootCmd.AddCommand(commands.FinalizeCmd)
	rootCmd.AddCommand(commands.ValidateCmd)
	rootCmd.AddCommand(commands.ResetCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.CertifyCmd)
	rootCmd.AddCommand(commands.UserCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		logger.Cleanup()
		os.Exit(1)
	}
}
