package commands

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/databroker/am"
	"github.com/teranos/databroker/db"
	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/jobs"
	"github.com/teranos/databroker/logger"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the broker database",
	Long: `db - Manage the broker database

Examples:
  broker db migrate     # Apply pending migrations
  broker db stats       # Show job and submission counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	database, err := db.Open(cfg.GetDatabasePath(), logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()

	applied, err := db.MigrateContext(cmd.Context(), database, logger.Logger)
	for _, m := range applied {
		pterm.Printf("  %s %s\n", pterm.LightGreen("applied"), m.Name)
	}
	if err != nil {
		return err
	}
	pterm.Success.Printf("Database %s is up to date\n", cfg.GetDatabasePath())
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()

	counts, err := jobs.NewStore(database).Counts(ctx)
	if err != nil {
		return err
	}

	var submissions, published, staged int
	if err := database.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(publish_status <> 'unpublished'), 0) FROM submissions`).
		Scan(&submissions, &published); err != nil {
		return errors.Wrap(err, "failed to count submissions")
	}
	if err := database.QueryRowContext(ctx, `SELECT COUNT(*) FROM staged_files`).Scan(&staged); err != nil {
		return errors.Wrap(err, "failed to count staged files")
	}

	fmt.Printf("Database Path: %s\n", cfg.GetDatabasePath())
	fmt.Printf("Submissions:   %d (%d published)\n", submissions, published)
	fmt.Printf("Staged files:  %d\n\n", staged)

	data := pterm.TableData{{"Job status", "Count"}}
	for _, status := range []jobs.Status{
		jobs.StatusWaiting, jobs.StatusRunning, jobs.StatusFinished, jobs.StatusInvalid, jobs.StatusFailed,
	} {
		data = append(data, []string{string(status), strconv.Itoa(counts[status])})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
