package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/databroker/am"
	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/logger"
	"github.com/teranos/databroker/rules"
)

// RulesCmd lists the loaded rule definitions
var RulesCmd = &cobra.Command{
	Use:   "rules [file-type]",
	Short: "List rule definitions",
	Long: `List the rule definitions the validator uses.

Without arguments every file type is listed with its definition version.
With a file type, its columns and rules are listed.

Definitions are embedded in the binary; files in rules.dir with a higher
version replace them.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRules,
}

func runRules(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	store, err := rules.NewStore(cfg.Rules.Dir, logger.Logger)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		data := pterm.TableData{{"File type", "Version", "Columns", "Rules", "Source"}}
		for _, ft := range store.FileTypes() {
			rs, err := store.RulesFor(ft)
			if err != nil {
				return err
			}
			data = append(data, []string{
				ft, rs.Version.String(), strconv.Itoa(len(rs.Fields)), strconv.Itoa(len(rs.Rules)), rs.Source,
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}

	rs, err := store.RulesFor(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s %s (%s)\n\n", pterm.LightCyan(rs.FileType), rs.Version, rs.Source)

	columns := pterm.TableData{{"Column", "Type", "Required"}}
	for _, f := range rs.Fields {
		columns = append(columns, []string{f.Name, string(f.Type), strconv.FormatBool(f.Required)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(columns).Render(); err != nil {
		return err
	}
	fmt.Println()

	list := pterm.TableData{{"Rule", "Label", "Kind", "Severity", "Fields"}}
	for _, r := range rs.Rules {
		list = append(list, []string{r.ReportKey(), r.Label, string(r.Kind), string(r.Severity), strings.Join(r.Fields, ", ")})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(list).Render()
}
