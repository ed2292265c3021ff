package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/databroker/am"
	"github.com/teranos/databroker/errors"
	"github.com/teranos/databroker/perms"
)

// UserCmd manages users and their agency affiliations
var UserCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
	Long: `user - Manage users and their agency affiliations

Capabilities: reader, writer, submitter, fabs. Submitters may also write
and read; writers may read.

Examples:
  broker user add --name "Pat Doe" --email pat@treasury.gov --cgac 097 --caps submitter
  broker user show 3`,
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a user with one agency affiliation",
	RunE:  runUserAdd,
}

var userShowCmd = &cobra.Command{
	Use:   "show <user>",
	Short: "Show a user's affiliations",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserShow,
}

var (
	userName  string
	userEmail string
	userAdmin bool
	userCGAC  string
	userFREC  string
	userCaps  string
)

func init() {
	f := userAddCmd.Flags()
	f.StringVar(&userName, "name", "", "Display name")
	f.StringVar(&userEmail, "email", "", "Email address (unique)")
	f.BoolVar(&userAdmin, "admin", false, "Website admin, holds every capability")
	f.StringVar(&userCGAC, "cgac", "", "CGAC code of the affiliated agency")
	f.StringVar(&userFREC, "frec", "", "FR entity code of the affiliated agency")
	f.StringVar(&userCaps, "caps", "reader", "Comma separated capabilities for the affiliation")
	userAddCmd.MarkFlagRequired("email")

	UserCmd.AddCommand(userAddCmd)
	UserCmd.AddCommand(userShowCmd)
}

func openUsers() (*perms.Store, func() error, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load configuration")
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return perms.NewStore(database), database.Close, nil
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	caps, err := perms.ParseSet(userCaps)
	if err != nil {
		return errors.NewClientInputError("--caps: %v", err)
	}
	u := &perms.User{Name: userName, Email: userEmail, WebsiteAdmin: userAdmin}
	if userCGAC != "" || userFREC != "" {
		u.Affiliations = []perms.Affiliation{{
			Agency:       perms.Agency{CGACCode: userCGAC, FRECCode: userFREC},
			Capabilities: caps,
		}}
	}

	users, closeDB, err := openUsers()
	if err != nil {
		return err
	}
	defer closeDB()

	id, err := users.CreateUser(cmd.Context(), u)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Created user %d (%s)\n", id, u.Email)
	return nil
}

func runUserShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "user")
	if err != nil {
		return err
	}
	users, closeDB, err := openUsers()
	if err != nil {
		return err
	}
	defer closeDB()

	u, err := users.User(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Printf("User %d: %s <%s>", u.ID, u.Name, u.Email)
	if u.WebsiteAdmin {
		fmt.Print(" ", pterm.LightMagenta("website admin"))
	}
	fmt.Println()
	if len(u.Affiliations) == 0 {
		return nil
	}

	data := pterm.TableData{{"Agency", "Capabilities"}}
	for _, a := range u.Affiliations {
		data = append(data, []string{a.Agency.String(), a.Capabilities.String()})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
