package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/deploymate/deploymate/internal/infrastructure/config"
	"github.com/deploymate/deploymate/internal/infrastructure/store_fs"
	"github.com/spf13/cobra"
)

var groupsJSON bool

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List deployment groups from the group store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		store := store_fs.NewGroupStore(cfg.Store.GroupsPath)
		groups, _, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}

		if groupsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(groups)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tPROJECTS")
		for _, g := range groups {
			ids := make([]string, 0, len(g.ProjectIDs))
			for _, id := range g.ProjectIDs {
				ids = append(ids, strconv.FormatInt(id, 10))
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", g.ID, g.Name, strings.Join(ids, ","))
		}
		_ = w.Flush()
		return nil
	},
}

func init() {
	groupsCmd.Flags().BoolVar(&groupsJSON, "json", false, "print JSON")

	rootCmd.AddCommand(groupsCmd)
}
