package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/deploymate/deploymate/internal/application"
	"github.com/deploymate/deploymate/internal/domain"
	"github.com/deploymate/deploymate/internal/infrastructure/config"
	"github.com/deploymate/deploymate/internal/infrastructure/gitlab_http"
	"github.com/deploymate/deploymate/internal/infrastructure/logging"
	"github.com/deploymate/deploymate/internal/infrastructure/store_fs"
	"github.com/spf13/cobra"
)

var (
	deployVars []string
	deployJSON bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy <group-id> <branch>",
	Short: "Trigger pipelines for a branch across every project in a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid group id %q", args[0])
		}
		branch := args[1]

		var vars []domain.Variable
		for _, kv := range deployVars {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid variable %q, want KEY=VALUE", kv)
			}
			vars = append(vars, domain.Variable{Key: k, Value: v})
		}

		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		gl := gitlab_http.New(cfg.GitLab.BaseURL, cfg.GitLab.Token, cfg.GitLab.Timeout)
		groups := store_fs.NewGroupStore(cfg.Store.GroupsPath)
		history := store_fs.NewHistoryStore(cfg.Store.HistoryPath)
		o := application.NewOrchestrator(gl, groups, history, application.NewKeyedMutex(), log)

		outcome, err := o.BulkTrigger(cmd.Context(), groupID, branch, vars)
		if err != nil {
			return err
		}

		if deployJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(outcome)
		}

		fmt.Printf("%s @ %s\n", outcome.Group, outcome.Branch)
		for _, r := range outcome.Triggered {
			fmt.Printf("  triggered  %-30s pipeline #%d\n", r.Name, r.PipelineID)
		}
		for _, r := range outcome.Skipped {
			fmt.Printf("  skipped    %-30s pipeline #%d still running\n", r.Name, r.PipelineID)
		}
		for _, r := range outcome.Failed {
			fmt.Printf("  failed     %-30s %s\n", r.Name, r.Error)
		}
		if len(outcome.Failed) > 0 {
			return fmt.Errorf("%d of %d projects failed to trigger",
				len(outcome.Failed), len(outcome.Triggered)+len(outcome.Skipped)+len(outcome.Failed))
		}
		return nil
	},
}

func init() {
	deployCmd.Flags().StringArrayVar(&deployVars, "var", nil, "pipeline variable KEY=VALUE (repeatable)")
	deployCmd.Flags().BoolVar(&deployJSON, "json", false, "print JSON")

	rootCmd.AddCommand(deployCmd)
}
