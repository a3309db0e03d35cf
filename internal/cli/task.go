package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/proofwork/proofwork/internal/app/provision"
	"github.com/proofwork/proofwork/internal/domain"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskCreateCmd)

	taskCreateCmd.Flags().StringP("template", "t", "", "Path to task template YAML")
	taskCreateCmd.Flags().String("owner", "", "Owner principal id")
	taskCreateCmd.MarkFlagRequired("template")
	taskCreateCmd.MarkFlagRequired("owner")
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task from a YAML template",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("template")
		owner, _ := cmd.Flags().GetString("owner")

		tpl, err := provision.Load(path)
		if err != nil {
			return err
		}
		task, err := provision.Materialize(tpl, owner)
		if err != nil {
			return err
		}

		d, err := openDaemon(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		task, err = d.Proofs.RegisterTask(cmd.Context(), owner, domain.Fingerprint{}, task)
		if err != nil {
			return fmt.Errorf("register task: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	},
}
