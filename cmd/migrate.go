package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawfleet/internal/config"
)

// migrateCmd applies pending database migrations and exits. Opening the
// store runs them; this exists so deploys can migrate before serving.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Printf("database up to date: %s\n", cfg.DatabasePath())
			return nil
		},
	}
}
