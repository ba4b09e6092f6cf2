package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dvaper/proxmox-commander/internal/infrastructure"
	"github.com/dvaper/proxmox-commander/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		p, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := p.Current()
		ctx := cmd.Context()

		var st *store.Store
		if cfg.Database.Driver == "postgres" {
			db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.MigrateRiver(ctx); err != nil {
				return err
			}
			st = store.OpenPostgres(db.Pool)
		} else {
			if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			if st, err = store.OpenSQLite(ctx, store.SQLiteConfig{Path: cfg.Database.Path}); err != nil {
				return err
			}
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.Database.Driver)
		return nil
	},
}
