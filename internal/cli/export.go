package cli

import (
	"fmt"
	"path/filepath"

	"laundrybot/internal/database"
	"laundrybot/internal/export"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write machines, users and history to an xlsx workbook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			db, err := database.NewDB(cfg.Database.Path, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			clk := clock.New()
			path := filepath.Join(dir, export.FileName(clk.Now()))
			if err := export.NewService(db, clk, logger).SaveToFile(cmd.Context(), path); err != nil {
				return fmt.Errorf("export: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "output directory")
	return cmd
}
