package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"laundrybot/internal/database"
	"laundrybot/internal/service"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the state of every machine",
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

			svc := service.NewReservationService(db, db, nil, nil, nil, clock.New(), logger)
			snapshot, err := svc.StatusSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snapshot)
			}
			return printStatus(cmd.OutOrStdout(), snapshot)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printStatus(w io.Writer, snapshot []service.MachineStatus) error {
	if len(snapshot) == 0 {
		_, err := fmt.Fprintln(w, "no machines configured")
		return err
	}
	for _, st := range snapshot {
		line := fmt.Sprintf("%-4s %-6s %s", st.ID, st.Kind, st.State)
		if st.State == service.DisplayReserved {
			line += fmt.Sprintf(" (%d min left)", st.MinutesRemaining)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
