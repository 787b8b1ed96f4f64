package cli

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/hostsweep/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
	Long: `Apply or inspect the embedded schema migrations for the configured
database driver.`,
	Example: `  hostsweep migrate up
  hostsweep migrate status --config /etc/hostsweep/config.yaml`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(database *db.DB) error {
			ran, err := db.NewMigrator(database).Up(cmd.Context())
			if err != nil {
				return err
			}
			printMigrationsApplied(cmd.OutOrStdout(), ran)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which migrations have been applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(database *db.DB) error {
			statuses, err := db.NewMigrator(database).Status(cmd.Context())
			if err != nil {
				return err
			}
			return renderMigrationStatus(cmd.OutOrStdout(), statuses)
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd)
}

func printMigrationsApplied(w io.Writer, ran []string) {
	if len(ran) == 0 {
		fmt.Fprintln(w, "Schema is up to date.")
		return
	}
	for _, name := range ran {
		fmt.Fprintf(w, "Applied %s\n", name)
	}
}

func renderMigrationStatus(w io.Writer, statuses []db.MigrationStatus) error {
	table := tablewriter.NewWriter(w)
	table.Header("Migration", "Status", "Applied At")

	for i := range statuses {
		st := &statuses[i]
		status, appliedAt := "pending", "-"
		if st.Applied {
			status = "applied"
			appliedAt = st.AppliedAt.Format("2006-01-02 15:04")
		}
		if st.Modified {
			status = "modified"
		}
		if err := table.Append([]string{st.Name, status, appliedAt}); err != nil {
			return err
		}
	}
	return table.Render()
}
