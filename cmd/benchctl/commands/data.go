package commands

import (
	"errors"
	"fmt"
	"os"

	"bench-history/internal/history"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// ErrBackupUnsupported is returned by backup and restore on non-badger engines
var ErrBackupUnsupported = errors.New("backup and restore need the badger engine")

func newExportCommand(app *App) *cobra.Command {
	var plainJSON bool

	cmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Write the whole history as a data.js document",
		Long: `Write every suite as a github-action-benchmark data.js document to file,
or stdout when file is omitted. --json drops the script assignment.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := app.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer local.Close()

			doc, err := local.svc.Export(cmd.Context())
			if err != nil {
				return err
			}
			data, err := doc.Encode(!plainJSON)
			if err != nil {
				return err
			}

			if len(args) == 0 || args[0] == "-" {
				_, err = app.out.Write(data)
				return err
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}
			fmt.Fprintf(app.errOut, "Exported %d suites (%s) to %s\n", len(doc.Entries), humanize.Bytes(uint64(len(data))), args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&plainJSON, "json", false, "write plain JSON instead of a data.js script")
	return cmd
}

func newImportCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Append every run of a data.js document to the history",
		Long: `Append the runs of a data.js (or plain JSON) document in document order.
Runs that fail validation are skipped and counted; runs are not evaluated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read document: %w", err)
			}
			doc, err := history.ParseDocument(data)
			if err != nil {
				return err
			}

			local, err := app.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer local.Close()

			results, err := local.svc.Import(cmd.Context(), doc)
			for _, r := range results {
				fmt.Fprintf(app.out, "%s: %d appended, %d rejected\n", r.Suite, r.Appended, r.Rejected)
			}
			return err
		},
	}
}

func newBackupCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <path>",
		Short: "Write a badger backup of the local history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := app.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer local.Close()

			repo, err := badgerRepository(local.repo)
			if err != nil {
				return err
			}
			if err := repo.Backup(args[0]); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			fmt.Fprintf(app.errOut, "Backup written to %s\n", args[0])
			return nil
		},
	}
}

func newRestoreCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <path>",
		Short: "Load a badger backup into the local history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := app.openLocal(cmd.Context())
			if err != nil {
				return err
			}
			defer local.Close()

			repo, err := badgerRepository(local.repo)
			if err != nil {
				return err
			}
			if err := repo.Restore(args[0]); err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Fprintf(app.errOut, "Restored %s\n", args[0])
			return nil
		},
	}
}

func badgerRepository(repo history.Repository) (*history.BadgerRepository, error) {
	if cached, ok := repo.(*history.CachedRepository); ok {
		repo = cached.Repository
	}
	b, ok := repo.(*history.BadgerRepository)
	if !ok {
		return nil, ErrBackupUnsupported
	}
	return b, nil
}
