package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/centersync/internal/db"
	"github.com/kimhsiao/centersync/internal/export"
	"github.com/kimhsiao/centersync/internal/keeper"
	"github.com/kimhsiao/centersync/internal/logging"
	"github.com/kimhsiao/centersync/internal/models"
	syncengine "github.com/kimhsiao/centersync/internal/sync"
)

// openKeeper opens the configured database and namespace for the
// offline subcommands.
func openKeeper() (*keeper.RecordKeeper, func(), error) {
	logger := logging.New(os.Stderr, viper.GetString("log-level"))
	database, err := db.Open(viper.GetString("data-dir"))
	if err != nil {
		return nil, nil, err
	}
	if err := db.NewMigrator(database.DB).Migrate(); err != nil {
		database.Close()
		return nil, nil, err
	}
	k, err := keeper.New(database.DB, viper.GetString("namespace"), logger)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return k, func() {
		k.Close()
		database.Close()
	}, nil
}

func newExportCmd() *cobra.Command {
	var out, password, user string
	var since int64

	cmd := &cobra.Command{
		Use:   "export",
		Short: "write pending change records to an offline file",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, closeAll, err := openKeeper()
			if err != nil {
				return err
			}
			defer closeAll()

			s := syncengine.New(k, nil, logging.Discard())

			rec := models.NewSyncRecord(models.HereLocalID, models.SyncFile, false, nowMillis())
			tx := models.NewTransaction(user).WithSyncRecord(rec)
			if err := k.PutSyncRecord(rec, tx); err != nil {
				return err
			}

			// With no remote clock the cutoff is taken at face value.
			batch, err := s.Export(nil, rec, since, nowMillis(), nil, tx)
			rec.Finish(err)
			if perr := k.PutSyncRecord(rec, tx); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}

			if err := export.WriteFile(out, batch, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d change records to %s\n", len(batch.Changes), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "changes.csx", "output file path")
	cmd.Flags().StringVar(&password, "password", "", "encrypt the file with this password")
	cmd.Flags().StringVar(&user, "user", "offline", "acting user recorded on the attempt")
	cmd.Flags().Int64Var(&since, "since", -1, "only changes newer than this epoch-millis time (-1 for all)")
	return cmd
}

func newImportCmd() *cobra.Command {
	var in, password, user string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "apply change records from an offline file",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := export.ReadFile(in, password)
			if err != nil {
				return err
			}

			k, closeAll, err := openKeeper()
			if err != nil {
				return err
			}
			defer closeAll()

			s := syncengine.New(k, nil, logging.Discard())

			// The file may come from a known center; unknown origins
			// still import, they just advance no watermark.
			center, err := k.CenterByCenterID(batch.CenterID)
			if err != nil {
				center = nil
			}
			centerLocalID := models.HereLocalID
			if center != nil {
				centerLocalID = center.LocalID
			}

			rec := models.NewSyncRecord(centerLocalID, models.SyncFile, true, nowMillis())
			rec.ParallelID = batch.RecordID
			tx := models.NewTransaction(user).WithSyncRecord(rec)
			if err := k.PutSyncRecord(rec, tx); err != nil {
				return err
			}

			applied, skipped, importErr := s.Import(center, batch, tx)
			rec.Finish(importErr)
			if perr := k.PutSyncRecord(rec, tx); perr != nil {
				return perr
			}
			if importErr != nil {
				return importErr
			}

			fmt.Fprintf(cmd.OutOrStdout(), "applied %d change records, skipped %d already known\n", applied, skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&in, "in", "changes.csx", "input file path")
	cmd.Flags().StringVar(&password, "password", "", "password the file was encrypted with")
	cmd.Flags().StringVar(&user, "user", "offline", "acting user recorded on the attempt")
	return cmd
}
