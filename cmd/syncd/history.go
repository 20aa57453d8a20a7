package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	syncengine "github.com/kimhsiao/centersync/internal/sync"
)

// parseSortSpecs turns "time:desc,user:asc" style specs into sorter
// directives, applied in reverse so the first spec ends up primary.
func parseSortSpecs(sorter *syncengine.HistorySorter, specs []string) error {
	for i := len(specs) - 1; i >= 0; i-- {
		field, dir, _ := strings.Cut(specs[i], ":")
		ascending := true
		switch strings.ToLower(dir) {
		case "", "asc":
		case "desc":
			ascending = false
		default:
			return fmt.Errorf("bad sort direction %q", dir)
		}
		switch f := syncengine.SortField(field); f {
		case syncengine.SortTime, syncengine.SortSubject, syncengine.SortUser, syncengine.SortChange:
			sorter.AddSort(f, ascending)
		default:
			return fmt.Errorf("unknown sort field %q", field)
		}
	}
	return nil
}

func newHistoryCmd() *cobra.Command {
	var since, until int64
	var sorts []string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "list retained change records",
		RunE: func(cmd *cobra.Command, args []string) error {
			sorter := syncengine.NewHistorySorter()
			if err := parseSortSpecs(sorter, sorts); err != nil {
				return err
			}

			k, closeAll, err := openKeeper()
			if err != nil {
				return err
			}
			defer closeAll()

			recs, err := k.ChangeHistory(since, until, sorter.OrderBy())
			if err != nil {
				return err
			}
			for _, rec := range recs {
				fmt.Fprintf(cmd.OutOrStdout(), "%d  %s/%s%+d  subject=%d  user=%s  %s\n",
					rec.Time, rec.Type.Subject.Name(), rec.Type.Change.Name(),
					int(rec.Type.Additivity), rec.Subject, rec.User, rec.ID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d change records\n", len(recs))
			return nil
		},
	}

	cmd.Flags().Int64Var(&since, "since", -1, "only changes newer than this epoch-millis time (-1 for all)")
	cmd.Flags().Int64Var(&until, "until", -1, "only changes at or before this epoch-millis time (-1 for no bound)")
	cmd.Flags().StringSliceVar(&sorts, "sort", []string{"time:desc"},
		"sort spec, field[:asc|desc] with fields time, subject_type, user, change_type")
	return cmd
}
