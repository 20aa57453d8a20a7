package sync

import (
	"github.com/sirupsen/logrus"

	apperrors "github.com/kimhsiao/centersync/internal/errors"
	"github.com/kimhsiao/centersync/internal/keeper"
	"github.com/kimhsiao/centersync/internal/logging"
	"github.com/kimhsiao/centersync/internal/models"
)

// ScaleAdapter propagates changes made by a sibling process sharing the
// same database into this process's in-memory state. The current field
// value is always re-read from durable storage, never from a snapshot
// cache: the cache may be exactly the stale state the sibling just
// invalidated. Application is memory-only, so it produces no change
// record and no durable write.
type ScaleAdapter struct {
	keeper *keeper.RecordKeeper
	log    *logrus.Entry
}

// NewScaleAdapter creates an adapter over the shared keeper.
func NewScaleAdapter(k *keeper.RecordKeeper, logger *logrus.Logger) *ScaleAdapter {
	return &ScaleAdapter{
		keeper: k,
		log:    logging.ForNamespace(logger, k.Namespace()),
	}
}

// CheckChange applies one sibling-made change to in-memory state.
func (a *ScaleAdapter) CheckChange(rec *models.ChangeRecord) error {
	value, err := a.keeper.CurrentValue(rec)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// The subject is already gone again; nothing to propagate.
			return nil
		}
		return err
	}
	tx := models.NewMemoryTransaction()
	return a.keeper.ApplyChanges([]keeper.ResolvedChange{{Record: rec, Value: value}}, tx)
}

// CheckChanges applies a set of sibling-made changes, continuing past
// individual failures so one bad record does not block the rest.
func (a *ScaleAdapter) CheckChanges(recs []*models.ChangeRecord) {
	for _, rec := range recs {
		if err := a.CheckChange(rec); err != nil {
			a.log.WithError(err).WithField("record", rec.ID).Warn("failed to propagate sibling change")
		}
	}
}
