package sync

import "github.com/kimhsiao/centersync/internal/models"

// EventHandler receives attempt lifecycle notifications, for admin UIs
// and audit surfaces. Handlers must not block the attempt.
type EventHandler interface {
	SyncStarted(center *models.Center, rec *models.SyncRecord)
	SyncCompleted(center *models.Center, rec *models.SyncRecord)
	SyncFailed(center *models.Center, rec *models.SyncRecord, err error)
}

// noopEvents is used when no handler is registered.
type noopEvents struct{}

func (noopEvents) SyncStarted(*models.Center, *models.SyncRecord)       {}
func (noopEvents) SyncCompleted(*models.Center, *models.SyncRecord)     {}
func (noopEvents) SyncFailed(*models.Center, *models.SyncRecord, error) {}
