// Package models provides data model definitions for centersync.
package models

import "time"

const (
	// HereLocalID is the surrogate id of the implicit "this center" row.
	// It must never surface in externally visible center listings.
	HereLocalID int64 = 0

	// CenterIDUnassigned marks a center whose globally-unique id is not
	// yet known. It is assigned on first successful contact.
	CenterIDUnassigned int64 = -1
)

// Center is a peer data store participating in synchronization.
// Centers are only ever logically deleted so historical change records
// can still reference them.
type Center struct {
	LocalID        int64         `db:"local_id" json:"local_id"`
	CenterID       int64         `db:"center_id" json:"center_id"`
	Name           string        `db:"name" json:"name"`
	URL            string        `db:"url" json:"url,omitempty"`
	ServerUser     string        `db:"server_user" json:"server_user,omitempty"`
	ServerPassword string        `db:"server_password" json:"-"` // Never expose
	ClientUser     string        `db:"client_user" json:"client_user,omitempty"`
	SyncFrequency  time.Duration `db:"sync_frequency" json:"sync_frequency"`
	ChangeSaveTime time.Duration `db:"change_save_time" json:"change_save_time"`
	LastImport     int64         `db:"last_import" json:"last_import"`
	LastExport     int64         `db:"last_export" json:"last_export"`
	Deleted        bool          `db:"is_deleted" json:"is_deleted"`
}

// TableName returns the table name for Center.
func (Center) TableName() string {
	return "centers"
}

// IsHere reports whether this is the implicit local center.
func (c *Center) IsHere() bool {
	return c.LocalID == HereLocalID
}

// HasCenterID reports whether the globally-unique id has been assigned.
func (c *Center) HasCenterID() bool {
	return c.CenterID != CenterIDUnassigned
}

// SyncEnabled reports whether automatic synchronization is enabled.
// A frequency of zero or less disables scheduled sync.
func (c *Center) SyncEnabled() bool {
	return c.SyncFrequency > 0
}

// Configured reports whether the center has enough connection
// information for a remote synchronization attempt.
func (c *Center) Configured() bool {
	return c.URL != "" && c.ServerUser != ""
}

// LastImportTime returns LastImport as time.Time (zero if never imported).
func (c *Center) LastImportTime() time.Time {
	if c.LastImport <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.LastImport)
}

// LastExportTime returns LastExport as time.Time (zero if never exported).
func (c *Center) LastExportTime() time.Time {
	if c.LastExport <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.LastExport)
}
