// Package models provides data model definitions for centersync.
package models

// RecordsTransaction is the unit-of-work context passed through every
// mutating record-keeper call. It carries the acting user, the sync
// record of the attempt that caused the mutation (if any), and the flags
// deciding whether the mutation is durable and whether durable changes
// additionally produce change records.
type RecordsTransaction struct {
	User       string
	SyncRecord *SyncRecord

	memoryOnly     bool
	withoutRecords bool
	time           int64
	activated      bool
}

// NewTransaction creates a durable, record-producing transaction for the
// given acting user. A transaction with no user is memory-only: there is
// nobody to attribute durable changes to.
func NewTransaction(user string) *RecordsTransaction {
	return &RecordsTransaction{
		User:       user,
		memoryOnly: user == "",
	}
}

// NewMemoryTransaction creates a transaction that writes nothing durable,
// used for in-memory-only propagation of sibling-instance changes.
func NewMemoryTransaction() *RecordsTransaction {
	return &RecordsTransaction{memoryOnly: true}
}

// WithoutRecords marks the transaction so durable writes do not produce
// change records. Returns the transaction for chaining.
func (t *RecordsTransaction) WithoutRecords() *RecordsTransaction {
	t.withoutRecords = true
	return t
}

// WithSyncRecord associates the transaction with a synchronization
// attempt. Returns the transaction for chaining.
func (t *RecordsTransaction) WithSyncRecord(rec *SyncRecord) *RecordsTransaction {
	t.SyncRecord = rec
	return t
}

// Activate stamps the transaction time. The time is set exactly once;
// later calls are no-ops so every mutation in the transaction shares one
// timestamp.
func (t *RecordsTransaction) Activate(now int64) {
	if t.activated {
		return
	}
	t.time = now
	t.activated = true
}

// Activated reports whether the transaction time has been set.
func (t *RecordsTransaction) Activated() bool {
	return t.activated
}

// Time returns the transaction timestamp (epoch millis).
func (t *RecordsTransaction) Time() int64 {
	return t.time
}

// MemoryOnly reports whether the transaction writes nothing durable.
func (t *RecordsTransaction) MemoryOnly() bool {
	return t.memoryOnly
}

// ShouldRecord reports whether durable changes made under this
// transaction produce change records. True only when the transaction is
// neither memory-only nor explicitly marked without records.
func (t *RecordsTransaction) ShouldRecord() bool {
	return !t.memoryOnly && !t.withoutRecords
}
