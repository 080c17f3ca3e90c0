// Package optimistic tracks local edits that have been shown to the user
// but not yet confirmed by the store. Edits leave the buffer through
// Reconcile, when a pushed RecordSet shows the store caught up, or through
// Rollback, when the gateway rejects the write. Age alone never removes an
// edit; Overdue only reports it.
package optimistic
