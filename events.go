package txkeeper

// RecordEvent is emitted whenever a record is created or changes status.
// It is keyed by record id and status so listeners can match `{id}:{status}`
// pairs without polling the store.
type RecordEvent struct {
	ID     string
	Status TxStatus
	Record *TransactionRecord
}

// WarningEvent carries a non-fatal, per-record error from the pending
// transaction monitor. Warnings never change record status.
type WarningEvent struct {
	ID  string
	Err error
}

// BadgeEvent is the aggregate counter event emitted after every record
// mutation, for presentation layers that render pending counts.
type BadgeEvent struct {
	UnapprovedCount int
	PendingCount    int
}
