package log

import "ember/epoch"

// Iterator walks one logger's durable segment in (epoch, ordinal)
// order.
type Iterator interface {
	// Next returns the next record, or nil at end of segment.
	Next() (*Record, error)
	Close() error
}

// Manager is the log-side contract the snapshot pipeline depends on.
type Manager interface {
	// DurableGlobalEpoch is the greatest epoch whose logs are synced
	// on every logger.
	DurableGlobalEpoch() epoch.Epoch
	// OpenSegment opens the given logger's records with epochs in
	// (fromExcl, toIncl], sorted by (epoch, ordinal).
	OpenSegment(node uint16, logger uint16, fromExcl epoch.Epoch, toIncl epoch.Epoch) (Iterator, error)
}
