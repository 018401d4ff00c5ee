package nats

import (
	"fmt"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// Subject hierarchy for thread-to-NATS mapping.
//
//	ojs.receipts.{thread}        -- crank receipts (JetStream)
//	ojs.programs.{program}       -- instruction invocation (request/reply)
//	ojs.events.thread.{thread}   -- per-thread lifecycle events
//	ojs.events.all               -- every lifecycle event
const (
	StreamName    = "OJS_THREADS"
	SubjectPrefix = "ojs"

	// KV bucket names
	BucketThreads     = "ojs-threads"
	BucketWorkers     = "ojs-workers"
	BucketLedger      = "ojs-ledger"
	BucketAccounts    = "ojs-accounts"
	BucketChain       = "ojs-chain"
	BucketCrankLocks  = "ojs-crank-locks"
	BucketFailures    = "ojs-failures"
	BucketOverrides   = "ojs-overrides"
	BucketSettlements = "ojs-settlements"
)

// ReceiptSubject returns the subject crank receipts for thread are stored on.
// Example: ojs.receipts.8xZq...
func ReceiptSubject(thread core.Address) string {
	return fmt.Sprintf("%s.receipts.%s", SubjectPrefix, thread)
}

// ReceiptsAllSubject returns the wildcard subject for all receipts.
// Used for stream subject filter.
func ReceiptsAllSubject() string {
	return fmt.Sprintf("%s.receipts.>", SubjectPrefix)
}

// ProgramSubject returns the request subject a program serves instructions on.
// Example: ojs.programs.Tokenkeg...
func ProgramSubject(program core.Address) string {
	return fmt.Sprintf("%s.programs.%s", SubjectPrefix, program)
}

// chainClockKey is the key of the clock in the chain bucket.
const chainClockKey = "clock"
