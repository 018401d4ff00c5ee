package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// receiptsPerThread is how many recent receipts the stream keeps per thread.
const receiptsPerThread = 32

// SetupJetStream creates the receipts stream and the KV buckets.
func SetupJetStream(ctx context.Context, js jetstream.JetStream, lockTTL time.Duration) error {
	// All receipts share one stream, trimmed per subject so every thread
	// keeps its most recent history.
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              StreamName,
		Subjects:          []string{ReceiptsAllSubject()},
		Storage:           jetstream.FileStorage,
		Retention:         jetstream.LimitsPolicy,
		MaxMsgsPerSubject: receiptsPerThread,
		MaxAge:            30 * 24 * time.Hour,
		Discard:           jetstream.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", StreamName, err)
	}

	// Create KV buckets
	buckets := []struct {
		name    string
		ttl     time.Duration
		history uint8
	}{
		{BucketThreads, 0, 5},
		{BucketWorkers, 0, 1},
		{BucketLedger, 0, 1},
		{BucketAccounts, 0, 1},
		{BucketChain, 0, 1},
		{BucketCrankLocks, lockTTL, 1}, // leases expire on their own
		{BucketFailures, 0, 1},
		{BucketOverrides, 0, 1},
		{BucketSettlements, 0, 1},
	}

	for _, b := range buckets {
		cfg := jetstream.KeyValueConfig{
			Bucket:  b.name,
			Storage: jetstream.FileStorage,
			History: b.history,
		}
		if b.ttl > 0 {
			cfg.TTL = b.ttl
		}
		if _, err := js.CreateOrUpdateKeyValue(ctx, cfg); err != nil {
			return fmt.Errorf("creating KV bucket %s: %w", b.name, err)
		}
	}

	return nil
}
