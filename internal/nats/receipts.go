package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// publishReceipt appends receipt to the thread's receipt subject. The
// receipt id doubles as the JetStream message id, so a retried publish is
// deduplicated.
func (b *NATSBackend) publishReceipt(ctx context.Context, receipt *core.CrankReceipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	subject := ReceiptSubject(receipt.Thread)
	if _, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(receipt.ID)); err != nil {
		return fmt.Errorf("publish receipt %s to %s: %w", receipt.ID, subject, err)
	}
	return nil
}

// LatestReceipt returns the most recent crank receipt of a thread.
func (b *NATSBackend) LatestReceipt(ctx context.Context, addr core.Address) (*core.CrankReceipt, error) {
	stream, err := b.js.Stream(ctx, StreamName)
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("opening stream %s: %v", StreamName, err))
	}
	msg, err := stream.GetLastMsgForSubject(ctx, ReceiptSubject(addr))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil, core.NewNotFoundError("Receipt", addr.String())
	}
	if err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("reading receipt: %v", err))
	}
	var receipt core.CrankReceipt
	if err := json.Unmarshal(msg.Data, &receipt); err != nil {
		return nil, core.NewInternalError(fmt.Sprintf("decoding receipt: %v", err))
	}
	return &receipt, nil
}
