package core

import (
	"bytes"
	"fmt"
)

// TriggerKind tags the variant held by a Trigger. The set is closed.
type TriggerKind uint8

const (
	TriggerCron TriggerKind = iota
	TriggerNow
	TriggerSlot
	TriggerEpoch
	TriggerTimestamp
	TriggerAccount
)

var triggerKindNames = [...]string{
	TriggerCron:      "cron",
	TriggerNow:       "now",
	TriggerSlot:      "slot",
	TriggerEpoch:     "epoch",
	TriggerTimestamp: "timestamp",
	TriggerAccount:   "account",
}

// MaxAccountWindow is the largest account byte window a trigger may watch.
const MaxAccountWindow = 1024

// Valid reports whether k is one of the defined variants.
func (k TriggerKind) Valid() bool {
	return int(k) < len(triggerKindNames)
}

func (k TriggerKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("TriggerKind(%d)", uint8(k))
	}
	return triggerKindNames[k]
}

// MarshalText implements encoding.TextMarshaler.
func (k TriggerKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown trigger kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *TriggerKind) UnmarshalText(text []byte) error {
	for i, name := range triggerKindNames {
		if name == string(text) {
			*k = TriggerKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown trigger kind %q", text)
}

// Baseline is the last value a trigger observed. Which fields are meaningful
// depends on the trigger kind:
//
//	cron:                   Timestamp is the last matched occurrence (or the anchor)
//	now/slot/epoch/timestamp: Fired is the one-shot flag
//	account:                Fingerprint is the hash of the last observed window
type Baseline struct {
	Timestamp   int64  `json:"timestamp,omitempty"`
	Fired       bool   `json:"fired,omitempty"`
	Fingerprint []byte `json:"fingerprint,omitempty"`
}

// Equal reports whether two baselines hold the same values.
func (b Baseline) Equal(o Baseline) bool {
	return b.Timestamp == o.Timestamp && b.Fired == o.Fired && bytes.Equal(b.Fingerprint, o.Fingerprint)
}

// Trigger decides when a thread becomes eligible to run.
//
// Only the fields belonging to Kind are meaningful:
//
//	cron:      Schedule, Skippable
//	slot:      Target (slot number)
//	epoch:     Target (epoch number)
//	timestamp: Target (unix seconds)
//	account:   Address, Offset, Size
type Trigger struct {
	Kind      TriggerKind `json:"kind"`
	Schedule  string      `json:"schedule,omitempty"`
	Skippable bool        `json:"skippable,omitempty"`
	Target    int64       `json:"target,omitempty"`
	Address   Address     `json:"address,omitzero"`
	Offset    uint64      `json:"offset,omitempty"`
	Size      uint64      `json:"size,omitempty"`
	Baseline  Baseline    `json:"baseline"`
}

// CronTrigger builds a cron trigger.
func CronTrigger(schedule string, skippable bool) Trigger {
	return Trigger{Kind: TriggerCron, Schedule: schedule, Skippable: skippable}
}

// NowTrigger builds a trigger that fires once per re-arm.
func NowTrigger() Trigger {
	return Trigger{Kind: TriggerNow}
}

// SlotTrigger fires once the chain reaches slot.
func SlotTrigger(slot uint64) Trigger {
	return Trigger{Kind: TriggerSlot, Target: int64(slot)}
}

// EpochTrigger fires once the chain reaches epoch.
func EpochTrigger(epoch uint64) Trigger {
	return Trigger{Kind: TriggerEpoch, Target: int64(epoch)}
}

// TimestampTrigger fires once chain time reaches unix.
func TimestampTrigger(unix int64) Trigger {
	return Trigger{Kind: TriggerTimestamp, Target: unix}
}

// AccountTrigger fires whenever data[offset:offset+size] of address changes.
func AccountTrigger(address Address, offset, size uint64) Trigger {
	return Trigger{Kind: TriggerAccount, Address: address, Offset: offset, Size: size}
}

// IsOneShot reports whether the trigger must be reset to fire again.
func (t Trigger) IsOneShot() bool {
	switch t.Kind {
	case TriggerNow, TriggerSlot, TriggerEpoch, TriggerTimestamp:
		return true
	}
	return false
}

// Clone returns a deep copy of the trigger.
func (t Trigger) Clone() Trigger {
	if t.Baseline.Fingerprint != nil {
		t.Baseline.Fingerprint = append([]byte(nil), t.Baseline.Fingerprint...)
	}
	return t
}
