package nats

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

// threadDiscriminator prefixes every stored thread record.
var threadDiscriminator = core.Sighash("account", "Thread")

// fingerprintSize is the length of an account trigger fingerprint.
const fingerprintSize = 32

var errTruncated = errors.New("thread record truncated")

// MarshalThread encodes th in the persisted account layout (little endian):
//
//	discriminator(8) | authority(32) | id(u32 len + bytes) | trigger |
//	paused(1) | fee(u64) | balance(u64) | rate_limit(u8) |
//	exec_context(option: started_at i64, next_index u32, executed u32) |
//	instructions(u32 count + {program(32), accounts(u32 count +
//	{pubkey(32), is_signer(1), is_writable(1)}), data(u32 len + bytes)})
//
// The trigger is a u8 tag followed by the variant body:
//
//	cron:      schedule(u32 len + bytes) skippable(1) baseline(i64)
//	now:       fired(1)
//	slot:      target(u64) fired(1)
//	epoch:     target(u64) fired(1)
//	timestamp: target(i64) fired(1)
//	account:   address(32) offset(u64) size(u64) fingerprint(option: 32)
func MarshalThread(th *core.Thread) ([]byte, error) {
	w := make([]byte, 0, 256)
	w = append(w, threadDiscriminator[:]...)
	w = append(w, th.Authority[:]...)
	w = appendString(w, th.ID)

	var err error
	if w, err = appendTrigger(w, &th.Trigger); err != nil {
		return nil, err
	}

	w = appendBool(w, th.Paused)
	w = binary.LittleEndian.AppendUint64(w, th.Fee)
	w = binary.LittleEndian.AppendUint64(w, th.Balance)
	w = append(w, th.RateLimit)

	if th.ExecContext == nil {
		w = append(w, 0)
	} else {
		w = append(w, 1)
		w = binary.LittleEndian.AppendUint64(w, uint64(th.ExecContext.StartedAt))
		w = binary.LittleEndian.AppendUint32(w, th.ExecContext.NextIndex)
		w = binary.LittleEndian.AppendUint32(w, th.ExecContext.Executed)
	}

	w = binary.LittleEndian.AppendUint32(w, uint32(len(th.Instructions)))
	for _, in := range th.Instructions {
		w = append(w, in.Program[:]...)
		w = binary.LittleEndian.AppendUint32(w, uint32(len(in.Accounts)))
		for _, acc := range in.Accounts {
			w = append(w, acc.Pubkey[:]...)
			w = appendBool(w, acc.IsSigner)
			w = appendBool(w, acc.IsWritable)
		}
		w = appendBytes(w, in.Data)
	}
	return w, nil
}

func appendTrigger(w []byte, t *core.Trigger) ([]byte, error) {
	if !t.Kind.Valid() {
		return nil, fmt.Errorf("encode trigger: unknown kind %d", uint8(t.Kind))
	}
	w = append(w, byte(t.Kind))
	switch t.Kind {
	case core.TriggerCron:
		w = appendString(w, t.Schedule)
		w = appendBool(w, t.Skippable)
		w = binary.LittleEndian.AppendUint64(w, uint64(t.Baseline.Timestamp))
	case core.TriggerNow:
		w = appendBool(w, t.Baseline.Fired)
	case core.TriggerSlot, core.TriggerEpoch, core.TriggerTimestamp:
		w = binary.LittleEndian.AppendUint64(w, uint64(t.Target))
		w = appendBool(w, t.Baseline.Fired)
	case core.TriggerAccount:
		w = append(w, t.Address[:]...)
		w = binary.LittleEndian.AppendUint64(w, t.Offset)
		w = binary.LittleEndian.AppendUint64(w, t.Size)
		switch len(t.Baseline.Fingerprint) {
		case 0:
			w = append(w, 0)
		case fingerprintSize:
			w = append(w, 1)
			w = append(w, t.Baseline.Fingerprint...)
		default:
			return nil, fmt.Errorf("encode trigger: fingerprint is %d bytes, want %d",
				len(t.Baseline.Fingerprint), fingerprintSize)
		}
	}
	return w, nil
}

func appendBool(w []byte, b bool) []byte {
	if b {
		return append(w, 1)
	}
	return append(w, 0)
}

func appendString(w []byte, s string) []byte {
	w = binary.LittleEndian.AppendUint32(w, uint32(len(s)))
	return append(w, s...)
}

func appendBytes(w []byte, b []byte) []byte {
	w = binary.LittleEndian.AppendUint32(w, uint32(len(b)))
	return append(w, b...)
}

// UnmarshalThread decodes a record written by MarshalThread.
func UnmarshalThread(data []byte) (*core.Thread, error) {
	r := &reader{buf: data}

	var disc [8]byte
	r.read(disc[:])
	if r.err == nil && disc != threadDiscriminator {
		return nil, errors.New("decode thread: discriminator mismatch")
	}

	th := &core.Thread{}
	r.read(th.Authority[:])
	th.ID = r.string()
	th.Trigger = r.trigger()
	th.Paused = r.bool()
	th.Fee = r.u64()
	th.Balance = r.u64()
	th.RateLimit = r.u8()

	if r.bool() {
		th.ExecContext = &core.ExecContext{
			StartedAt: int64(r.u64()),
			NextIndex: r.u32(),
			Executed:  r.u32(),
		}
	}

	n := r.count(core.AddressSize + 4 + 4)
	if n > 0 {
		th.Instructions = make([]core.Instruction, 0, n)
	}
	for i := 0; i < n && r.err == nil; i++ {
		var in core.Instruction
		r.read(in.Program[:])
		accounts := r.count(core.AddressSize + 2)
		if accounts > 0 {
			in.Accounts = make([]core.AccountMeta, accounts)
		}
		for j := 0; j < accounts && r.err == nil; j++ {
			r.read(in.Accounts[j].Pubkey[:])
			in.Accounts[j].IsSigner = r.bool()
			in.Accounts[j].IsWritable = r.bool()
		}
		in.Data = r.bytes()
		th.Instructions = append(th.Instructions, in)
	}

	if r.err != nil {
		return nil, fmt.Errorf("decode thread: %w", r.err)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("decode thread: %d trailing bytes", len(r.buf))
	}
	return th, nil
}

// reader consumes a byte slice, remembering the first error.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.err = errTruncated
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) read(dst []byte) {
	copy(dst, r.take(len(dst)))
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) bool() bool {
	switch v := r.u8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		if r.err == nil {
			r.err = fmt.Errorf("invalid bool byte %d", v)
		}
		return false
	}
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// count reads a u32 element count and rejects counts that cannot fit in the
// remaining bytes at minSize bytes per element.
func (r *reader) count(minSize int) int {
	n := r.u32()
	if r.err != nil {
		return 0
	}
	if uint64(n)*uint64(minSize) > uint64(len(r.buf)) || n > math.MaxInt32 {
		r.err = errTruncated
		return 0
	}
	return int(n)
}

func (r *reader) bytes() []byte {
	n := r.count(1)
	b := r.take(n)
	if b == nil || n == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *reader) string() string {
	return string(r.bytes())
}

func (r *reader) trigger() core.Trigger {
	var t core.Trigger
	t.Kind = core.TriggerKind(r.u8())
	if r.err != nil {
		return t
	}
	switch t.Kind {
	case core.TriggerCron:
		t.Schedule = r.string()
		t.Skippable = r.bool()
		t.Baseline.Timestamp = int64(r.u64())
	case core.TriggerNow:
		t.Baseline.Fired = r.bool()
	case core.TriggerSlot, core.TriggerEpoch, core.TriggerTimestamp:
		t.Target = int64(r.u64())
		t.Baseline.Fired = r.bool()
	case core.TriggerAccount:
		r.read(t.Address[:])
		t.Offset = r.u64()
		t.Size = r.u64()
		if r.bool() {
			t.Baseline.Fingerprint = append([]byte(nil), r.take(fingerprintSize)...)
		}
	default:
		r.err = fmt.Errorf("unknown trigger tag %d", uint8(t.Kind))
	}
	return t
}
