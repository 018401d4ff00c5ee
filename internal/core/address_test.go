package core

import (
	"encoding/json"
	"testing"
)

func TestAddress_RoundTripsThroughBase58(t *testing.T) {
	var a Address
	for i := range a {
		a[i] = byte(i + 1)
	}
	parsed, err := ParseAddress(a.String())
	if err != nil {
		t.Fatalf("ParseAddress() error: %v", err)
	}
	if parsed != a {
		t.Errorf("ParseAddress(String()) = %v, want %v", parsed, a)
	}
}

func TestParseAddress_RejectsWrongLength(t *testing.T) {
	tests := []string{"", "abc", "0OIl"}
	for _, s := range tests {
		if _, err := ParseAddress(s); err == nil {
			t.Errorf("ParseAddress(%q) expected error", s)
		}
	}
}

func TestAddress_JSON(t *testing.T) {
	a := Address{9, 9, 9}
	data, err := json.Marshal(struct {
		A Address `json:"a"`
	}{a})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	want := `{"a":"` + a.String() + `"}`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}

	var out struct {
		A Address `json:"a"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if out.A != a {
		t.Errorf("Unmarshal() = %v, want %v", out.A, a)
	}
}

func TestThreadAddress_Deterministic(t *testing.T) {
	authority := Address{1}
	a1 := ThreadAddress(authority, "daily")
	a2 := ThreadAddress(authority, "daily")
	if a1 != a2 {
		t.Error("ThreadAddress() is not deterministic")
	}
	if ThreadAddress(authority, "weekly") == a1 {
		t.Error("different ids produced the same address")
	}
	if ThreadAddress(Address{2}, "daily") == a1 {
		t.Error("different authorities produced the same address")
	}
}

func TestSighash(t *testing.T) {
	a := Sighash("account", "Thread")
	b := Sighash("account", "Thread")
	if a != b {
		t.Error("Sighash() is not deterministic")
	}
	if Sighash("global", "Thread") == a {
		t.Error("namespace does not affect Sighash()")
	}
}

func TestTriggerKind_Text(t *testing.T) {
	for k := TriggerCron; k <= TriggerAccount; k++ {
		text, err := k.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d) error: %v", k, err)
		}
		var back TriggerKind
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q) error: %v", text, err)
		}
		if back != k {
			t.Errorf("UnmarshalText(%q) = %v, want %v", text, back, k)
		}
	}

	var k TriggerKind
	if err := k.UnmarshalText([]byte("interval")); err == nil {
		t.Error("UnmarshalText(interval) expected error")
	}
}
