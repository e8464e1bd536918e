package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestHash_IsZero(t *testing.T) {
	var zero Hash
	if !zero.IsZero() {
		t.Error("zero-value Hash should be zero")
	}
	if (Hash{0x01}).IsZero() {
		t.Error("non-zero Hash should not be zero")
	}
}

func TestHash_Compare(t *testing.T) {
	a := Hash{0x01}
	b := Hash{0x02}
	if !a.Less(b) || b.Less(a) {
		t.Fatalf("expected %s < %s", a.Short(), b.Short())
	}
	if a.Compare(a) != 0 {
		t.Fatal("hash should compare equal to itself")
	}
}

func TestHexToHash(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", strings.Repeat("ab", 32), false},
		{"short", "abcd", true},
		{"not hex", strings.Repeat("zz", 32), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := HexToHash(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HexToHash(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && h.String() != tt.in {
				t.Errorf("round trip = %s, want %s", h, tt.in)
			}
		})
	}
}

func TestHash_JSON(t *testing.T) {
	h := Hash{0xde, 0xad}
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Hash
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != h {
		t.Errorf("got %s, want %s", got, h)
	}
	if err := json.Unmarshal([]byte(`""`), &got); err != nil || !got.IsZero() {
		t.Errorf("empty string should decode to zero hash, got %s err %v", got, err)
	}
}

func TestOutpoint_IsZero(t *testing.T) {
	if !(Outpoint{}).IsZero() {
		t.Error("null outpoint should be zero")
	}
	if (Outpoint{Index: 1}).IsZero() {
		t.Error("outpoint with index should not be zero")
	}
}

func TestScript_JSON(t *testing.T) {
	s := P2PKHScript(Address{0x01, 0x02})
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Script
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != ScriptTypeP2PKH || len(got.Data) != AddressSize || got.Data[1] != 0x02 {
		t.Errorf("got %+v", got)
	}
}
