package types

import (
	"encoding/hex"
	"encoding/json"
)

// ScriptType identifies the locking condition of an output.
type ScriptType uint8

const (
	ScriptTypeP2PKH ScriptType = 0x01 // Pay to public key hash
	ScriptTypeBurn  ScriptType = 0x11 // Provably unspendable
)

// String returns a human-readable name for the script type.
func (st ScriptType) String() string {
	switch st {
	case ScriptTypeP2PKH:
		return "P2PKH"
	case ScriptTypeBurn:
		return "Burn"
	default:
		return "Unknown"
	}
}

// Known reports whether the script type is one the ledger understands.
func (st ScriptType) Known() bool {
	return st == ScriptTypeP2PKH || st == ScriptTypeBurn
}

// Script defines the locking condition for a UTXO.
type Script struct {
	Type ScriptType `json:"type"`
	Data []byte     `json:"data"`
}

// P2PKHScript returns a script paying to addr.
func P2PKHScript(addr Address) Script {
	return Script{Type: ScriptTypeP2PKH, Data: append([]byte(nil), addr[:]...)}
}

type scriptJSON struct {
	Type ScriptType `json:"type"`
	Data string     `json:"data"`
}

// MarshalJSON encodes the script with hex-encoded data.
func (s Script) MarshalJSON() ([]byte, error) {
	return json.Marshal(scriptJSON{
		Type: s.Type,
		Data: hex.EncodeToString(s.Data),
	})
}

// UnmarshalJSON decodes a script with hex-encoded data.
func (s *Script) UnmarshalJSON(data []byte) error {
	var j scriptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	s.Type = j.Type
	s.Data = nil
	if j.Data != "" {
		b, err := hex.DecodeString(j.Data)
		if err != nil {
			return err
		}
		s.Data = b
	}
	return nil
}
