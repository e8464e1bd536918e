package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Structural limits. They do not depend on chain state.
const (
	MaxTxInputs   = 2500
	MaxTxOutputs  = 2500
	MaxScriptData = 65_536
)

// Validation errors.
var (
	ErrNoInputs           = errors.New("transaction has no inputs")
	ErrNoOutputs          = errors.New("transaction has no outputs")
	ErrDuplicateInput     = errors.New("duplicate input")
	ErrZeroOutput         = errors.New("output value is zero")
	ErrUnknownScript      = errors.New("unknown script type")
	ErrMissingPubKey      = errors.New("input missing public key")
	ErrMissingSig         = errors.New("input missing signature")
	ErrTooManyInputs      = errors.New("too many inputs")
	ErrTooManyOutputs     = errors.New("too many outputs")
	ErrScriptDataTooLarge = errors.New("script data too large")
	ErrNullInput          = errors.New("null outpoint in non-coinbase transaction")
)

// Validate checks transaction structure. It never consults the ledger.
func (t *Transaction) Validate() error {
	if len(t.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(t.Outputs) == 0 {
		return ErrNoOutputs
	}
	if len(t.Inputs) > MaxTxInputs {
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(t.Inputs), MaxTxInputs)
	}
	if len(t.Outputs) > MaxTxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(t.Outputs), MaxTxOutputs)
	}

	coinbase := t.IsCoinbase()
	seen := make(map[types.Outpoint]struct{}, len(t.Inputs))
	for i, in := range t.Inputs {
		if _, dup := seen[in.PrevOut]; dup {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[in.PrevOut] = struct{}{}
		if coinbase {
			continue
		}
		if in.PrevOut.IsZero() {
			return fmt.Errorf("input %d: %w", i, ErrNullInput)
		}
		if len(in.PubKey) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrMissingPubKey)
		}
		if len(in.Signature) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrMissingSig)
		}
	}

	var total uint64
	for i, out := range t.Outputs {
		if out.Value == 0 && out.Script.Type != types.ScriptTypeBurn {
			return fmt.Errorf("output %d: %w", i, ErrZeroOutput)
		}
		if !out.Script.Type.Known() {
			return fmt.Errorf("output %d: %w: 0x%02x", i, ErrUnknownScript, uint8(out.Script.Type))
		}
		if len(out.Script.Data) > MaxScriptData {
			return fmt.Errorf("output %d: %w: %d bytes, max %d", i, ErrScriptDataTooLarge, len(out.Script.Data), MaxScriptData)
		}
		if total > math.MaxUint64-out.Value {
			return fmt.Errorf("output %d: %w", i, ErrValueOverflow)
		}
		total += out.Value
	}
	return nil
}
