package chain

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-node/pkg/types"
)

// Header insertion failures, carried as the Kind of a HeaderError.
var (
	ErrMissingParent       = errors.New("missing parent")
	ErrDuplicate           = errors.New("duplicate header")
	ErrDescendantOfInvalid = errors.New("descendant of invalid block")
)

// Chain errors.
var (
	ErrUnknownHeader   = errors.New("unknown header")
	ErrBodyMismatch    = errors.New("body does not match header merkle root")
	ErrInvalidBlock    = errors.New("block is invalid")
	ErrNotValidated    = errors.New("block not fully validated")
	ErrNotFound        = errors.New("not found")
	ErrReorgTooDeep    = errors.New("reorg too deep")
	ErrRolledBack      = errors.New("reorg rolled back")
	ErrRollbackFailed  = errors.New("reorg rollback failed")
	ErrHalted          = errors.New("chain manager halted")
	ErrGenesisMismatch = errors.New("stored genesis does not match network")
)

// HeaderError reports why a header could not be placed in the index.
type HeaderError struct {
	Kind error
	Hash types.Hash
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("header %s: %v", e.Hash.Short(), e.Kind)
}

func (e *HeaderError) Unwrap() error { return e.Kind }
