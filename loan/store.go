package loan

import (
	"fmt"

	"github.com/google/uuid"

	"degenlend/capability"
	"degenlend/errs"
)

// Persistence is the narrow storage surface the loan store needs.
type Persistence interface {
	GetLoan(id uuid.UUID) (*Record, error)
	PutLoan(rec *Record) error
}

// Store mediates access to loan records. Mutations require the admin
// capability held by the pools and the liquidation engine.
type Store struct {
	state Persistence
	gate  *capability.Gate
}

// NewStore wires a Store over the given persistence.
func NewStore(state Persistence, gate *capability.Gate) *Store {
	return &Store{state: state, gate: gate}
}

// Get loads a record by ID. A missing loan is a state error, not a nil
// record.
func (s *Store) Get(id uuid.UUID) (*Record, error) {
	rec, err := s.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: loan %s not found", errs.State, id)
	}
	return rec, nil
}

// Put writes a record after checking the caller holds the admin capability.
func (s *Store) Put(tok capability.Token, rec *Record) error {
	if err := s.gate.Authorize(tok); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: nil loan record", errs.Validation)
	}
	if rec.ID == uuid.Nil {
		return fmt.Errorf("%w: loan record missing id", errs.Validation)
	}
	return s.state.PutLoan(rec)
}
