// Package state is the JSON codec layer between the domain components and
// the raw key-value database.
package state

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"degenlend/asset"
	"degenlend/ledger"
	"degenlend/lending"
	"degenlend/loan"
	"degenlend/storage"
)

// Store persists protocol state under typed key prefixes. It satisfies the
// persistence interfaces of the ledger, loan store, and lending pools.
type Store struct {
	db storage.Database
}

// NewStore wires a Store over the given database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func accountKey(id uuid.UUID) []byte    { return []byte("user/" + id.String()) }
func registrationKey(key string) []byte { return []byte("registration/" + key) }
func loanKey(id uuid.UUID) []byte       { return []byte("loan/" + id.String()) }
func poolKey(a asset.ID) []byte         { return []byte("lendpool/" + string(a)) }

func (s *Store) get(key []byte, out interface{}) (bool, error) {
	raw, err := s.db.Get(key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) put(key []byte, in interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return s.db.Put(key, raw)
}

// GetAccount loads an account, nil when unknown.
func (s *Store) GetAccount(id uuid.UUID) (*ledger.Account, error) {
	var acct ledger.Account
	ok, err := s.get(accountKey(id), &acct)
	if err != nil || !ok {
		return nil, err
	}
	return &acct, nil
}

// PutAccount stores an account.
func (s *Store) PutAccount(acct *ledger.Account) error {
	return s.put(accountKey(acct.ID), acct)
}

// GetRegistration resolves an external key to a user ID.
func (s *Store) GetRegistration(key string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	ok, err := s.get(registrationKey(key), &id)
	if err != nil || !ok {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

// PutRegistration binds an external key to a user ID.
func (s *Store) PutRegistration(key string, id uuid.UUID) error {
	return s.put(registrationKey(key), id)
}

// GetLoan loads a loan record, nil when unknown.
func (s *Store) GetLoan(id uuid.UUID) (*loan.Record, error) {
	var rec loan.Record
	ok, err := s.get(loanKey(id), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// PutLoan stores a loan record.
func (s *Store) PutLoan(rec *loan.Record) error {
	return s.put(loanKey(rec.ID), rec)
}

// GetPool loads a lending pool's bookkeeping, nil when unknown.
func (s *Store) GetPool(a asset.ID) (*lending.PoolState, error) {
	var ps lending.PoolState
	ok, err := s.get(poolKey(a), &ps)
	if err != nil || !ok {
		return nil, err
	}
	return &ps, nil
}

// PutPool stores a lending pool's bookkeeping.
func (s *Store) PutPool(ps *lending.PoolState) error {
	return s.put(poolKey(ps.Asset), ps)
}
