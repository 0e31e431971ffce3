// Package ledger maintains per-user protocol accounts: balances by asset,
// loan membership, and the credit score that prices future borrows.
package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"degenlend/asset"
	"degenlend/capability"
	"degenlend/errs"
)

// Account is the persisted state for one registered user.
type Account struct {
	ID          uuid.UUID `json:"id"`
	CreditScore uint64    `json:"creditScore"`

	DepositBalances    map[asset.ID]decimal.Decimal `json:"depositBalances"`
	CollateralBalances map[asset.ID]decimal.Decimal `json:"collateralBalances"`
	BorrowBalances     map[asset.ID]decimal.Decimal `json:"borrowBalances"`

	// OpenLoans holds the single current loan per borrowed asset.
	OpenLoans map[asset.ID]uuid.UUID `json:"openLoans"`
	// ClosedLoans holds the most recent terminal loan per asset; each closure
	// overwrites the prior entry.
	ClosedLoans map[asset.ID]uuid.UUID `json:"closedLoans"`

	LoansPaidOff uint64 `json:"loansPaidOff"`
	Defaults     uint64 `json:"defaults"`
}

func (a *Account) ensureDefaults() {
	if a.DepositBalances == nil {
		a.DepositBalances = make(map[asset.ID]decimal.Decimal)
	}
	if a.CollateralBalances == nil {
		a.CollateralBalances = make(map[asset.ID]decimal.Decimal)
	}
	if a.BorrowBalances == nil {
		a.BorrowBalances = make(map[asset.ID]decimal.Decimal)
	}
	if a.OpenLoans == nil {
		a.OpenLoans = make(map[asset.ID]uuid.UUID)
	}
	if a.ClosedLoans == nil {
		a.ClosedLoans = make(map[asset.ID]uuid.UUID)
	}
}

// Persistence is the narrow storage surface the ledger needs.
type Persistence interface {
	GetAccount(id uuid.UUID) (*Account, error)
	PutAccount(acct *Account) error
	GetRegistration(key string) (uuid.UUID, bool, error)
	PutRegistration(key string, id uuid.UUID) error
}

// Ledger exposes account operations. Every mutation requires the admin
// capability held by the protocol components, never by end users directly.
type Ledger struct {
	state Persistence
	gate  *capability.Gate
}

// New wires a Ledger over the given persistence.
func New(state Persistence, gate *capability.Gate) *Ledger {
	return &Ledger{state: state, gate: gate}
}

// Register creates an account for the external key. A key registers exactly
// once; a second registration with the same key is refused.
func (l *Ledger) Register(tok capability.Token, key string) (uuid.UUID, error) {
	if err := l.gate.Authorize(tok); err != nil {
		return uuid.Nil, err
	}
	if key == "" {
		return uuid.Nil, fmt.Errorf("%w: empty registration key", errs.Validation)
	}
	if _, ok, err := l.state.GetRegistration(key); err != nil {
		return uuid.Nil, err
	} else if ok {
		return uuid.Nil, fmt.Errorf("%w: key %q already registered", errs.Validation, key)
	}
	acct := &Account{ID: uuid.New()}
	acct.ensureDefaults()
	if err := l.state.PutAccount(acct); err != nil {
		return uuid.Nil, err
	}
	if err := l.state.PutRegistration(key, acct.ID); err != nil {
		return uuid.Nil, err
	}
	return acct.ID, nil
}

// Account loads a registered account. A missing account is a state error.
func (l *Ledger) Account(id uuid.UUID) (*Account, error) {
	acct, err := l.state.GetAccount(id)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: account %s not found", errs.State, id)
	}
	acct.ensureDefaults()
	return acct, nil
}

func (l *Ledger) mutate(tok capability.Token, id uuid.UUID, fn func(*Account) error) error {
	if err := l.gate.Authorize(tok); err != nil {
		return err
	}
	acct, err := l.Account(id)
	if err != nil {
		return err
	}
	if err := fn(acct); err != nil {
		return err
	}
	return l.state.PutAccount(acct)
}

// IncreaseDepositBalance credits the user's supplied balance for the asset.
func (l *Ledger) IncreaseDepositBalance(tok capability.Token, id uuid.UUID, a asset.ID, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative deposit amount", errs.Validation)
	}
	return l.mutate(tok, id, func(acct *Account) error {
		acct.DepositBalances[a] = acct.DepositBalances[a].Add(amount)
		return nil
	})
}

// DecreaseDepositBalance debits the user's supplied balance. Withdrawals are
// refused while the user carries outstanding borrow in the same asset.
func (l *Ledger) DecreaseDepositBalance(tok capability.Token, id uuid.UUID, a asset.ID, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative withdraw amount", errs.Validation)
	}
	return l.mutate(tok, id, func(acct *Account) error {
		if acct.BorrowBalances[a].Sign() != 0 {
			return fmt.Errorf("%w: outstanding lien on %s", errs.Policy, a)
		}
		have := acct.DepositBalances[a]
		if have.LessThan(amount) {
			return fmt.Errorf("%w: deposit balance %s below %s", errs.State, have, amount)
		}
		acct.DepositBalances[a] = have.Sub(amount)
		return nil
	})
}

// IncreaseBorrowBalance records new debt for the asset.
func (l *Ledger) IncreaseBorrowBalance(tok capability.Token, id uuid.UUID, a asset.ID, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative borrow amount", errs.Validation)
	}
	return l.mutate(tok, id, func(acct *Account) error {
		acct.BorrowBalances[a] = acct.BorrowBalances[a].Add(amount)
		return nil
	})
}

// DecreaseBorrowBalance reduces recorded debt, clamping at zero. It returns
// the portion of amount that exceeded the recorded debt.
func (l *Ledger) DecreaseBorrowBalance(tok capability.Token, id uuid.UUID, a asset.ID, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%w: negative repay amount", errs.Validation)
	}
	var over decimal.Decimal
	err := l.mutate(tok, id, func(acct *Account) error {
		have := acct.BorrowBalances[a]
		if amount.GreaterThan(have) {
			over = amount.Sub(have)
			acct.BorrowBalances[a] = decimal.Zero
			return nil
		}
		acct.BorrowBalances[a] = have.Sub(amount)
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return over, nil
}

// IncreaseCollateralBalance credits posted collateral for the asset.
func (l *Ledger) IncreaseCollateralBalance(tok capability.Token, id uuid.UUID, a asset.ID, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative collateral amount", errs.Validation)
	}
	return l.mutate(tok, id, func(acct *Account) error {
		acct.CollateralBalances[a] = acct.CollateralBalances[a].Add(amount)
		return nil
	})
}

// DecreaseCollateralBalance debits posted collateral. Like deposit
// withdrawals, it is refused while the user carries outstanding borrow in the
// same asset.
func (l *Ledger) DecreaseCollateralBalance(tok capability.Token, id uuid.UUID, a asset.ID, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative collateral amount", errs.Validation)
	}
	return l.mutate(tok, id, func(acct *Account) error {
		if acct.BorrowBalances[a].Sign() != 0 {
			return fmt.Errorf("%w: outstanding lien on %s", errs.Policy, a)
		}
		have := acct.CollateralBalances[a]
		if have.LessThan(amount) {
			return fmt.Errorf("%w: collateral balance %s below %s", errs.State, have, amount)
		}
		acct.CollateralBalances[a] = have.Sub(amount)
		return nil
	})
}

// ConvertDepositToCollateral moves balance from the supplied bucket to the
// collateral bucket without changing the total.
func (l *Ledger) ConvertDepositToCollateral(tok capability.Token, id uuid.UUID, a asset.ID, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative conversion amount", errs.Validation)
	}
	return l.mutate(tok, id, func(acct *Account) error {
		have := acct.DepositBalances[a]
		if have.LessThan(amount) {
			return fmt.Errorf("%w: deposit balance %s below %s", errs.State, have, amount)
		}
		acct.DepositBalances[a] = have.Sub(amount)
		acct.CollateralBalances[a] = acct.CollateralBalances[a].Add(amount)
		return nil
	})
}

// ConvertCollateralToDeposit moves balance from the collateral bucket back to
// the supplied bucket.
func (l *Ledger) ConvertCollateralToDeposit(tok capability.Token, id uuid.UUID, a asset.ID, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative conversion amount", errs.Validation)
	}
	return l.mutate(tok, id, func(acct *Account) error {
		have := acct.CollateralBalances[a]
		if have.LessThan(amount) {
			return fmt.Errorf("%w: collateral balance %s below %s", errs.State, have, amount)
		}
		acct.CollateralBalances[a] = have.Sub(amount)
		acct.DepositBalances[a] = acct.DepositBalances[a].Add(amount)
		return nil
	})
}

// InsertLoan records the user's one open loan for the asset. Inserting while
// an open loan already exists is a no-op; callers enforce the duplicate-loan
// rule before originating.
func (l *Ledger) InsertLoan(tok capability.Token, id uuid.UUID, a asset.ID, loanID uuid.UUID) error {
	return l.mutate(tok, id, func(acct *Account) error {
		if _, ok := acct.OpenLoans[a]; ok {
			return nil
		}
		acct.OpenLoans[a] = loanID
		return nil
	})
}

// CloseLoan moves a loan from the open set to the closed slot, overwriting
// any prior closed entry for the asset. Closing a loan that is already
// closed, or unknown, is a no-op.
func (l *Ledger) CloseLoan(tok capability.Token, id uuid.UUID, a asset.ID, loanID uuid.UUID) error {
	return l.mutate(tok, id, func(acct *Account) error {
		if open, ok := acct.OpenLoans[a]; !ok || open != loanID {
			return nil
		}
		delete(acct.OpenLoans, a)
		acct.ClosedLoans[a] = loanID
		return nil
	})
}

// OpenLoan returns the current loan for the asset, if any.
func (l *Ledger) OpenLoan(id uuid.UUID, a asset.ID) (uuid.UUID, bool, error) {
	acct, err := l.Account(id)
	if err != nil {
		return uuid.Nil, false, err
	}
	loanID, ok := acct.OpenLoans[a]
	return loanID, ok, nil
}

// HasOpenLoans reports whether the user carries any current loan.
func (l *Ledger) HasOpenLoans(id uuid.UUID) (bool, error) {
	acct, err := l.Account(id)
	if err != nil {
		return false, err
	}
	return len(acct.OpenLoans) > 0, nil
}

// IncreaseCreditScore adds to the user's credit score.
func (l *Ledger) IncreaseCreditScore(tok capability.Token, id uuid.UUID, delta uint64) error {
	return l.mutate(tok, id, func(acct *Account) error {
		acct.CreditScore += delta
		return nil
	})
}

// DecreaseCreditScore subtracts from the user's credit score, saturating at
// zero.
func (l *Ledger) DecreaseCreditScore(tok capability.Token, id uuid.UUID, delta uint64) error {
	return l.mutate(tok, id, func(acct *Account) error {
		if delta > acct.CreditScore {
			acct.CreditScore = 0
			return nil
		}
		acct.CreditScore -= delta
		return nil
	})
}

// RecordPayoff bumps the paid-off loan counter.
func (l *Ledger) RecordPayoff(tok capability.Token, id uuid.UUID) error {
	return l.mutate(tok, id, func(acct *Account) error {
		acct.LoansPaidOff++
		return nil
	})
}

// RecordDefault bumps the default counter.
func (l *Ledger) RecordDefault(tok capability.Token, id uuid.UUID) error {
	return l.mutate(tok, id, func(acct *Account) error {
		acct.Defaults++
		return nil
	})
}

// CreditScoreModifier returns the interest-rate discount earned by the user's
// credit score.
func CreditScoreModifier(score uint64) decimal.Decimal {
	switch {
	case score >= 300:
		return decimal.RequireFromString("0.03")
	case score >= 200:
		return decimal.RequireFromString("0.02")
	case score >= 100:
		return decimal.RequireFromString("0.01")
	default:
		return decimal.Zero
	}
}
