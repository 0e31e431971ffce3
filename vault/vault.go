// Package vault provides the custody primitive used by the pools. A vault
// holds the physical balance of exactly one asset; all value that moves
// between users and pools travels as Funds withdrawn from one vault and
// deposited into another.
package vault

import (
	"fmt"

	"github.com/shopspring/decimal"

	"degenlend/asset"
	"degenlend/errs"
)

// Funds is an amount of a single asset in transit between vaults.
type Funds struct {
	Asset  asset.ID
	Amount decimal.Decimal
}

// Empty returns zero funds of the given asset.
func Empty(id asset.ID) Funds {
	return Funds{Asset: id, Amount: decimal.Zero}
}

// Vault is the custody store for one asset. The balance never goes negative:
// withdrawals exceeding the balance fail before any state changes.
type Vault struct {
	asset   asset.ID
	balance decimal.Decimal
}

// New constructs an empty vault for the asset.
func New(id asset.ID) *Vault {
	return &Vault{asset: id, balance: decimal.Zero}
}

// Asset returns the asset this vault holds.
func (v *Vault) Asset() asset.ID { return v.asset }

// Balance returns the current custody balance.
func (v *Vault) Balance() decimal.Decimal { return v.balance }

// Deposit places funds into the vault. The funds must match the vault asset.
func (v *Vault) Deposit(f Funds) error {
	if f.Asset != v.asset {
		return fmt.Errorf("%w: cannot deposit %s into %s vault", errs.Validation, f.Asset, v.asset)
	}
	if f.Amount.Sign() < 0 {
		return fmt.Errorf("%w: negative deposit", errs.Validation)
	}
	v.balance = v.balance.Add(f.Amount)
	return nil
}

// Withdraw removes the requested amount from custody.
func (v *Vault) Withdraw(amount decimal.Decimal) (Funds, error) {
	if amount.Sign() < 0 {
		return Funds{}, fmt.Errorf("%w: negative withdrawal", errs.Validation)
	}
	if v.balance.LessThan(amount) {
		return Funds{}, fmt.Errorf("%w: vault holds %s of %s, requested %s",
			errs.Liquidity, v.balance, v.asset, amount)
	}
	v.balance = v.balance.Sub(amount)
	return Funds{Asset: v.asset, Amount: amount}, nil
}
