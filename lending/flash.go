package lending

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"degenlend/asset"
	"degenlend/errs"
	"degenlend/vault"
)

// FlashClaim is an obligation to return borrowed liquidity before the end of
// the enclosing transaction. Claims are minted by FlashBorrow and can only be
// discharged by FlashRepay on the same pool.
type FlashClaim struct {
	id        uuid.UUID
	asset     asset.ID
	amountDue decimal.Decimal
	consumed  bool
}

// AmountDue reports the liquidity that must come back to the pool.
func (c *FlashClaim) AmountDue() decimal.Decimal { return c.amountDue }

// Asset reports the borrowed asset.
func (c *FlashClaim) Asset() asset.ID { return c.asset }

// FlashBorrow withdraws liquidity against a claim. No fee is charged; the
// full amount must return via FlashRepay before the transaction completes.
func (p *Pool) FlashBorrow(amount decimal.Decimal) (vault.Funds, *FlashClaim, error) {
	if amount.Sign() <= 0 {
		return vault.Funds{}, nil, fmt.Errorf("%w: flash borrow amount must be positive", errs.Validation)
	}
	funds, err := p.vault.Withdraw(amount)
	if err != nil {
		return vault.Funds{}, nil, err
	}
	claim := &FlashClaim{id: uuid.New(), asset: p.asset, amountDue: amount}
	p.claims[claim.id] = claim
	return funds, claim, nil
}

// FlashRepay discharges a claim. The payment must cover the amount due; any
// excess is handed back to the caller rather than absorbed by the pool.
func (p *Pool) FlashRepay(payment vault.Funds, claim *FlashClaim) (vault.Funds, error) {
	if claim == nil {
		return vault.Funds{}, fmt.Errorf("%w: nil flash claim", errs.Validation)
	}
	held, ok := p.claims[claim.id]
	if !ok || held != claim {
		return vault.Funds{}, fmt.Errorf("%w: unknown flash claim %s", errs.State, claim.id)
	}
	if claim.consumed {
		return vault.Funds{}, fmt.Errorf("%w: flash claim %s already repaid", errs.State, claim.id)
	}
	if payment.Asset != claim.asset {
		return vault.Funds{}, fmt.Errorf("%w: flash repayment in %s, expected %s", errs.Validation, payment.Asset, claim.asset)
	}
	if payment.Amount.LessThan(claim.amountDue) {
		return vault.Funds{}, fmt.Errorf("%w: flash repayment %s below %s due", errs.Validation, payment.Amount, claim.amountDue)
	}
	if err := p.vault.Deposit(vault.Funds{Asset: claim.asset, Amount: claim.amountDue}); err != nil {
		return vault.Funds{}, err
	}
	claim.consumed = true
	delete(p.claims, claim.id)
	change := payment.Amount.Sub(claim.amountDue)
	return vault.Funds{Asset: claim.asset, Amount: change}, nil
}

// OutstandingClaims reports flash claims minted but not yet repaid. The
// router refuses to complete a transaction while any remain.
func (p *Pool) OutstandingClaims() int { return len(p.claims) }
