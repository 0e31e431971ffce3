// Package lending implements the per-asset money market: supplying liquidity,
// collateralized borrowing with tiered rates, repayment, and flash loans.
package lending

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"degenlend/asset"
	"degenlend/capability"
	"degenlend/config"
	"degenlend/errs"
	"degenlend/ledger"
	"degenlend/loan"
	"degenlend/oracle"
	"degenlend/vault"
)

var two = decimal.NewFromInt(2)

// PoolState is the persisted bookkeeping for one lending pool.
type PoolState struct {
	Asset asset.ID `json:"asset"`
	// SuppliedAmount is the sum of user deposit balances for the asset.
	SuppliedAmount decimal.Decimal `json:"suppliedAmount"`
	// BorrowAmount is the total outstanding obligation across current loans.
	BorrowAmount decimal.Decimal `json:"borrowAmount"`

	OriginationFeesCollected decimal.Decimal `json:"originationFeesCollected"`
	InterestFeesCollected    decimal.Decimal `json:"interestFeesCollected"`

	// Loans lists every loan ever originated against the pool.
	Loans []uuid.UUID `json:"loans"`
	// BadLoans lists current loans whose health was below the liquidation
	// threshold at the last refresh.
	BadLoans []uuid.UUID `json:"badLoans"`
}

// Persistence is the narrow storage surface the pool needs.
type Persistence interface {
	GetPool(a asset.ID) (*PoolState, error)
	PutPool(s *PoolState) error
}

// CollateralBridge receives funds the pool releases during conversion into
// collateral. The counterpart collateral pool implements it.
type CollateralBridge interface {
	AcceptCollateral(tok capability.Token, f vault.Funds) error
}

// Pool is the lending side of a market pair.
type Pool struct {
	asset  asset.ID
	params config.Params
	rates  TierModel

	vault  *vault.Vault
	state  Persistence
	ledger *ledger.Ledger
	loans  *loan.Store
	feed   *oracle.Feed

	admin      capability.Token
	gate       *capability.Gate
	collateral CollateralBridge
	claims     map[uuid.UUID]*FlashClaim
}

// NewPool wires a lending pool for the asset. The admin token authorizes the
// pool's own ledger and loan-store writes; the gate verifies privileged calls
// from sibling components.
func NewPool(a asset.ID, params config.Params, v *vault.Vault, state Persistence, ldg *ledger.Ledger, loans *loan.Store, feed *oracle.Feed, admin capability.Token, gate *capability.Gate) (*Pool, error) {
	if !asset.Valid(a) {
		return nil, fmt.Errorf("%w: invalid asset %q", errs.Validation, a)
	}
	if v.Asset() != a {
		return nil, fmt.Errorf("%w: vault holds %s, pool wants %s", errs.Validation, v.Asset(), a)
	}
	return &Pool{
		asset:  a,
		params: params,
		rates:  DefaultTiers(),
		vault:  v,
		state:  state,
		ledger: ldg,
		loans:  loans,
		feed:   feed,
		admin:  admin,
		gate:   gate,
		claims: make(map[uuid.UUID]*FlashClaim),
	}, nil
}

// SetCollateralBridge connects the counterpart collateral pool. Must be
// called before conversions are used.
func (p *Pool) SetCollateralBridge(b CollateralBridge) { p.collateral = b }

// Asset returns the pool's market asset.
func (p *Pool) Asset() asset.ID { return p.asset }

// Balance returns the liquidity currently in the pool vault.
func (p *Pool) Balance() decimal.Decimal { return p.vault.Balance() }

func (p *Pool) loadState() (*PoolState, error) {
	s, err := p.state.GetPool(p.asset)
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = &PoolState{Asset: p.asset}
	}
	return s, nil
}

// Deposit supplies liquidity on behalf of the user and credits their deposit
// balance.
func (p *Pool) Deposit(user uuid.UUID, f vault.Funds) error {
	if f.Asset != p.asset {
		return fmt.Errorf("%w: deposit in %s, pool holds %s", errs.Validation, f.Asset, p.asset)
	}
	if f.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive", errs.Validation)
	}
	s, err := p.loadState()
	if err != nil {
		return err
	}
	if err := p.ledger.IncreaseDepositBalance(p.admin, user, p.asset, f.Amount); err != nil {
		return err
	}
	if err := p.vault.Deposit(f); err != nil {
		return err
	}
	s.SuppliedAmount = s.SuppliedAmount.Add(f.Amount)
	return p.state.PutPool(s)
}

// Redeem burns deposit balance and pays out the user's pro-rata share of the
// pool's liquidity. A user with any current loan, in any asset, cannot
// redeem.
func (p *Pool) Redeem(user uuid.UUID, amount decimal.Decimal) (vault.Funds, error) {
	if amount.Sign() <= 0 {
		return vault.Funds{}, fmt.Errorf("%w: redeem amount must be positive", errs.Validation)
	}
	open, err := p.ledger.HasOpenLoans(user)
	if err != nil {
		return vault.Funds{}, err
	}
	if open {
		return vault.Funds{}, fmt.Errorf("%w: cannot redeem while loans are current", errs.Policy)
	}
	s, err := p.loadState()
	if err != nil {
		return vault.Funds{}, err
	}
	if s.SuppliedAmount.Sign() <= 0 {
		return vault.Funds{}, fmt.Errorf("%w: pool %s has no supplied liquidity", errs.State, p.asset)
	}
	payout := amount.Mul(p.vault.Balance()).DivRound(s.SuppliedAmount, 18)
	if payout.GreaterThan(p.vault.Balance()) {
		return vault.Funds{}, fmt.Errorf("%w: pool %s cannot cover redemption", errs.Liquidity, p.asset)
	}
	if err := p.ledger.DecreaseDepositBalance(p.admin, user, p.asset, amount); err != nil {
		return vault.Funds{}, err
	}
	funds, err := p.vault.Withdraw(payout)
	if err != nil {
		return vault.Funds{}, err
	}
	s.SuppliedAmount = s.SuppliedAmount.Sub(amount)
	if err := p.state.PutPool(s); err != nil {
		return vault.Funds{}, err
	}
	return funds, nil
}

// Borrow originates a loan against collateral the user has already posted.
// The borrow is limited by the loan-to-value cap and the pool's free
// liquidity, and a user may carry only one current loan per asset.
func (p *Pool) Borrow(user uuid.UUID, collateralAsset asset.ID, collateralAmount, amount decimal.Decimal) (vault.Funds, uuid.UUID, error) {
	if amount.Sign() <= 0 {
		return vault.Funds{}, uuid.Nil, fmt.Errorf("%w: borrow amount must be positive", errs.Validation)
	}
	if collateralAmount.Sign() <= 0 {
		return vault.Funds{}, uuid.Nil, fmt.Errorf("%w: collateral amount must be positive", errs.Validation)
	}
	acct, err := p.ledger.Account(user)
	if err != nil {
		return vault.Funds{}, uuid.Nil, err
	}
	if _, open := acct.OpenLoans[p.asset]; open {
		return vault.Funds{}, uuid.Nil, fmt.Errorf("%w: user already has a current %s loan", errs.State, p.asset)
	}
	if acct.CollateralBalances[collateralAsset].LessThan(collateralAmount) {
		return vault.Funds{}, uuid.Nil, fmt.Errorf("%w: posted collateral %s below %s", errs.State, acct.CollateralBalances[collateralAsset], collateralAmount)
	}
	borrowPrice, err := p.feed.GetPrice(p.asset)
	if err != nil {
		return vault.Funds{}, uuid.Nil, err
	}
	collateralPrice, err := p.feed.GetPrice(collateralAsset)
	if err != nil {
		return vault.Funds{}, uuid.Nil, err
	}
	borrowValue := amount.Mul(borrowPrice)
	collateralValue := collateralAmount.Mul(collateralPrice)
	if collateralValue.Sign() <= 0 || borrowValue.DivRound(collateralValue, 18).GreaterThan(p.params.MaxLoanToValue) {
		return vault.Funds{}, uuid.Nil, fmt.Errorf("%w: borrow exceeds loan-to-value cap %s", errs.Policy, p.params.MaxLoanToValue)
	}
	if p.vault.Balance().LessThan(amount) {
		return vault.Funds{}, uuid.Nil, fmt.Errorf("%w: pool %s has %s, wants %s", errs.Liquidity, p.asset, p.vault.Balance(), amount)
	}
	s, err := p.loadState()
	if err != nil {
		return vault.Funds{}, uuid.Nil, err
	}

	rate := p.rates.Rate(Utilization(s.SuppliedAmount, s.BorrowAmount)).Sub(ledger.CreditScoreModifier(acct.CreditScore))
	if rate.Sign() < 0 {
		rate = decimal.Zero
	}
	interest := amount.Mul(rate)
	fee := amount.Mul(p.params.OriginationFeeRate)
	owed := amount.Add(interest).Add(fee)

	rec := &loan.Record{
		ID:                 uuid.New(),
		Owner:              user,
		Status:             loan.Current,
		Asset:              p.asset,
		CollateralAsset:    collateralAsset,
		Amount:             amount,
		InterestRate:       rate,
		InterestExpense:    interest,
		OriginationFee:     fee,
		CollateralAmount:   collateralAmount,
		CollateralValueUSD: collateralValue,
		HealthFactor:       loan.ComputeHealthFactor(collateralAmount, collateralPrice, p.params.CollateralFactor, owed),
		LiquidationPrice:   loan.ComputeLiquidationPrice(owed, collateralPrice, collateralAmount, p.params.MinCollateralization),
	}

	if err := p.loans.Put(p.admin, rec); err != nil {
		return vault.Funds{}, uuid.Nil, err
	}
	if err := p.ledger.InsertLoan(p.admin, user, p.asset, rec.ID); err != nil {
		return vault.Funds{}, uuid.Nil, err
	}
	if err := p.ledger.IncreaseBorrowBalance(p.admin, user, p.asset, owed); err != nil {
		return vault.Funds{}, uuid.Nil, err
	}
	funds, err := p.vault.Withdraw(amount)
	if err != nil {
		return vault.Funds{}, uuid.Nil, err
	}
	s.BorrowAmount = s.BorrowAmount.Add(owed)
	s.Loans = append(s.Loans, rec.ID)
	if err := p.state.PutPool(s); err != nil {
		return vault.Funds{}, uuid.Nil, err
	}
	return funds, rec.ID, nil
}

// BorrowAdditional draws more principal against an existing current loan. The
// stored rate becomes the simple average of the prior rate and the rate
// priced at today's utilization, and the loan must stay healthy after the
// draw.
func (p *Pool) BorrowAdditional(user, loanID uuid.UUID, amount decimal.Decimal) (vault.Funds, error) {
	if amount.Sign() <= 0 {
		return vault.Funds{}, fmt.Errorf("%w: borrow amount must be positive", errs.Validation)
	}
	rec, err := p.loans.Get(loanID)
	if err != nil {
		return vault.Funds{}, err
	}
	if rec.Owner != user {
		return vault.Funds{}, fmt.Errorf("%w: loan %s not owned by caller", errs.Unauthorized, loanID)
	}
	if rec.Status != loan.Current {
		return vault.Funds{}, fmt.Errorf("%w: loan %s is %s", errs.State, loanID, rec.Status)
	}
	if rec.Asset != p.asset {
		return vault.Funds{}, fmt.Errorf("%w: loan %s is a %s loan", errs.Validation, loanID, rec.Asset)
	}
	if p.vault.Balance().LessThan(amount) {
		return vault.Funds{}, fmt.Errorf("%w: pool %s has %s, wants %s", errs.Liquidity, p.asset, p.vault.Balance(), amount)
	}
	acct, err := p.ledger.Account(user)
	if err != nil {
		return vault.Funds{}, err
	}
	collateralPrice, err := p.feed.GetPrice(rec.CollateralAsset)
	if err != nil {
		return vault.Funds{}, err
	}
	s, err := p.loadState()
	if err != nil {
		return vault.Funds{}, err
	}

	marginalRate := p.rates.Rate(Utilization(s.SuppliedAmount, s.BorrowAmount)).Sub(ledger.CreditScoreModifier(acct.CreditScore))
	if marginalRate.Sign() < 0 {
		marginalRate = decimal.Zero
	}
	averaged := rec.InterestRate.Add(marginalRate).DivRound(two, 18)
	extraInterest := amount.Mul(averaged)
	extraFee := amount.Mul(p.params.OriginationFeeRate)
	added := amount.Add(extraInterest).Add(extraFee)
	owed := rec.Remaining().Add(added)

	health := loan.ComputeHealthFactor(rec.CollateralAmount, collateralPrice, p.params.CollateralFactor, owed)
	if health.LessThan(p.params.MinHealthFactor) {
		return vault.Funds{}, fmt.Errorf("%w: additional borrow would leave health factor %s", errs.Policy, health)
	}

	rec.Amount = rec.Amount.Add(amount)
	rec.InterestRate = averaged
	rec.InterestExpense = rec.InterestExpense.Add(extraInterest)
	rec.OriginationFee = rec.OriginationFee.Add(extraFee)
	rec.CollateralValueUSD = rec.CollateralAmount.Mul(collateralPrice)
	rec.HealthFactor = health
	rec.LiquidationPrice = loan.ComputeLiquidationPrice(owed, collateralPrice, rec.CollateralAmount, p.params.MinCollateralization)

	if err := p.loans.Put(p.admin, rec); err != nil {
		return vault.Funds{}, err
	}
	if err := p.ledger.IncreaseBorrowBalance(p.admin, user, p.asset, added); err != nil {
		return vault.Funds{}, err
	}
	funds, err := p.vault.Withdraw(amount)
	if err != nil {
		return vault.Funds{}, err
	}
	s.BorrowAmount = s.BorrowAmount.Add(added)
	if err := p.state.PutPool(s); err != nil {
		return vault.Funds{}, err
	}
	return funds, nil
}

// Repay pays down a current loan. Payments above the remaining obligation are
// rejected outright so callers keep custody of the excess. Paying the loan to
// zero closes it and rewards the borrower's credit score. The returned funds
// are the ledger-computed refund: any part of the payment the borrow balance
// could not absorb, zero whenever the ledger and the loan record agree.
func (p *Pool) Repay(user, loanID uuid.UUID, payment vault.Funds) (vault.Funds, error) {
	refund := vault.Funds{Asset: p.asset, Amount: decimal.Zero}
	if payment.Asset != p.asset {
		return refund, fmt.Errorf("%w: repayment in %s, pool holds %s", errs.Validation, payment.Asset, p.asset)
	}
	if payment.Amount.Sign() <= 0 {
		return refund, fmt.Errorf("%w: repayment amount must be positive", errs.Validation)
	}
	rec, err := p.loans.Get(loanID)
	if err != nil {
		return refund, err
	}
	if rec.Owner != user {
		return refund, fmt.Errorf("%w: loan %s not owned by caller", errs.Unauthorized, loanID)
	}
	switch rec.Status {
	case loan.PaidOff:
		return refund, fmt.Errorf("%w: loan %s already paid off", errs.State, loanID)
	case loan.Defaulted:
		return refund, fmt.Errorf("%w: loan %s is defaulted", errs.State, loanID)
	}
	remaining := rec.Remaining()
	if payment.Amount.GreaterThan(remaining) {
		return refund, fmt.Errorf("%w: repayment %s exceeds remaining %s", errs.Policy, payment.Amount, remaining)
	}
	s, err := p.loadState()
	if err != nil {
		return refund, err
	}
	if err := p.vault.Deposit(payment); err != nil {
		return refund, err
	}
	p.settle(rec, s, payment.Amount)
	over, err := p.ledger.DecreaseBorrowBalance(p.admin, user, p.asset, payment.Amount)
	if err != nil {
		return refund, err
	}
	refund.Amount = over
	if rec.Remaining().Sign() == 0 {
		rec.Status = loan.PaidOff
		if err := p.ledger.CloseLoan(p.admin, user, p.asset, loanID); err != nil {
			return refund, err
		}
		if err := p.ledger.IncreaseCreditScore(p.admin, user, p.params.PayoffCreditReward); err != nil {
			return refund, err
		}
		if err := p.ledger.RecordPayoff(p.admin, user); err != nil {
			return refund, err
		}
	}
	if err := p.loans.Put(p.admin, rec); err != nil {
		return refund, err
	}
	return refund, p.state.PutPool(s)
}

// settle applies a repayment to the loan buckets, interest first, then the
// origination fee, then principal, crediting the pool's fee counters as each
// bucket is paid.
func (p *Pool) settle(rec *loan.Record, s *PoolState, amount decimal.Decimal) {
	left := amount
	if x := decimal.Min(left, rec.InterestExpense); x.Sign() > 0 {
		rec.InterestExpense = rec.InterestExpense.Sub(x)
		s.InterestFeesCollected = s.InterestFeesCollected.Add(x)
		left = left.Sub(x)
	}
	if x := decimal.Min(left, rec.OriginationFee); x.Sign() > 0 {
		rec.OriginationFee = rec.OriginationFee.Sub(x)
		s.OriginationFeesCollected = s.OriginationFeesCollected.Add(x)
		left = left.Sub(x)
	}
	if left.Sign() > 0 {
		rec.Amount = rec.Amount.Sub(left)
	}
	s.BorrowAmount = s.BorrowAmount.Sub(amount)
	if s.BorrowAmount.Sign() < 0 {
		s.BorrowAmount = decimal.Zero
	}
}

// ApplyRepayment is the privileged entry used by the liquidation engine: it
// deposits the payment and settles it against the loan without the
// owner-and-status checks of Repay. Returns the obligation remaining after
// settlement.
func (p *Pool) ApplyRepayment(tok capability.Token, loanID uuid.UUID, payment vault.Funds) (decimal.Decimal, error) {
	if err := p.gate.Authorize(tok); err != nil {
		return decimal.Zero, err
	}
	if payment.Asset != p.asset {
		return decimal.Zero, fmt.Errorf("%w: repayment in %s, pool holds %s", errs.Validation, payment.Asset, p.asset)
	}
	rec, err := p.loans.Get(loanID)
	if err != nil {
		return decimal.Zero, err
	}
	if payment.Amount.GreaterThan(rec.Remaining()) {
		return decimal.Zero, fmt.Errorf("%w: repayment %s exceeds remaining %s", errs.Policy, payment.Amount, rec.Remaining())
	}
	s, err := p.loadState()
	if err != nil {
		return decimal.Zero, err
	}
	if err := p.vault.Deposit(payment); err != nil {
		return decimal.Zero, err
	}
	p.settle(rec, s, payment.Amount)
	if _, err := p.ledger.DecreaseBorrowBalance(p.admin, rec.Owner, p.asset, payment.Amount); err != nil {
		return decimal.Zero, err
	}
	if err := p.loans.Put(p.admin, rec); err != nil {
		return decimal.Zero, err
	}
	if err := p.state.PutPool(s); err != nil {
		return decimal.Zero, err
	}
	return rec.Remaining(), nil
}

// ConvertToCollateral moves part of the user's deposit balance into posted
// collateral, handing the underlying funds to the collateral pool.
func (p *Pool) ConvertToCollateral(user uuid.UUID, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: conversion amount must be positive", errs.Validation)
	}
	if p.collateral == nil {
		return fmt.Errorf("%w: no collateral pool attached to %s", errs.State, p.asset)
	}
	s, err := p.loadState()
	if err != nil {
		return err
	}
	if p.vault.Balance().LessThan(amount) {
		return fmt.Errorf("%w: pool %s has %s, wants %s", errs.Liquidity, p.asset, p.vault.Balance(), amount)
	}
	if err := p.ledger.ConvertDepositToCollateral(p.admin, user, p.asset, amount); err != nil {
		return err
	}
	funds, err := p.vault.Withdraw(amount)
	if err != nil {
		return err
	}
	if err := p.collateral.AcceptCollateral(p.admin, funds); err != nil {
		return err
	}
	s.SuppliedAmount = s.SuppliedAmount.Sub(amount)
	return p.state.PutPool(s)
}

// AcceptDeposit is the privileged entry the collateral pool uses when a user
// converts collateral back into supplied liquidity.
func (p *Pool) AcceptDeposit(tok capability.Token, f vault.Funds) error {
	if err := p.gate.Authorize(tok); err != nil {
		return err
	}
	s, err := p.loadState()
	if err != nil {
		return err
	}
	if err := p.vault.Deposit(f); err != nil {
		return err
	}
	s.SuppliedAmount = s.SuppliedAmount.Add(f.Amount)
	return p.state.PutPool(s)
}

// RefreshBadLoans re-marks every current loan against live prices and
// rebuilds the bad-loan set. Loans that recovered, paid off, or defaulted
// since the last pass drop out of the set.
func (p *Pool) RefreshBadLoans() error {
	s, err := p.loadState()
	if err != nil {
		return err
	}
	var bad []uuid.UUID
	for _, id := range s.Loans {
		rec, err := p.loans.Get(id)
		if err != nil {
			return err
		}
		if rec.Status != loan.Current {
			continue
		}
		price, err := p.feed.GetPrice(rec.CollateralAsset)
		if err != nil {
			return err
		}
		owed := rec.Remaining()
		rec.CollateralValueUSD = rec.CollateralAmount.Mul(price)
		rec.HealthFactor = loan.ComputeHealthFactor(rec.CollateralAmount, price, p.params.CollateralFactor, owed)
		rec.LiquidationPrice = loan.ComputeLiquidationPrice(owed, price, rec.CollateralAmount, p.params.MinCollateralization)
		if err := p.loans.Put(p.admin, rec); err != nil {
			return err
		}
		if rec.HealthFactor.LessThan(p.params.MinHealthFactor) {
			bad = append(bad, id)
		}
	}
	s.BadLoans = bad
	return p.state.PutPool(s)
}

// IsBadLoan reports membership in the bad-loan set as of the last refresh.
func (p *Pool) IsBadLoan(loanID uuid.UUID) (bool, error) {
	s, err := p.loadState()
	if err != nil {
		return false, err
	}
	for _, id := range s.BadLoans {
		if id == loanID {
			return true, nil
		}
	}
	return false, nil
}

// Stats is a read-only snapshot of the pool's bookkeeping.
type Stats struct {
	Asset                    asset.ID
	Liquidity                decimal.Decimal
	SuppliedAmount           decimal.Decimal
	BorrowAmount             decimal.Decimal
	Utilization              decimal.Decimal
	OriginationFeesCollected decimal.Decimal
	InterestFeesCollected    decimal.Decimal
	LoanCount                int
	BadLoanCount             int
}

// Snapshot reports the pool's current figures.
func (p *Pool) Snapshot() (Stats, error) {
	s, err := p.loadState()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Asset:                    p.asset,
		Liquidity:                p.vault.Balance(),
		SuppliedAmount:           s.SuppliedAmount,
		BorrowAmount:             s.BorrowAmount,
		Utilization:              Utilization(s.SuppliedAmount, s.BorrowAmount),
		OriginationFeesCollected: s.OriginationFeesCollected,
		InterestFeesCollected:    s.InterestFeesCollected,
		LoanCount:                len(s.Loans),
		BadLoanCount:             len(s.BadLoans),
	}, nil
}
