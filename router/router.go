// Package router is the protocol's front door. It owns the market-pair
// registry, serializes every operation so each runs as an atomic transaction,
// and pays out reward tokens for protocol usage.
package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"degenlend/asset"
	"degenlend/capability"
	"degenlend/collateral"
	"degenlend/config"
	"degenlend/errs"
	"degenlend/ledger"
	"degenlend/lending"
	"degenlend/liquidation"
	"degenlend/loan"
	"degenlend/observability"
	"degenlend/observability/logging"
	"degenlend/oracle"
	"degenlend/vault"
)

const adminScope = "protocol-admin"

// Reward token amounts per protocol touchpoint.
var (
	rewardInteraction  = decimal.NewFromInt(1)
	rewardPoolCreation = decimal.NewFromInt(5)
)

type pair struct {
	lending    *lending.Pool
	collateral *collateral.Pool
}

// Router dispatches user operations to the registered market pairs.
type Router struct {
	mu sync.Mutex

	params  config.Params
	log     *slog.Logger
	metrics *observability.ProtocolMetrics

	issuer *capability.Issuer
	admin  capability.Token
	gate   *capability.Gate

	store  Store
	ledger *ledger.Ledger
	loans  *loan.Store
	feed   *oracle.Feed

	liquidator *liquidation.Engine
	pairs      map[asset.ID]*pair
	rewards    map[uuid.UUID]decimal.Decimal
}

// Store is the persistence surface the router's components share.
type Store interface {
	ledger.Persistence
	loan.Persistence
	lending.Persistence
}

// New wires a Router and all protocol components over the given store.
func New(params config.Params, store Store, log *slog.Logger) (*Router, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Setup("degenlend", "")
	}
	issuer := capability.NewIssuer()
	admin := issuer.Mint(adminScope)
	gate := capability.NewGate(issuer, adminScope)

	ldg := ledger.New(store, gate)
	loans := loan.NewStore(store, gate)
	feed := oracle.NewFeed()

	r := &Router{
		params:  params,
		log:     log,
		metrics: observability.Protocol(),
		issuer:  issuer,
		admin:   admin,
		gate:    gate,
		store:   store,
		ledger:  ldg,
		loans:   loans,
		feed:    feed,
		pairs:   make(map[asset.ID]*pair),
		rewards: make(map[uuid.UUID]decimal.Decimal),
	}
	r.liquidator = liquidation.NewEngine(params, r, r, ldg, loans, feed, admin)
	return r, nil
}

// LendingPool resolves the lending pool for the asset.
func (r *Router) LendingPool(a asset.ID) (*lending.Pool, bool) {
	p, ok := r.pairs[asset.Normalize(a)]
	if !ok {
		return nil, false
	}
	return p.lending, true
}

// CollateralPool resolves the collateral pool for the asset.
func (r *Router) CollateralPool(a asset.ID) (*collateral.Pool, bool) {
	p, ok := r.pairs[asset.Normalize(a)]
	if !ok {
		return nil, false
	}
	return p.collateral, true
}

func (r *Router) pair(a asset.ID) (*pair, error) {
	p, ok := r.pairs[asset.Normalize(a)]
	if !ok {
		return nil, fmt.Errorf("%w: no pool for asset %s", errs.State, a)
	}
	return p, nil
}

// dispatch serializes an operation and records its outcome. Every successful
// user operation earns one reward token.
func (r *Router) dispatch(method string, a asset.ID, user uuid.UUID, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := fn()
	if err != nil {
		r.metrics.RecordFailure(method, string(a))
		r.log.Warn("operation rejected", "method", method, "asset", string(a), "error", err)
		return err
	}
	if user != uuid.Nil {
		r.reward(user, rewardInteraction)
	}
	r.metrics.RecordOperation(method, string(a))
	r.log.Info("operation applied", "method", method, "asset", string(a), "user", user)
	return nil
}

func (r *Router) reward(user uuid.UUID, amount decimal.Decimal) {
	r.rewards[user] = r.rewards[user].Add(amount)
}

// RewardBalance reports the reward tokens earned by the user.
func (r *Router) RewardBalance(user uuid.UUID) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rewards[user]
}

// NewUser registers the external key and returns the protocol user ID.
// Registering an already-known key is rejected.
func (r *Router) NewUser(key string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.ledger.Register(r.admin, key)
	if err != nil {
		r.metrics.RecordFailure("new_user", "")
		return uuid.Nil, err
	}
	r.reward(id, rewardInteraction)
	r.metrics.RecordOperation("new_user", "")
	r.log.Info("user registered", "method", "new_user", "user", id)
	return id, nil
}

// SetPrice updates the oracle price for the asset.
func (r *Router) SetPrice(a asset.ID, price decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feed.SetPrice(asset.Normalize(a), price)
}

// GetPrice reads the oracle price for the asset.
func (r *Router) GetPrice(a asset.ID) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feed.GetPrice(asset.Normalize(a))
}

// NewPool creates the lending/collateral pair for the asset, seeds it with
// the creator's initial deposit, and pays the pool-creation reward.
func (r *Router) NewPool(user uuid.UUID, initial vault.Funds) error {
	a := asset.Normalize(initial.Asset)
	return r.dispatch("new_pool", a, uuid.Nil, func() error {
		if _, exists := r.pairs[a]; exists {
			return fmt.Errorf("%w: pool for %s already exists", errs.Policy, a)
		}
		if _, err := r.feed.GetPrice(a); err != nil {
			return fmt.Errorf("%w: no oracle price for %s", errs.State, a)
		}
		lp, err := lending.NewPool(a, r.params, vault.New(a), r.store, r.ledger, r.loans, r.feed, r.admin, r.gate)
		if err != nil {
			return err
		}
		cp, err := collateral.NewPool(a, r.params, vault.New(a), r.ledger, r.loans, r.feed, r.admin, r.gate)
		if err != nil {
			return err
		}
		lp.SetCollateralBridge(cp)
		cp.SetLendingBridge(lp)
		if initial.Amount.Sign() > 0 {
			if err := lp.Deposit(user, initial); err != nil {
				return err
			}
		}
		r.pairs[a] = &pair{lending: lp, collateral: cp}
		r.reward(user, rewardPoolCreation)
		return nil
	})
}

// Deposit supplies liquidity to the asset's lending pool.
func (r *Router) Deposit(user uuid.UUID, f vault.Funds) error {
	a := asset.Normalize(f.Asset)
	return r.dispatch("deposit", a, user, func() error {
		p, err := r.pair(a)
		if err != nil {
			return err
		}
		return p.lending.Deposit(user, vault.Funds{Asset: a, Amount: f.Amount})
	})
}

// Redeem burns deposit balance for a pro-rata share of pool liquidity.
func (r *Router) Redeem(user uuid.UUID, a asset.ID, amount decimal.Decimal) (vault.Funds, error) {
	a = asset.Normalize(a)
	var out vault.Funds
	err := r.dispatch("redeem", a, user, func() error {
		p, err := r.pair(a)
		if err != nil {
			return err
		}
		out, err = p.lending.Redeem(user, amount)
		return err
	})
	return out, err
}

// Borrow originates a loan from the asset's lending pool against posted
// collateral.
func (r *Router) Borrow(user uuid.UUID, borrowAsset, collateralAsset asset.ID, collateralAmount, amount decimal.Decimal) (vault.Funds, uuid.UUID, error) {
	borrowAsset = asset.Normalize(borrowAsset)
	collateralAsset = asset.Normalize(collateralAsset)
	var (
		out    vault.Funds
		loanID uuid.UUID
	)
	err := r.dispatch("borrow", borrowAsset, user, func() error {
		p, err := r.pair(borrowAsset)
		if err != nil {
			return err
		}
		if _, err := r.pair(collateralAsset); err != nil {
			return err
		}
		out, loanID, err = p.lending.Borrow(user, collateralAsset, collateralAmount, amount)
		return err
	})
	return out, loanID, err
}

// BorrowAdditional draws more principal against an existing loan.
func (r *Router) BorrowAdditional(user, loanID uuid.UUID, amount decimal.Decimal) (vault.Funds, error) {
	var out vault.Funds
	rec, err := r.loanRecord(loanID)
	if err != nil {
		return vault.Funds{}, err
	}
	err = r.dispatch("borrow_additional", rec.Asset, user, func() error {
		p, err := r.pair(rec.Asset)
		if err != nil {
			return err
		}
		out, err = p.lending.BorrowAdditional(user, loanID, amount)
		return err
	})
	return out, err
}

// Repay pays down the user's loan and returns any ledger-computed refund.
func (r *Router) Repay(user, loanID uuid.UUID, payment vault.Funds) (vault.Funds, error) {
	rec, err := r.loanRecord(loanID)
	if err != nil {
		return vault.Funds{}, err
	}
	var refund vault.Funds
	err = r.dispatch("repay", rec.Asset, user, func() error {
		p, err := r.pair(rec.Asset)
		if err != nil {
			return err
		}
		refund, err = p.lending.Repay(user, loanID, payment)
		return err
	})
	return refund, err
}

// DepositCollateral posts collateral to the asset's collateral pool.
func (r *Router) DepositCollateral(user uuid.UUID, f vault.Funds) error {
	a := asset.Normalize(f.Asset)
	return r.dispatch("deposit_collateral", a, user, func() error {
		p, err := r.pair(a)
		if err != nil {
			return err
		}
		return p.collateral.Deposit(user, vault.Funds{Asset: a, Amount: f.Amount})
	})
}

// DepositAdditionalCollateral tops up the collateral backing a loan.
func (r *Router) DepositAdditionalCollateral(user, loanID uuid.UUID, f vault.Funds) error {
	a := asset.Normalize(f.Asset)
	return r.dispatch("deposit_additional_collateral", a, user, func() error {
		p, err := r.pair(a)
		if err != nil {
			return err
		}
		return p.collateral.DepositAdditional(user, loanID, vault.Funds{Asset: a, Amount: f.Amount})
	})
}

// RedeemCollateral returns posted collateral to the user.
func (r *Router) RedeemCollateral(user uuid.UUID, a asset.ID, amount decimal.Decimal) (vault.Funds, error) {
	a = asset.Normalize(a)
	var out vault.Funds
	err := r.dispatch("redeem_collateral", a, user, func() error {
		p, err := r.pair(a)
		if err != nil {
			return err
		}
		out, err = p.collateral.Redeem(user, amount)
		return err
	})
	return out, err
}

// ConvertToCollateral moves deposit balance into posted collateral.
func (r *Router) ConvertToCollateral(user uuid.UUID, a asset.ID, amount decimal.Decimal) error {
	a = asset.Normalize(a)
	return r.dispatch("convert_to_collateral", a, user, func() error {
		p, err := r.pair(a)
		if err != nil {
			return err
		}
		return p.lending.ConvertToCollateral(user, amount)
	})
}

// ConvertFromCollateral moves posted collateral back into deposit balance.
func (r *Router) ConvertFromCollateral(user uuid.UUID, a asset.ID, amount decimal.Decimal) error {
	a = asset.Normalize(a)
	return r.dispatch("convert_from_collateral", a, user, func() error {
		p, err := r.pair(a)
		if err != nil {
			return err
		}
		return p.collateral.ConvertToDeposit(user, amount)
	})
}

// Liquidate repays part of a bad loan and hands the seized collateral to the
// liquidator.
func (r *Router) Liquidate(liquidator, loanID uuid.UUID, payment vault.Funds) (vault.Funds, error) {
	rec, err := r.loanRecord(loanID)
	if err != nil {
		return vault.Funds{}, err
	}
	var seized vault.Funds
	err = r.dispatch("liquidate", rec.Asset, liquidator, func() error {
		seized, err = r.liquidator.Liquidate(loanID, payment)
		return err
	})
	if err == nil {
		r.metrics.RecordLiquidation(string(rec.Asset))
	}
	return seized, err
}

// FlashLoan borrows pool liquidity for the duration of fn. The callback
// receives the borrowed funds and must return the repayment; the claim is
// settled before FlashLoan returns, and the transaction fails if the
// repayment does not cover the borrow.
func (r *Router) FlashLoan(a asset.ID, amount decimal.Decimal, fn func(vault.Funds) (vault.Funds, error)) error {
	a = asset.Normalize(a)
	err := r.dispatch("flash_loan", a, uuid.Nil, func() error {
		p, err := r.pair(a)
		if err != nil {
			return err
		}
		borrowed, claim, err := p.lending.FlashBorrow(amount)
		if err != nil {
			return err
		}
		payment, err := fn(borrowed)
		if err != nil {
			// The callback failed holding pool liquidity. Reclaim what it
			// returned plus the original funds if it never took custody.
			if _, repayErr := p.lending.FlashRepay(borrowed, claim); repayErr != nil {
				return fmt.Errorf("flash loan aborted and repayment failed: %w", repayErr)
			}
			return err
		}
		if _, err := p.lending.FlashRepay(payment, claim); err != nil {
			return err
		}
		if p.lending.OutstandingClaims() != 0 {
			return fmt.Errorf("%w: unresolved flash claims on %s", errs.State, a)
		}
		return nil
	})
	if err == nil {
		r.metrics.RecordFlashLoan(string(a))
	}
	return err
}

func (r *Router) loanRecord(loanID uuid.UUID) (*loan.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loans.Get(loanID)
}

// Loan returns a copy of the loan record.
func (r *Router) Loan(loanID uuid.UUID) (*loan.Record, error) {
	rec, err := r.loanRecord(loanID)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Account returns the user's ledger account.
func (r *Router) Account(user uuid.UUID) (*ledger.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.Account(user)
}

// PoolStats reports the lending pool's figures for the asset.
func (r *Router) PoolStats(a asset.ID) (lending.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.pair(a)
	if err != nil {
		return lending.Stats{}, err
	}
	return p.lending.Snapshot()
}

// TotalCollateral reports the collateral held for the asset.
func (r *Router) TotalCollateral(a asset.ID) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.pair(a)
	if err != nil {
		return decimal.Zero, err
	}
	return p.collateral.TotalCollateral(), nil
}

// RefreshBadLoans re-marks the asset's loans against live prices.
func (r *Router) RefreshBadLoans(a asset.ID) error {
	a = asset.Normalize(a)
	return r.dispatch("refresh_bad_loans", a, uuid.Nil, func() error {
		p, err := r.pair(a)
		if err != nil {
			return err
		}
		return p.lending.RefreshBadLoans()
	})
}
