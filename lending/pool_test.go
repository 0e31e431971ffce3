package lending_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"degenlend/asset"
	"degenlend/capability"
	"degenlend/config"
	"degenlend/errs"
	"degenlend/ledger"
	"degenlend/lending"
	"degenlend/loan"
	"degenlend/oracle"
	"degenlend/state"
	"degenlend/storage"
	"degenlend/vault"
)

const (
	usdx = asset.ID("USDX")
	btcx = asset.ID("BTCX")
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	t     *testing.T
	tok   capability.Token
	ldg   *ledger.Ledger
	loans *loan.Store
	feed  *oracle.Feed
	pool  *lending.Pool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	issuer := capability.NewIssuer()
	tok := issuer.Mint("protocol-admin")
	gate := capability.NewGate(issuer, "protocol-admin")
	st := state.NewStore(storage.NewMemDB())
	ldg := ledger.New(st, gate)
	loans := loan.NewStore(st, gate)
	feed := oracle.NewFeed()
	if err := feed.SetPrice(usdx, dec("1")); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if err := feed.SetPrice(btcx, dec("1")); err != nil {
		t.Fatalf("set price: %v", err)
	}
	pool, err := lending.NewPool(usdx, config.DefaultParams(), vault.New(usdx), st, ldg, loans, feed, tok, gate)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return &harness{t: t, tok: tok, ldg: ldg, loans: loans, feed: feed, pool: pool}
}

func (h *harness) user(key string) uuid.UUID {
	h.t.Helper()
	id, err := h.ldg.Register(h.tok, key)
	if err != nil {
		h.t.Fatalf("register %s: %v", key, err)
	}
	return id
}

func (h *harness) fund(user uuid.UUID, amount string) {
	h.t.Helper()
	if err := h.pool.Deposit(user, vault.Funds{Asset: usdx, Amount: dec(amount)}); err != nil {
		h.t.Fatalf("deposit: %v", err)
	}
}

func (h *harness) postCollateral(user uuid.UUID, amount string) {
	h.t.Helper()
	if err := h.ldg.IncreaseCollateralBalance(h.tok, user, btcx, dec(amount)); err != nil {
		h.t.Fatalf("post collateral: %v", err)
	}
}

func TestDepositRedeemRoundTrip(t *testing.T) {
	h := newHarness(t)
	u := h.user("u1")
	h.fund(u, "1000")

	funds, err := h.pool.Redeem(u, dec("400"))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !funds.Amount.Equal(dec("400")) {
		t.Fatalf("redeemed %s, want 400 while pool is idle", funds.Amount)
	}
	acct, err := h.ldg.Account(u)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if !acct.DepositBalances[usdx].Equal(dec("600")) {
		t.Fatalf("deposit balance = %s, want 600", acct.DepositBalances[usdx])
	}
}

func TestRedeemProRataWhileBorrowed(t *testing.T) {
	h := newHarness(t)
	funder := h.user("funder")
	borrower := h.user("borrower")
	h.fund(funder, "1000")
	h.postCollateral(borrower, "1000")

	if _, _, err := h.pool.Borrow(borrower, btcx, dec("1000"), dec("100")); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Vault holds 900 of the 1000 supplied, so 100 units redeem to 90.
	funds, err := h.pool.Redeem(funder, dec("100"))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !funds.Amount.Equal(dec("90")) {
		t.Fatalf("redeemed %s, want 90", funds.Amount)
	}
}

func TestRedeemBlockedByCurrentLoan(t *testing.T) {
	h := newHarness(t)
	funder := h.user("funder")
	borrower := h.user("borrower")
	h.fund(funder, "1000")
	h.fund(borrower, "100")
	h.postCollateral(borrower, "1000")

	_, loanID, err := h.pool.Borrow(borrower, btcx, dec("1000"), dec("100"))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := h.pool.Redeem(borrower, dec("50")); !errors.Is(err, errs.Policy) {
		t.Fatalf("expected policy error, got %v", err)
	}
	// Paying the loan off lifts the block.
	if _, err := h.pool.Repay(borrower, loanID, vault.Funds{Asset: usdx, Amount: dec("109")}); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if _, err := h.pool.Redeem(borrower, dec("50")); err != nil {
		t.Fatalf("redeem after payoff: %v", err)
	}
}

func TestBorrowLoanToValueBoundary(t *testing.T) {
	h := newHarness(t)
	funder := h.user("funder")
	borrower := h.user("borrower")
	h.fund(funder, "2000")
	h.postCollateral(borrower, "1000")

	if _, _, err := h.pool.Borrow(borrower, btcx, dec("1000"), dec("751")); !errors.Is(err, errs.Policy) {
		t.Fatalf("borrow above cap: expected policy error, got %v", err)
	}
	funds, loanID, err := h.pool.Borrow(borrower, btcx, dec("1000"), dec("750"))
	if err != nil {
		t.Fatalf("borrow at cap: %v", err)
	}
	if !funds.Amount.Equal(dec("750")) {
		t.Fatalf("received %s, want 750", funds.Amount)
	}
	rec, err := h.loans.Get(loanID)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	// Base tier 8%, no credit discount, 1% origination fee.
	if !rec.InterestRate.Equal(dec("0.08")) {
		t.Fatalf("rate = %s, want 0.08", rec.InterestRate)
	}
	if !rec.Remaining().Equal(dec("817.5")) {
		t.Fatalf("remaining = %s, want 817.5", rec.Remaining())
	}
	acct, _ := h.ldg.Account(borrower)
	if !acct.BorrowBalances[usdx].Equal(dec("817.5")) {
		t.Fatalf("borrow balance = %s, want 817.5", acct.BorrowBalances[usdx])
	}
	if acct.OpenLoans[usdx] != loanID {
		t.Fatalf("open loan not recorded")
	}
}

func TestBorrowDuplicateRejected(t *testing.T) {
	h := newHarness(t)
	funder := h.user("funder")
	borrower := h.user("borrower")
	h.fund(funder, "1000")
	h.postCollateral(borrower, "1000")

	if _, _, err := h.pool.Borrow(borrower, btcx, dec("500"), dec("100")); err != nil {
		t.Fatalf("first borrow: %v", err)
	}
	_, _, err := h.pool.Borrow(borrower, btcx, dec("500"), dec("100"))
	if !errors.Is(err, errs.State) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestBorrowInsufficientLiquidity(t *testing.T) {
	h := newHarness(t)
	funder := h.user("funder")
	borrower := h.user("borrower")
	h.fund(funder, "100")
	h.postCollateral(borrower, "1000")

	_, _, err := h.pool.Borrow(borrower, btcx, dec("1000"), dec("200"))
	if !errors.Is(err, errs.Liquidity) {
		t.Fatalf("expected liquidity error, got %v", err)
	}
}

func TestUtilizationTierAppliesToNextBorrow(t *testing.T) {
	h := newHarness(t)
	funder := h.user("funder")
	first := h.user("first")
	second := h.user("second")
	h.fund(funder, "1000")
	h.postCollateral(first, "1000")
	h.postCollateral(second, "1000")

	// First borrow prices at the base tier and pushes utilization to 0.8175.
	if _, _, err := h.pool.Borrow(first, btcx, dec("1000"), dec("750")); err != nil {
		t.Fatalf("first borrow: %v", err)
	}
	_, loanID, err := h.pool.Borrow(second, btcx, dec("1000"), dec("100"))
	if err != nil {
		t.Fatalf("second borrow: %v", err)
	}
	rec, err := h.loans.Get(loanID)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if !rec.InterestRate.Equal(dec("0.11")) {
		t.Fatalf("rate = %s, want 0.11", rec.InterestRate)
	}
}

func TestCreditScoreDiscountsRate(t *testing.T) {
	h := newHarness(t)
	funder := h.user("funder")
	borrower := h.user("borrower")
	h.fund(funder, "1000")
	h.postCollateral(borrower, "1000")
	if err := h.ldg.IncreaseCreditScore(h.tok, borrower, 300); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, loanID, err := h.pool.Borrow(borrower, btcx, dec("1000"), dec("100"))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	rec, err := h.loans.Get(loanID)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if !rec.InterestRate.Equal(dec("0.05")) {
		t.Fatalf("rate = %s, want 0.05", rec.InterestRate)
	}
}

func TestRepayOverpaymentRejected(t *testing.T) {
	h := newHarness(t)
	funder := h.user("funder")
	borrower := h.user("borrower")
	h.fund(funder, "1000")
	h.postCollateral(borrower, "1000")

	_, loanID, err := h.pool.Borrow(borrower, btcx, dec("1000"), dec("100"))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	before := h.pool.Balance()
	// Remaining is 109: principal plus 8% interest plus 1% fee.
	_, err = h.pool.Repay(borrower, loanID, vault.Funds{Asset: usdx, Amount: dec("109.01")})
	if !errors.Is(err, errs.Policy) {
		t.Fatalf("expected policy error, got %v", err)
	}
	if !h.pool.Balance().Equal(before) {
		t.Fatalf("pool balance changed on rejected repayment")
	}
	rec, err := h.loans.Get(loanID)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if !rec.Remaining().Equal(dec("109")) || rec.Status != loan.Current {
		t.Fatalf("loan changed on rejected repayment: %s remaining, status %s", rec.Remaining(), rec.Status)
	}
}

func TestRepayPayoff(t *testing.T) {
	h := newHarness(t)
	funder := h.user("funder")
	borrower := h.user("borrower")
	h.fund(funder, "1000")
	h.postCollateral(borrower, "1000")

	_, loanID, err := h.pool.Borrow(borrower, btcx, dec("1000"), dec("100"))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	refund, err := h.pool.Repay(borrower, loanID, vault.Funds{Asset: usdx, Amount: dec("50")})
	if err != nil {
		t.Fatalf("partial repay: %v", err)
	}
	if !refund.Amount.IsZero() {
		t.Fatalf("refund = %s on partial repay, want 0", refund.Amount)
	}
	rec, _ := h.loans.Get(loanID)
	if rec.Status != loan.Current || !rec.Remaining().Equal(dec("59")) {
		t.Fatalf("after partial repay: %s remaining, status %s", rec.Remaining(), rec.Status)
	}
	refund, err = h.pool.Repay(borrower, loanID, vault.Funds{Asset: usdx, Amount: dec("59")})
	if err != nil {
		t.Fatalf("final repay: %v", err)
	}
	if !refund.Amount.IsZero() {
		t.Fatalf("refund = %s on payoff, want 0", refund.Amount)
	}
	rec, _ = h.loans.Get(loanID)
	if rec.Status != loan.PaidOff {
		t.Fatalf("status = %s, want paid_off", rec.Status)
	}
	acct, _ := h.ldg.Account(borrower)
	if acct.CreditScore != 20 {
		t.Fatalf("credit score = %d, want 20", acct.CreditScore)
	}
	if acct.LoansPaidOff != 1 {
		t.Fatalf("loans paid off = %d, want 1", acct.LoansPaidOff)
	}
	if len(acct.OpenLoans) != 0 {
		t.Fatalf("open loans remain after payoff")
	}
	if !acct.BorrowBalances[usdx].IsZero() {
		t.Fatalf("borrow balance = %s, want 0", acct.BorrowBalances[usdx])
	}
	stats, err := h.pool.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !stats.InterestFeesCollected.Equal(dec("8")) || !stats.OriginationFeesCollected.Equal(dec("1")) {
		t.Fatalf("fees = %s interest / %s origination, want 8 / 1", stats.InterestFeesCollected, stats.OriginationFeesCollected)
	}
	if !stats.BorrowAmount.IsZero() {
		t.Fatalf("borrow amount = %s, want 0", stats.BorrowAmount)
	}
	// A paid-off loan cannot be repaid again.
	_, err = h.pool.Repay(borrower, loanID, vault.Funds{Asset: usdx, Amount: dec("1")})
	if !errors.Is(err, errs.State) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestBorrowAdditional(t *testing.T) {
	h := newHarness(t)
	funder := h.user("funder")
	borrower := h.user("borrower")
	h.fund(funder, "1000")
	h.postCollateral(borrower, "10000")

	_, loanID, err := h.pool.Borrow(borrower, btcx, dec("10000"), dec("100"))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := h.pool.BorrowAdditional(borrower, loanID, dec("100")); err != nil {
		t.Fatalf("borrow additional: %v", err)
	}
	rec, err := h.loans.Get(loanID)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if !rec.Amount.Equal(dec("200")) {
		t.Fatalf("principal = %s, want 200", rec.Amount)
	}
	// Both draws priced at the base tier, so the average stays at 8%.
	if !rec.InterestRate.Equal(dec("0.08")) {
		t.Fatalf("rate = %s, want 0.08", rec.InterestRate)
	}
}

func TestBorrowAdditionalAveragesRate(t *testing.T) {
	h := newHarness(t)
	funder := h.user("funder")
	borrower := h.user("borrower")
	h.fund(funder, "1000")
	h.postCollateral(borrower, "10000")

	// First draw prices at the base 8% and pushes utilization to 0.654.
	_, loanID, err := h.pool.Borrow(borrower, btcx, dec("10000"), dec("600"))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// The top-up prices at 9%; the stored rate is the average of both.
	if _, err := h.pool.BorrowAdditional(borrower, loanID, dec("100")); err != nil {
		t.Fatalf("borrow additional: %v", err)
	}
	rec, err := h.loans.Get(loanID)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if !rec.InterestRate.Equal(dec("0.085")) {
		t.Fatalf("rate = %s, want 0.085", rec.InterestRate)
	}
	// First draw owed 654; top-up adds 100 + 8.5 interest + 1 fee.
	if !rec.Remaining().Equal(dec("763.5")) {
		t.Fatalf("remaining = %s, want 763.5", rec.Remaining())
	}
}

func TestBorrowAdditionalRespectsHealth(t *testing.T) {
	h := newHarness(t)
	funder := h.user("funder")
	borrower := h.user("borrower")
	h.fund(funder, "2000")
	h.postCollateral(borrower, "1000")

	_, loanID, err := h.pool.Borrow(borrower, btcx, dec("1000"), dec("500"))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Collateral supports 750 of obligation at factor 0.75; the loan already
	// owes 545, so a large draw must be refused.
	_, err = h.pool.BorrowAdditional(borrower, loanID, dec("500"))
	if !errors.Is(err, errs.Policy) {
		t.Fatalf("expected policy error, got %v", err)
	}
}

type bridgeStub struct {
	received []vault.Funds
}

func (b *bridgeStub) AcceptCollateral(_ capability.Token, f vault.Funds) error {
	b.received = append(b.received, f)
	return nil
}

func TestConvertToCollateral(t *testing.T) {
	h := newHarness(t)
	bridge := &bridgeStub{}
	h.pool.SetCollateralBridge(bridge)
	u := h.user("u1")
	h.fund(u, "100")

	if err := h.pool.ConvertToCollateral(u, dec("60")); err != nil {
		t.Fatalf("convert: %v", err)
	}
	acct, _ := h.ldg.Account(u)
	if !acct.DepositBalances[usdx].Equal(dec("40")) || !acct.CollateralBalances[usdx].Equal(dec("60")) {
		t.Fatalf("buckets = %s / %s, want 40 / 60", acct.DepositBalances[usdx], acct.CollateralBalances[usdx])
	}
	if len(bridge.received) != 1 || !bridge.received[0].Amount.Equal(dec("60")) {
		t.Fatalf("collateral pool received %v, want one transfer of 60", bridge.received)
	}
}

func TestConvertToCollateralInsufficientLiquidityLeavesLedgerUntouched(t *testing.T) {
	h := newHarness(t)
	bridge := &bridgeStub{}
	h.pool.SetCollateralBridge(bridge)
	u := h.user("u1")
	borrower := h.user("borrower")
	h.fund(u, "100")
	h.postCollateral(borrower, "1000")

	// A third party drains most of the pool's custody.
	if _, _, err := h.pool.Borrow(borrower, btcx, dec("1000"), dec("75")); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	err := h.pool.ConvertToCollateral(u, dec("100"))
	if !errors.Is(err, errs.Liquidity) {
		t.Fatalf("expected liquidity error, got %v", err)
	}
	// The rejected conversion must not move the user's ledger buckets.
	acct, _ := h.ldg.Account(u)
	if !acct.DepositBalances[usdx].Equal(dec("100")) {
		t.Fatalf("deposit balance = %s, want 100", acct.DepositBalances[usdx])
	}
	if !acct.CollateralBalances[usdx].IsZero() {
		t.Fatalf("collateral balance = %s, want 0", acct.CollateralBalances[usdx])
	}
	if len(bridge.received) != 0 {
		t.Fatalf("collateral pool received funds from a rejected conversion")
	}
}

func TestFlashLoanLifecycle(t *testing.T) {
	h := newHarness(t)
	funder := h.user("funder")
	h.fund(funder, "1000")

	borrowed, claim, err := h.pool.FlashBorrow(dec("500"))
	if err != nil {
		t.Fatalf("flash borrow: %v", err)
	}
	if !h.pool.Balance().Equal(dec("500")) {
		t.Fatalf("pool balance = %s during flash loan, want 500", h.pool.Balance())
	}
	if h.pool.OutstandingClaims() != 1 {
		t.Fatalf("outstanding claims = %d, want 1", h.pool.OutstandingClaims())
	}
	// Short repayment leaves the claim open.
	if _, err := h.pool.FlashRepay(vault.Funds{Asset: usdx, Amount: dec("499")}, claim); !errors.Is(err, errs.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	change, err := h.pool.FlashRepay(borrowed, claim)
	if err != nil {
		t.Fatalf("flash repay: %v", err)
	}
	if !change.Amount.IsZero() {
		t.Fatalf("change = %s, want 0", change.Amount)
	}
	if !h.pool.Balance().Equal(dec("1000")) || h.pool.OutstandingClaims() != 0 {
		t.Fatalf("pool not restored: balance %s, claims %d", h.pool.Balance(), h.pool.OutstandingClaims())
	}
	// A settled claim cannot be replayed.
	if _, err := h.pool.FlashRepay(borrowed, claim); !errors.Is(err, errs.State) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestRefreshBadLoans(t *testing.T) {
	h := newHarness(t)
	funder := h.user("funder")
	borrower := h.user("borrower")
	h.fund(funder, "1000")
	h.postCollateral(borrower, "1000")

	_, loanID, err := h.pool.Borrow(borrower, btcx, dec("1000"), dec("100"))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := h.pool.RefreshBadLoans(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if bad, _ := h.pool.IsBadLoan(loanID); bad {
		t.Fatalf("healthy loan marked bad")
	}
	// Collateral crash: health drops to 0.75*100/109 ≈ 0.688.
	if err := h.feed.SetPrice(btcx, dec("0.1")); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if err := h.pool.RefreshBadLoans(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if bad, _ := h.pool.IsBadLoan(loanID); !bad {
		t.Fatalf("underwater loan not marked bad")
	}
	// Recovery clears the set.
	if err := h.feed.SetPrice(btcx, dec("1")); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if err := h.pool.RefreshBadLoans(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if bad, _ := h.pool.IsBadLoan(loanID); bad {
		t.Fatalf("recovered loan still marked bad")
	}
}
