package sale

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestPauseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.initSale(t, 0)

	if err := env.engine.Pause(ownerAddr); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if err := env.engine.Pause(ownerAddr); err != nil {
		t.Fatalf("second pause should be a no-op: %v", err)
	}
	if err := env.engine.Unpause(ownerAddr); err != nil {
		t.Fatalf("unpause failed: %v", err)
	}
	if err := env.engine.Unpause(ownerAddr); err != nil {
		t.Fatalf("second unpause should be a no-op: %v", err)
	}
	// Only the effective transitions emit.
	pauses, unpauses := 0, 0
	for _, evtType := range env.emitter.types() {
		switch evtType {
		case EventTypePaused:
			pauses++
		case EventTypeUnpaused:
			unpauses++
		}
	}
	if pauses != 1 || unpauses != 1 {
		t.Fatalf("expected one pause and one unpause event, got %d/%d", pauses, unpauses)
	}
}

func TestFinalizeIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.initSale(t, 0)

	if err := env.engine.Finalize(ownerAddr); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if err := env.engine.Finalize(ownerAddr); !errors.Is(err, ErrSaleFinalized) {
		t.Fatalf("expected finalized error on second call, got %v", err)
	}

	// Every mutation is rejected afterwards.
	if err := env.engine.Pause(ownerAddr); !errors.Is(err, ErrSaleFinalized) {
		t.Fatalf("pause after finalize: %v", err)
	}
	if err := env.engine.UpdateEndTime(ownerAddr, 10_000); !errors.Is(err, ErrSaleFinalized) {
		t.Fatalf("end time update after finalize: %v", err)
	}
	if err := env.engine.UpdateMaxPurchaseLimit(ownerAddr, big.NewInt(10)); !errors.Is(err, ErrSaleFinalized) {
		t.Fatalf("limit update after finalize: %v", err)
	}
}

func TestUpdateEndTimeValidation(t *testing.T) {
	env := newTestEnv(t)
	// Sale window entirely in the future of now=1000.
	if err := env.engine.Initialize(2_000, 3_000, big.NewInt(0)); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if err := env.engine.UpdateEndTime(ownerAddr, 900); !errors.Is(err, ErrPastTimestamp) {
		t.Fatalf("expected past-timestamp error, got %v", err)
	}
	if err := env.engine.UpdateEndTime(ownerAddr, 1_500); !errors.Is(err, ErrEndBeforeStart) {
		t.Fatalf("expected end-before-start error, got %v", err)
	}
	if err := env.engine.UpdateEndTime(ownerAddr, 4_000); err != nil {
		t.Fatalf("end time update failed: %v", err)
	}
	state, _, err := env.engine.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if state.EndTime != 4_000 {
		t.Fatalf("end time not updated: %d", state.EndTime)
	}
}

func TestUpdateMaxPurchaseLimit(t *testing.T) {
	env := newTestEnv(t)
	env.initSale(t, 100)
	env.addStage(t, 2, 10_000)
	if err := env.coin.Mint(buyerAddr, big.NewInt(1_000)); err != nil {
		t.Fatalf("failed to fund buyer: %v", err)
	}

	// 60 paid -> 120 tokens, over the 100 limit.
	if _, err := env.engine.PurchaseNative(buyerAddr, big.NewInt(60)); !errors.Is(err, ErrPurchaseLimitExceeded) {
		t.Fatalf("expected limit error, got %v", err)
	}

	// Raising the limit lets the same purchase through.
	if err := env.engine.UpdateMaxPurchaseLimit(ownerAddr, big.NewInt(500)); err != nil {
		t.Fatalf("limit update failed: %v", err)
	}
	if _, err := env.engine.PurchaseNative(buyerAddr, big.NewInt(60)); err != nil {
		t.Fatalf("purchase under raised limit failed: %v", err)
	}

	// Zero disables the check entirely.
	if err := env.engine.UpdateMaxPurchaseLimit(ownerAddr, big.NewInt(0)); err != nil {
		t.Fatalf("limit reset failed: %v", err)
	}
	if _, err := env.engine.PurchaseNative(buyerAddr, big.NewInt(400)); err != nil {
		t.Fatalf("purchase with disabled limit failed: %v", err)
	}

	if err := env.engine.UpdateMaxPurchaseLimit(ownerAddr, nil); !errors.Is(err, ErrNonPositiveAmount) {
		t.Fatalf("expected error for nil limit, got %v", err)
	}
}

func TestWithdrawNativeSweepsSaleAccount(t *testing.T) {
	env := newTestEnv(t)
	env.initSale(t, 0)
	if err := env.coin.Mint(saleAcct, big.NewInt(75)); err != nil {
		t.Fatalf("failed to seed stray funds: %v", err)
	}

	swept, err := env.engine.WithdrawNative(ownerAddr, treasuryAddr)
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if swept.Cmp(big.NewInt(75)) != 0 {
		t.Fatalf("unexpected sweep amount: %s", swept)
	}
	if got := env.balance(t, env.coin, treasuryAddr); got.Cmp(big.NewInt(75)) != 0 {
		t.Fatalf("treasury did not receive sweep: %s", got)
	}
	if got := env.balance(t, env.coin, saleAcct); got.Sign() != 0 {
		t.Fatalf("sale account not emptied: %s", got)
	}
}

func TestWithdrawTokensRecoverUnsoldSupply(t *testing.T) {
	env := newTestEnv(t)
	env.initSale(t, 0)

	swept, err := env.engine.WithdrawTokens(ownerAddr, saleTokAddr, treasuryAddr)
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if swept.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("unexpected sweep amount: %s", swept)
	}
	if got := env.balance(t, env.saleToken, treasuryAddr); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("unsold supply not recovered: %s", got)
	}
}

func TestWithdrawValidation(t *testing.T) {
	env := newTestEnv(t)
	env.initSale(t, 0)

	if _, err := env.engine.WithdrawNative(buyerAddr, treasuryAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := env.engine.WithdrawNative(ownerAddr, common.Address{}); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected zero-address error, got %v", err)
	}
	// Unknown asset has no bound ledger.
	if _, err := env.engine.WithdrawTokens(ownerAddr, addr(0x99), treasuryAddr); !errors.Is(err, ErrNoPaymentLedger) {
		t.Fatalf("expected no-ledger error, got %v", err)
	}
}

func TestInitializeValidation(t *testing.T) {
	env := newTestEnv(t)

	if err := env.engine.Initialize(5_000, 500, big.NewInt(0)); !errors.Is(err, ErrEndBeforeStart) {
		t.Fatalf("expected end-before-start error, got %v", err)
	}
	if err := env.engine.Initialize(500, 5_000, big.NewInt(0)); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if err := env.engine.Initialize(500, 5_000, big.NewInt(0)); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected already-initialized error, got %v", err)
	}
}
