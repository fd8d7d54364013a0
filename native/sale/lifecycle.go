package sale

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Pause temporarily closes the sale to purchases. Pausing an already paused
// sale is a no-op; a finalized sale cannot be paused.
func (e *Engine) Pause(caller common.Address) error {
	return e.setPaused(caller, true)
}

// Unpause reopens a paused sale.
func (e *Engine) Unpause(caller common.Address) error {
	return e.setPaused(caller, false)
}

func (e *Engine) setPaused(caller common.Address, paused bool) error {
	if e == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	state, err := e.loadState()
	if err != nil {
		return err
	}
	if state.Finalized {
		return ErrSaleFinalized
	}
	if state.Paused == paused {
		return nil
	}
	state.Paused = paused
	if err := e.state.SaleStatePut(state); err != nil {
		return err
	}
	if paused {
		e.emit(PausedEvent())
	} else {
		e.emit(UnpausedEvent())
	}
	return nil
}

// Finalize terminates the sale. Finalization is terminal: calling it again
// fails with ErrSaleFinalized.
func (e *Engine) Finalize(caller common.Address) error {
	if e == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	state, err := e.loadState()
	if err != nil {
		return err
	}
	if state.Finalized {
		return ErrSaleFinalized
	}
	state.Finalized = true
	if err := e.state.SaleStatePut(state); err != nil {
		return err
	}
	e.emit(FinalizedEvent(orZero(state.TotalRaised).String(), orZero(state.TotalTokensSold).String()))
	return nil
}

// UpdateEndTime extends or shortens the sale window. The new end must lie in
// the future and after the sale start.
func (e *Engine) UpdateEndTime(caller common.Address, newEnd int64) error {
	if e == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	state, err := e.loadState()
	if err != nil {
		return err
	}
	if state.Finalized {
		return ErrSaleFinalized
	}
	if newEnd <= e.now() {
		return ErrPastTimestamp
	}
	if newEnd <= state.StartTime {
		return ErrEndBeforeStart
	}
	state.EndTime = newEnd
	if err := e.state.SaleStatePut(state); err != nil {
		return err
	}
	e.emit(EndTimeUpdatedEvent(formatInt64(newEnd)))
	return nil
}

// UpdateMaxPurchaseLimit replaces the per-address purchase cap. The new limit
// applies to subsequent purchases only; existing purchaser totals are kept. A
// zero limit disables the check.
func (e *Engine) UpdateMaxPurchaseLimit(caller common.Address, limit *big.Int) error {
	if e == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if limit == nil || limit.Sign() < 0 {
		return ErrNonPositiveAmount
	}
	state, err := e.loadState()
	if err != nil {
		return err
	}
	if state.Finalized {
		return ErrSaleFinalized
	}
	state.MaxPurchase = new(big.Int).Set(limit)
	if err := e.state.SaleStatePut(state); err != nil {
		return err
	}
	e.emit(LimitUpdatedEvent(limit.String()))
	return nil
}

// WithdrawNative sweeps any stray native coin held by the sale account.
func (e *Engine) WithdrawNative(caller, to common.Address) (*big.Int, error) {
	if e == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return nil, err
	}
	if isZeroAddress(to) {
		return nil, ErrZeroAddress
	}
	if e.nativeCoin == nil {
		return nil, ErrNoPaymentLedger
	}
	return e.sweep(e.nativeCoin, common.Address{}, to)
}

// WithdrawTokens sweeps any stray balance of the supplied asset held by the
// sale account. The sale token itself can be swept after finalization to
// recover unsold supply.
func (e *Engine) WithdrawTokens(caller, asset, to common.Address) (*big.Int, error) {
	if e == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return nil, err
	}
	if isZeroAddress(asset) || isZeroAddress(to) {
		return nil, ErrZeroAddress
	}
	var ledger TokenLedger
	if asset == e.saleTokenAddr {
		ledger = e.saleToken
	} else if bound, ok := e.payments[asset]; ok {
		ledger = bound
	}
	if ledger == nil {
		return nil, ErrNoPaymentLedger
	}
	return e.sweep(ledger, asset, to)
}

func (e *Engine) sweep(ledger TokenLedger, asset, to common.Address) (*big.Int, error) {
	balance, err := ledger.BalanceOf(e.saleAccount)
	if err != nil {
		return nil, err
	}
	if balance.Sign() > 0 {
		if err := ledger.Transfer(e.saleAccount, to, balance); err != nil {
			return nil, err
		}
	}
	e.emit(WithdrawnEvent(hexAddr(asset), hexAddr(to), balance.String()))
	return balance, nil
}

func formatInt64(v int64) string {
	return big.NewInt(v).String()
}
