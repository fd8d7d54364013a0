package sale

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// RegisterPaymentToken records an external payment asset and the oracle feed
// pricing it. Registration is an idempotent upsert: any prior entry is
// overwritten and the asset starts disabled until explicitly enabled.
func (e *Engine) RegisterPaymentToken(caller, asset common.Address, feedRef string) error {
	if e == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if e.state == nil {
		return ErrNilState
	}
	trimmed := strings.TrimSpace(feedRef)
	if isZeroAddress(asset) || trimmed == "" {
		return ErrZeroAddress
	}
	record := &PaymentAsset{Active: false, FeedRef: trimmed}
	if err := e.state.PaymentAssetPut(asset, record); err != nil {
		return err
	}
	e.emit(PaymentTokenRegisteredEvent(hexAddr(asset), trimmed))
	return nil
}

// EnablePaymentToken activates a registered asset for purchases.
func (e *Engine) EnablePaymentToken(caller, asset common.Address) error {
	if e == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if e.state == nil {
		return ErrNilState
	}
	record, ok, err := e.state.PaymentAssetGet(asset)
	if err != nil {
		return err
	}
	if !ok || record.Active {
		return ErrAssetAlreadyEnabled
	}
	record.Active = true
	if err := e.state.PaymentAssetPut(asset, record); err != nil {
		return err
	}
	e.emit(PaymentTokenEnabledEvent(hexAddr(asset)))
	return nil
}

// DisablePaymentToken deactivates a registered asset.
func (e *Engine) DisablePaymentToken(caller, asset common.Address) error {
	if e == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if e.state == nil {
		return ErrNilState
	}
	record, ok, err := e.state.PaymentAssetGet(asset)
	if err != nil {
		return err
	}
	if !ok || !record.Active {
		return ErrAssetAlreadyDisabled
	}
	record.Active = false
	if err := e.state.PaymentAssetPut(asset, record); err != nil {
		return err
	}
	e.emit(PaymentTokenDisabledEvent(hexAddr(asset)))
	return nil
}

// IsPaymentTokenAccepted reports whether the asset is active and carries a
// feed reference.
func (e *Engine) IsPaymentTokenAccepted(asset common.Address) (bool, error) {
	if e == nil || e.state == nil {
		return false, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	record, ok, err := e.state.PaymentAssetGet(asset)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return record.Active && strings.TrimSpace(record.FeedRef) != "", nil
}
