package sale

import "errors"

var (
	ErrNilState              = errors.New("sale: state not configured")
	ErrNotInitialized        = errors.New("sale: sale not initialised")
	ErrAlreadyInitialized    = errors.New("sale: sale already initialised")
	ErrUnauthorized          = errors.New("sale: caller is not the sale owner")
	ErrZeroAddress           = errors.New("sale: zero address")
	ErrAssetAlreadyEnabled   = errors.New("sale: payment token already enabled")
	ErrAssetAlreadyDisabled  = errors.New("sale: payment token already disabled")
	ErrAssetNotAccepted      = errors.New("sale: payment token not accepted")
	ErrNoPaymentLedger       = errors.New("sale: payment ledger not configured")
	ErrNonPositiveRate       = errors.New("sale: rate must be positive")
	ErrNonPositiveAmount     = errors.New("sale: amount must be positive")
	ErrNoActiveStage         = errors.New("sale: no active stage")
	ErrStageCapExceeded      = errors.New("sale: stage capacity exceeded")
	ErrFinalStageReached     = errors.New("sale: final stage reached")
	ErrSaleNotOpen           = errors.New("sale: sale not open")
	ErrSalePaused            = errors.New("sale: sale paused")
	ErrSaleFinalized         = errors.New("sale: sale finalized")
	ErrInsufficientSupply    = errors.New("sale: insufficient token supply")
	ErrPurchaseLimitExceeded = errors.New("sale: purchase limit exceeded")
	ErrPastTimestamp         = errors.New("sale: end time must be in the future")
	ErrEndBeforeStart        = errors.New("sale: end time must follow start time")
)
