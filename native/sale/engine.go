package sale

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"stagesale/core/events"
	"stagesale/core/types"
	"stagesale/native/oracle"
)

type engineState interface {
	SaleStateGet() (*SaleState, bool, error)
	SaleStatePut(state *SaleState) error
	StagesGet() ([]*SaleStage, error)
	StagesPut(stages []*SaleStage) error
	PaymentAssetGet(asset common.Address) (*PaymentAsset, bool, error)
	PaymentAssetPut(asset common.Address, record *PaymentAsset) error
	PurchaserGet(buyer common.Address) (*PurchaserRecord, bool, error)
	PurchaserPut(buyer common.Address, record *PurchaserRecord) error
	ReceiptPut(receipt *Receipt) error
}

// TokenLedger is the external fungible-token collaborator. The engine only
// needs balance reads and transfers; mint/burn semantics stay outside.
type TokenLedger interface {
	BalanceOf(addr common.Address) (*big.Int, error)
	Transfer(from, to common.Address, amount *big.Int) error
}

// PaymentTokenLedger additionally supports allowance-based pulls for approved
// payment assets. The buyer must have granted the sale account a spending
// approval before purchasing.
type PaymentTokenLedger interface {
	TokenLedger
	TransferFrom(spender, owner, recipient common.Address, amount *big.Int) error
}

// PriceSource resolves normalized price reports for oracle feed references.
type PriceSource interface {
	GetPrice(ref string) (oracle.Report, error)
	Decimals() uint8
}

// Engine orchestrates the staged token sale: price lookup, conversion,
// allocation, limit enforcement, settlement, release, and stage advancement.
// Every state-mutating entry point runs under the sale lock; external ledger
// calls happen while the lock is held so a purchase is atomic relative to all
// other operations.
type Engine struct {
	mu            sync.Mutex
	state         engineState
	emitter       events.Emitter
	nowFn         func() int64
	owner         common.Address
	treasury      common.Address
	saleAccount   common.Address
	saleTokenAddr common.Address
	saleToken     TokenLedger
	nativeCoin    TokenLedger
	payments      map[common.Address]PaymentTokenLedger
	prices        PriceSource
	nativeFeedRef string
}

// NewEngine constructs a sale engine with default dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		payments: make(map[common.Address]PaymentTokenLedger),
		nowFn: func() int64 {
			return time.Now().Unix()
		},
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetOwner configures the principal allowed to perform administrative
// mutations. Authorization is a plain caller-identity comparison.
func (e *Engine) SetOwner(owner common.Address) { e.owner = owner }

// SetTreasury configures the address receiving all settled payments.
func (e *Engine) SetTreasury(treasury common.Address) { e.treasury = treasury }

// SetSaleAccount configures the account holding the sellable token supply and
// accumulating any stray funds.
func (e *Engine) SetSaleAccount(account common.Address) { e.saleAccount = account }

// SetSaleToken configures the token being sold and the ledger releasing it.
func (e *Engine) SetSaleToken(addr common.Address, ledger TokenLedger) {
	e.saleTokenAddr = addr
	e.saleToken = ledger
}

// SetNativeCoin configures the ledger settling native-coin payments.
func (e *Engine) SetNativeCoin(ledger TokenLedger) { e.nativeCoin = ledger }

// SetPaymentLedger binds the transfer ledger for an approved payment asset.
func (e *Engine) SetPaymentLedger(asset common.Address, ledger PaymentTokenLedger) {
	if e.payments == nil {
		e.payments = make(map[common.Address]PaymentTokenLedger)
	}
	e.payments[asset] = ledger
}

// SetPriceSource configures the oracle client used to price payments.
func (e *Engine) SetPriceSource(prices PriceSource) { e.prices = prices }

// SetNativeFeedRef configures the oracle feed pricing the native coin.
func (e *Engine) SetNativeFeedRef(ref string) { e.nativeFeedRef = strings.TrimSpace(ref) }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || evt == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(WrapEvent(evt))
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) requireOwner(caller common.Address) error {
	if isZeroAddress(e.owner) || caller != e.owner {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) loadState() (*SaleState, error) {
	if e.state == nil {
		return nil, ErrNilState
	}
	state, ok, err := e.state.SaleStateGet()
	if err != nil {
		return nil, err
	}
	if !ok || state == nil {
		return nil, ErrNotInitialized
	}
	return state, nil
}

// Initialize creates the sale state once. Stages are appended separately via
// AddStage before or during the sale window.
func (e *Engine) Initialize(startTime, endTime int64, maxPurchase *big.Int) error {
	if e == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return ErrNilState
	}
	if _, ok, err := e.state.SaleStateGet(); err != nil {
		return err
	} else if ok {
		return ErrAlreadyInitialized
	}
	if startTime >= endTime {
		return ErrEndBeforeStart
	}
	state := &SaleState{
		StartTime:       startTime,
		EndTime:         endTime,
		TotalRaised:     big.NewInt(0),
		TotalTokensSold: big.NewInt(0),
		MaxPurchase:     orZero(maxPurchase),
	}
	return e.state.SaleStatePut(state)
}

// Status returns a snapshot of the sale state and stage list.
func (e *Engine) Status() (*SaleState, []*SaleStage, error) {
	if e == nil {
		return nil, nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.loadState()
	if err != nil {
		return nil, nil, err
	}
	stages, err := e.state.StagesGet()
	if err != nil {
		return nil, nil, err
	}
	cloned := make([]*SaleStage, 0, len(stages))
	for _, stage := range stages {
		cloned = append(cloned, stage.Clone())
	}
	return state.Clone(), cloned, nil
}

// PurchaseNative processes a purchase paid in the native coin. The coin is
// priced through the configured default oracle feed.
func (e *Engine) PurchaseNative(buyer common.Address, paid *big.Int) (*Receipt, error) {
	if e == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.purchase(buyer, nil, paid)
}

// PurchaseWithToken processes a purchase paid in an approved payment asset.
// The asset is pulled from the buyer via a pre-existing spending approval.
func (e *Engine) PurchaseWithToken(buyer common.Address, asset common.Address, paid *big.Int) (*Receipt, error) {
	if e == nil {
		return nil, ErrNilState
	}
	if isZeroAddress(asset) {
		return nil, ErrZeroAddress
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.purchase(buyer, &asset, paid)
}

func (e *Engine) purchase(buyer common.Address, asset *common.Address, paid *big.Int) (*Receipt, error) {
	state, err := e.loadState()
	if err != nil {
		return nil, err
	}
	if state.Finalized {
		return nil, ErrSaleFinalized
	}
	if state.Paused {
		return nil, ErrSalePaused
	}
	now := e.now()
	if now < state.StartTime || now > state.EndTime {
		return nil, ErrSaleNotOpen
	}
	if paid == nil || paid.Sign() <= 0 {
		return nil, ErrNonPositiveAmount
	}
	if e.prices == nil {
		return nil, fmt.Errorf("sale: price source not configured")
	}
	if e.saleToken == nil {
		return nil, fmt.Errorf("sale: sale token ledger not configured")
	}

	stages, err := e.state.StagesGet()
	if err != nil {
		return nil, err
	}
	if state.CurrentStage >= uint64(len(stages)) {
		return nil, ErrNoActiveStage
	}
	stage := stages[state.CurrentStage]
	if stage.Rate == nil || stage.Rate.Sign() <= 0 {
		return nil, ErrNoActiveStage
	}

	// Price the payment. Native purchases use the default feed; token
	// purchases use the feed bound at registration time.
	feedRef := e.nativeFeedRef
	var paymentLedger PaymentTokenLedger
	if asset != nil {
		record, ok, err := e.state.PaymentAssetGet(*asset)
		if err != nil {
			return nil, err
		}
		if !ok || !record.Active || strings.TrimSpace(record.FeedRef) == "" {
			return nil, ErrAssetNotAccepted
		}
		feedRef = record.FeedRef
		paymentLedger = e.payments[*asset]
		if paymentLedger == nil {
			return nil, ErrNoPaymentLedger
		}
	} else if e.nativeCoin == nil {
		return nil, fmt.Errorf("sale: native coin ledger not configured")
	}

	report, err := e.prices.GetPrice(feedRef)
	if err != nil {
		return nil, err
	}

	// usd = price * paid / 10^priceDecimals, tokens = usd * rate.
	// Integer truncation throughout; the rounding bias is always downward.
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(e.prices.Decimals())), nil)
	usd := new(big.Int).Mul(report.Value, paid)
	usd.Quo(usd, scale)
	tokens := new(big.Int).Mul(usd, stage.Rate)
	if tokens.Sign() <= 0 {
		return nil, ErrNonPositiveAmount
	}

	sold := orZero(stage.Sold)
	if stage.Cap != nil && stage.Cap.Sign() > 0 {
		if new(big.Int).Add(sold, tokens).Cmp(stage.Cap) > 0 {
			return nil, ErrStageCapExceeded
		}
	}

	supply, err := e.saleToken.BalanceOf(e.saleAccount)
	if err != nil {
		return nil, err
	}
	if supply.Cmp(tokens) < 0 {
		return nil, ErrInsufficientSupply
	}

	record, ok, err := e.state.PurchaserGet(buyer)
	if err != nil {
		return nil, err
	}
	if !ok || record == nil {
		record = &PurchaserRecord{TotalTokensPurchased: big.NewInt(0)}
	}
	newTotal := new(big.Int).Add(orZero(record.TotalTokensPurchased), tokens)
	if state.MaxPurchase != nil && state.MaxPurchase.Sign() > 0 && newTotal.Cmp(state.MaxPurchase) > 0 {
		return nil, ErrPurchaseLimitExceeded
	}

	// Settle payment before releasing tokens. Both happen before any sale
	// counter is written: a failed release needs only the settlement
	// reversed, and a failed persistence write reverses both transfers.
	if asset != nil {
		if err := paymentLedger.TransferFrom(e.saleAccount, buyer, e.treasury, paid); err != nil {
			return nil, err
		}
	} else {
		if err := e.nativeCoin.Transfer(buyer, e.treasury, paid); err != nil {
			return nil, err
		}
	}
	if err := e.saleToken.Transfer(e.saleAccount, buyer, tokens); err != nil {
		refundErr := e.refundSettlement(buyer, asset, paid, paymentLedger)
		if refundErr != nil {
			return nil, fmt.Errorf("sale: release failed (%w), settlement refund failed: %v", err, refundErr)
		}
		return nil, err
	}

	prevState := state.Clone()
	prevStages := make([]*SaleStage, 0, len(stages))
	for _, entry := range stages {
		prevStages = append(prevStages, entry.Clone())
	}
	prevRecord := record.Clone()

	stageIndex := state.CurrentStage
	stage.Sold = new(big.Int).Add(sold, tokens)
	state.TotalRaised = new(big.Int).Add(orZero(state.TotalRaised), usd)
	state.TotalTokensSold = new(big.Int).Add(orZero(state.TotalTokensSold), tokens)
	record.TotalTokensPurchased = newTotal

	// A persistence failure at this point would leave the transfers applied
	// with no accounting behind them. Restore the previously stored values
	// best-effort and reverse both transfers so the abort is complete.
	rollback := func(cause error) error {
		_ = e.state.StagesPut(prevStages)
		_ = e.state.PurchaserPut(buyer, prevRecord)
		_ = e.state.SaleStatePut(prevState)
		return e.unwindPurchase(buyer, asset, paid, tokens, paymentLedger, cause)
	}

	if err := e.state.StagesPut(stages); err != nil {
		return nil, rollback(err)
	}
	if err := e.state.PurchaserPut(buyer, record); err != nil {
		return nil, rollback(err)
	}

	finalized := e.tryAdvance(state, stages)
	if err := e.state.SaleStatePut(state); err != nil {
		return nil, rollback(err)
	}

	receipt := &Receipt{
		ID:        uuid.NewString(),
		Buyer:     buyer,
		Paid:      new(big.Int).Set(paid),
		USD:       usd,
		Tokens:    tokens,
		Stage:     stageIndex,
		CreatedAt: now,
	}
	if asset != nil {
		receipt.Asset = *asset
	}
	if err := e.state.ReceiptPut(receipt); err != nil {
		return nil, rollback(err)
	}

	e.emit(PurchaseCompletedEvent(
		receipt.ID,
		hexAddr(buyer),
		hexAddr(receipt.Asset),
		paid.String(),
		usd.String(),
		tokens.String(),
		strconv.FormatUint(stageIndex, 10),
	))
	if finalized {
		e.emit(FinalizedEvent(state.TotalRaised.String(), state.TotalTokensSold.String()))
	}
	return receipt.Clone(), nil
}

// unwindPurchase reverses the release and then the settlement after a
// persistence failure. The returned error is the original cause unless a
// reversal itself fails, in which case both failures are reported.
func (e *Engine) unwindPurchase(buyer common.Address, asset *common.Address, paid, tokens *big.Int, paymentLedger PaymentTokenLedger, cause error) error {
	if err := e.saleToken.Transfer(buyer, e.saleAccount, tokens); err != nil {
		return fmt.Errorf("sale: persist failed (%w), release reversal failed: %v", cause, err)
	}
	if err := e.refundSettlement(buyer, asset, paid, paymentLedger); err != nil {
		return fmt.Errorf("sale: persist failed (%w), settlement refund failed: %v", cause, err)
	}
	return cause
}

func (e *Engine) refundSettlement(buyer common.Address, asset *common.Address, paid *big.Int, paymentLedger PaymentTokenLedger) error {
	if asset != nil {
		return paymentLedger.Transfer(e.treasury, buyer, paid)
	}
	return e.nativeCoin.Transfer(e.treasury, buyer, paid)
}

func hexAddr(addr common.Address) string {
	return addr.Hex()
}

func isZeroAddress(addr common.Address) bool {
	return addr == (common.Address{})
}
