package sale

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"stagesale/storage"
)

var (
	saleStateKey       = []byte("sale/state")
	saleStagesKey      = []byte("sale/stages")
	paymentAssetPrefix = []byte("sale/asset/")
	purchaserPrefix    = []byte("sale/purchaser/")
	saleReceiptPrefix  = []byte("sale/receipt/")
)

type storedSaleState struct {
	StartTime       uint64
	EndTime         uint64
	Finalized       bool
	Paused          bool
	CurrentStage    uint64
	TotalRaised     *big.Int
	TotalTokensSold *big.Int
	MaxPurchase     *big.Int
}

type storedStage struct {
	Rate *big.Int
	Cap  *big.Int
	Sold *big.Int
}

type storedPaymentAsset struct {
	Active  bool
	FeedRef string
}

type storedPurchaser struct {
	TotalTokensPurchased *big.Int
}

type storedReceipt struct {
	ID        string
	Buyer     common.Address
	Asset     common.Address
	Paid      *big.Int
	USD       *big.Int
	Tokens    *big.Int
	Stage     uint64
	CreatedAt uint64
}

// Store persists the sale state machine in the underlying key-value store
// using RLP encoding.
type Store struct {
	db storage.Database
}

// NewStore constructs a store bound to the provided storage backend.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func (s *Store) get(key []byte, out interface{}) (bool, error) {
	raw, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("sale store: decode %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return s.db.Put(key, encoded)
}

// SaleStateGet loads the sale state, reporting false when none is stored.
func (s *Store) SaleStateGet() (*SaleState, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("sale store not initialised")
	}
	var stored storedSaleState
	ok, err := s.get(saleStateKey, &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	start, err := uint64ToInt64(stored.StartTime)
	if err != nil {
		return nil, false, fmt.Errorf("sale store: start time overflow: %w", err)
	}
	end, err := uint64ToInt64(stored.EndTime)
	if err != nil {
		return nil, false, fmt.Errorf("sale store: end time overflow: %w", err)
	}
	state := &SaleState{
		StartTime:       start,
		EndTime:         end,
		Finalized:       stored.Finalized,
		Paused:          stored.Paused,
		CurrentStage:    stored.CurrentStage,
		TotalRaised:     orZero(stored.TotalRaised),
		TotalTokensSold: orZero(stored.TotalTokensSold),
		MaxPurchase:     orZero(stored.MaxPurchase),
	}
	return state, true, nil
}

// SaleStatePut persists the sale state.
func (s *Store) SaleStatePut(state *SaleState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sale store not initialised")
	}
	if state == nil {
		return fmt.Errorf("sale store: state must not be nil")
	}
	stored := storedSaleState{
		StartTime:       clampUint64(state.StartTime),
		EndTime:         clampUint64(state.EndTime),
		Finalized:       state.Finalized,
		Paused:          state.Paused,
		CurrentStage:    state.CurrentStage,
		TotalRaised:     orZero(state.TotalRaised),
		TotalTokensSold: orZero(state.TotalTokensSold),
		MaxPurchase:     orZero(state.MaxPurchase),
	}
	return s.put(saleStateKey, stored)
}

// StagesGet loads the ordered stage list.
func (s *Store) StagesGet() ([]*SaleStage, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sale store not initialised")
	}
	var stored []storedStage
	ok, err := s.get(saleStagesKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []*SaleStage{}, nil
	}
	stages := make([]*SaleStage, 0, len(stored))
	for _, entry := range stored {
		stages = append(stages, &SaleStage{
			Rate: orZero(entry.Rate),
			Cap:  orZero(entry.Cap),
			Sold: orZero(entry.Sold),
		})
	}
	return stages, nil
}

// StagesPut persists the ordered stage list.
func (s *Store) StagesPut(stages []*SaleStage) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sale store not initialised")
	}
	stored := make([]storedStage, 0, len(stages))
	for _, stage := range stages {
		if stage == nil {
			return fmt.Errorf("sale store: stage must not be nil")
		}
		stored = append(stored, storedStage{
			Rate: orZero(stage.Rate),
			Cap:  orZero(stage.Cap),
			Sold: orZero(stage.Sold),
		})
	}
	return s.put(saleStagesKey, stored)
}

// PaymentAssetGet loads the registry record for the asset address.
func (s *Store) PaymentAssetGet(asset common.Address) (*PaymentAsset, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("sale store not initialised")
	}
	var stored storedPaymentAsset
	ok, err := s.get(addressKey(paymentAssetPrefix, asset), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &PaymentAsset{Active: stored.Active, FeedRef: stored.FeedRef}, true, nil
}

// PaymentAssetPut persists the registry record for the asset address.
func (s *Store) PaymentAssetPut(asset common.Address, record *PaymentAsset) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sale store not initialised")
	}
	if record == nil {
		return fmt.Errorf("sale store: payment asset must not be nil")
	}
	stored := storedPaymentAsset{Active: record.Active, FeedRef: strings.TrimSpace(record.FeedRef)}
	return s.put(addressKey(paymentAssetPrefix, asset), stored)
}

// PurchaserGet loads the cumulative purchase record for the buyer address.
func (s *Store) PurchaserGet(buyer common.Address) (*PurchaserRecord, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("sale store not initialised")
	}
	var stored storedPurchaser
	ok, err := s.get(addressKey(purchaserPrefix, buyer), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &PurchaserRecord{TotalTokensPurchased: orZero(stored.TotalTokensPurchased)}, true, nil
}

// PurchaserPut persists the cumulative purchase record for the buyer address.
func (s *Store) PurchaserPut(buyer common.Address, record *PurchaserRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sale store not initialised")
	}
	if record == nil {
		return fmt.Errorf("sale store: purchaser record must not be nil")
	}
	stored := storedPurchaser{TotalTokensPurchased: orZero(record.TotalTokensPurchased)}
	return s.put(addressKey(purchaserPrefix, buyer), stored)
}

// ReceiptPut persists a completed purchase receipt keyed by its identifier.
func (s *Store) ReceiptPut(receipt *Receipt) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sale store not initialised")
	}
	if receipt == nil {
		return fmt.Errorf("sale store: receipt must not be nil")
	}
	id := strings.TrimSpace(receipt.ID)
	if id == "" {
		return fmt.Errorf("sale store: receipt id required")
	}
	stored := storedReceipt{
		ID:        id,
		Buyer:     receipt.Buyer,
		Asset:     receipt.Asset,
		Paid:      orZero(receipt.Paid),
		USD:       orZero(receipt.USD),
		Tokens:    orZero(receipt.Tokens),
		Stage:     receipt.Stage,
		CreatedAt: clampUint64(receipt.CreatedAt),
	}
	return s.put(append(append([]byte{}, saleReceiptPrefix...), id...), stored)
}

// ReceiptGet retrieves a purchase receipt by identifier.
func (s *Store) ReceiptGet(id string) (*Receipt, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, fmt.Errorf("sale store not initialised")
	}
	trimmed := strings.TrimSpace(id)
	var stored storedReceipt
	ok, err := s.get(append(append([]byte{}, saleReceiptPrefix...), trimmed...), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	createdAt, err := uint64ToInt64(stored.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("sale store: created at overflow: %w", err)
	}
	receipt := &Receipt{
		ID:        stored.ID,
		Buyer:     stored.Buyer,
		Asset:     stored.Asset,
		Paid:      orZero(stored.Paid),
		USD:       orZero(stored.USD),
		Tokens:    orZero(stored.Tokens),
		Stage:     stored.Stage,
		CreatedAt: createdAt,
	}
	return receipt, true, nil
}

func addressKey(prefix []byte, addr common.Address) []byte {
	key := append([]byte{}, prefix...)
	return append(key, addr.Bytes()...)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func clampUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func uint64ToInt64(value uint64) (int64, error) {
	if value > math.MaxInt64 {
		return 0, fmt.Errorf("value %d exceeds int64 range", value)
	}
	return int64(value), nil
}
