package sale

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SaleStage is a contiguous sale phase with a fixed exchange rate and token
// cap. Stages are ordered and immutable once created except for Sold.
type SaleStage struct {
	Rate *big.Int `json:"rate"` // tokens granted per reference-currency unit
	Cap  *big.Int `json:"cap"`  // max tokens sellable in this stage
	Sold *big.Int `json:"sold"` // tokens sold so far in this stage
}

// Clone returns a deep copy of the stage.
func (s *SaleStage) Clone() *SaleStage {
	if s == nil {
		return nil
	}
	clone := &SaleStage{}
	if s.Rate != nil {
		clone.Rate = new(big.Int).Set(s.Rate)
	}
	if s.Cap != nil {
		clone.Cap = new(big.Int).Set(s.Cap)
	}
	if s.Sold != nil {
		clone.Sold = new(big.Int).Set(s.Sold)
	}
	return clone
}

// PaymentAsset records whether an external payment asset is accepted and which
// oracle feed prices it. An active asset always carries a non-empty feed
// reference.
type PaymentAsset struct {
	Active  bool   `json:"active"`
	FeedRef string `json:"feedRef"`
}

// Clone returns a copy of the payment asset record.
func (p *PaymentAsset) Clone() *PaymentAsset {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// PurchaserRecord accumulates the tokens acquired by a single buyer address
// across the whole sale. The total is monotonically non-decreasing and never
// reset.
type PurchaserRecord struct {
	TotalTokensPurchased *big.Int `json:"totalTokensPurchased"`
}

// Clone returns a deep copy of the purchaser record.
func (p *PurchaserRecord) Clone() *PurchaserRecord {
	if p == nil {
		return nil
	}
	clone := &PurchaserRecord{}
	if p.TotalTokensPurchased != nil {
		clone.TotalTokensPurchased = new(big.Int).Set(p.TotalTokensPurchased)
	}
	return clone
}

// SaleState holds the sale-wide counters and lifecycle flags. CurrentStage
// strictly increases and Finalized never reverts once set.
type SaleState struct {
	StartTime       int64    `json:"startTime"`
	EndTime         int64    `json:"endTime"`
	Finalized       bool     `json:"finalized"`
	Paused          bool     `json:"paused"`
	CurrentStage    uint64   `json:"currentStage"`
	TotalRaised     *big.Int `json:"totalRaised"` // reference-currency units
	TotalTokensSold *big.Int `json:"totalTokensSold"`
	MaxPurchase     *big.Int `json:"maxPurchase"` // per-address cap; zero disables the check
}

// Clone returns a deep copy of the sale state.
func (s *SaleState) Clone() *SaleState {
	if s == nil {
		return nil
	}
	clone := *s
	if s.TotalRaised != nil {
		clone.TotalRaised = new(big.Int).Set(s.TotalRaised)
	}
	if s.TotalTokensSold != nil {
		clone.TotalTokensSold = new(big.Int).Set(s.TotalTokensSold)
	}
	if s.MaxPurchase != nil {
		clone.MaxPurchase = new(big.Int).Set(s.MaxPurchase)
	}
	return &clone
}

// Receipt records a completed purchase for external observers and audits.
// Asset is the zero address for native-coin purchases.
type Receipt struct {
	ID        string         `json:"id"`
	Buyer     common.Address `json:"buyer"`
	Asset     common.Address `json:"asset"`
	Paid      *big.Int       `json:"paid"`
	USD       *big.Int       `json:"usd"`
	Tokens    *big.Int       `json:"tokens"`
	Stage     uint64         `json:"stage"`
	CreatedAt int64          `json:"createdAt"`
}

// Clone returns a deep copy of the receipt.
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Paid != nil {
		clone.Paid = new(big.Int).Set(r.Paid)
	}
	if r.USD != nil {
		clone.USD = new(big.Int).Set(r.USD)
	}
	if r.Tokens != nil {
		clone.Tokens = new(big.Int).Set(r.Tokens)
	}
	return &clone
}
