package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"stagesale/storage"
)

var (
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
)

// Ledger is a minimal fungible-token ledger persisting balances and spending
// allowances in the underlying key-value store. One Database can host several
// ledgers, each namespaced by its symbol.
type Ledger struct {
	store  storage.Database
	symbol string
	prefix []byte
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store storage.Database, symbol string) *Ledger {
	canonical := strings.ToUpper(strings.TrimSpace(symbol))
	return &Ledger{
		store:  store,
		symbol: canonical,
		prefix: []byte("token/" + canonical + "/"),
	}
}

// Symbol returns the canonical symbol this ledger was created with.
func (l *Ledger) Symbol() string {
	if l == nil {
		return ""
	}
	return l.symbol
}

func (l *Ledger) balanceKey(addr common.Address) []byte {
	key := append([]byte{}, l.prefix...)
	key = append(key, []byte("balance/")...)
	return append(key, addr.Bytes()...)
}

func (l *Ledger) allowanceKey(owner, spender common.Address) []byte {
	key := append([]byte{}, l.prefix...)
	key = append(key, []byte("allowance/")...)
	key = append(key, owner.Bytes()...)
	return append(key, spender.Bytes()...)
}

func (l *Ledger) load(key []byte) (*big.Int, error) {
	raw, err := l.store.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(raw, value); err != nil {
		return nil, fmt.Errorf("token: decode %s record: %w", l.symbol, err)
	}
	return value, nil
}

func (l *Ledger) save(key []byte, value *big.Int) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return l.store.Put(key, encoded)
}

// BalanceOf returns the balance held by the address, zero when absent.
func (l *Ledger) BalanceOf(addr common.Address) (*big.Int, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("token ledger not initialised")
	}
	return l.load(l.balanceKey(addr))
}

// Mint credits freshly issued units to the recipient.
func (l *Ledger) Mint(to common.Address, amount *big.Int) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("token ledger not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance, err := l.load(l.balanceKey(to))
	if err != nil {
		return err
	}
	return l.save(l.balanceKey(to), new(big.Int).Add(balance, amount))
}

// Transfer moves units between two addresses.
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("token ledger not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fromBalance, err := l.load(l.balanceKey(from))
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBalance, err := l.load(l.balanceKey(to))
	if err != nil {
		return err
	}
	if err := l.save(l.balanceKey(from), new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.save(l.balanceKey(to), new(big.Int).Add(toBalance, amount))
}

// Approve grants the spender a spending allowance over the owner's balance.
// The allowance is overwritten, not accumulated.
func (l *Ledger) Approve(owner, spender common.Address, amount *big.Int) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("token ledger not initialised")
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return l.save(l.allowanceKey(owner, spender), new(big.Int).Set(amount))
}

// Allowance returns the remaining spending allowance, zero when absent.
func (l *Ledger) Allowance(owner, spender common.Address) (*big.Int, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("token ledger not initialised")
	}
	return l.load(l.allowanceKey(owner, spender))
}

// TransferFrom moves units from the owner to the recipient on behalf of the
// spender, consuming the spender's allowance.
func (l *Ledger) TransferFrom(spender, owner, recipient common.Address, amount *big.Int) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("token ledger not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	allowance, err := l.load(l.allowanceKey(owner, spender))
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.Transfer(owner, recipient, amount); err != nil {
		return err
	}
	return l.save(l.allowanceKey(owner, spender), new(big.Int).Sub(allowance, amount))
}
