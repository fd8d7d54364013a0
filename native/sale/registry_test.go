package sale

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestRegisterPaymentTokenValidation(t *testing.T) {
	env := newTestEnv(t)
	env.initSale(t, 0)

	if err := env.engine.RegisterPaymentToken(ownerAddr, common.Address{}, "USDC/USD"); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected zero-address error, got %v", err)
	}
	if err := env.engine.RegisterPaymentToken(ownerAddr, usdcAddr, "   "); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected error for blank feed ref, got %v", err)
	}
	if err := env.engine.RegisterPaymentToken(buyerAddr, usdcAddr, "USDC/USD"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestRegisterPaymentTokenUpsertDeactivates(t *testing.T) {
	env := newTestEnv(t)
	env.initSale(t, 0)

	if err := env.engine.RegisterPaymentToken(ownerAddr, usdcAddr, "USDC/USD"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := env.engine.EnablePaymentToken(ownerAddr, usdcAddr); err != nil {
		t.Fatalf("enable failed: %v", err)
	}

	// Re-registering rebinds the feed and resets the asset to disabled.
	if err := env.engine.RegisterPaymentToken(ownerAddr, usdcAddr, "USDC-ALT/USD"); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	accepted, err := env.engine.IsPaymentTokenAccepted(usdcAddr)
	if err != nil {
		t.Fatalf("accepted check failed: %v", err)
	}
	if accepted {
		t.Fatalf("re-registered asset should start disabled")
	}
	record, ok, err := env.store.PaymentAssetGet(usdcAddr)
	if err != nil || !ok {
		t.Fatalf("asset record missing: %v", err)
	}
	if record.FeedRef != "USDC-ALT/USD" {
		t.Fatalf("feed ref not rebound: %q", record.FeedRef)
	}
}

func TestEnablePaymentToken(t *testing.T) {
	env := newTestEnv(t)
	env.initSale(t, 0)

	// Enabling an asset that was never registered fails.
	if err := env.engine.EnablePaymentToken(ownerAddr, usdcAddr); !errors.Is(err, ErrAssetAlreadyEnabled) {
		t.Fatalf("expected enable error for unregistered asset, got %v", err)
	}

	if err := env.engine.RegisterPaymentToken(ownerAddr, usdcAddr, "USDC/USD"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := env.engine.EnablePaymentToken(ownerAddr, usdcAddr); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if err := env.engine.EnablePaymentToken(ownerAddr, usdcAddr); !errors.Is(err, ErrAssetAlreadyEnabled) {
		t.Fatalf("expected error on double enable, got %v", err)
	}

	accepted, err := env.engine.IsPaymentTokenAccepted(usdcAddr)
	if err != nil {
		t.Fatalf("accepted check failed: %v", err)
	}
	if !accepted {
		t.Fatalf("enabled asset should be accepted")
	}
}

func TestDisablePaymentToken(t *testing.T) {
	env := newTestEnv(t)
	env.initSale(t, 0)
	if err := env.engine.RegisterPaymentToken(ownerAddr, usdcAddr, "USDC/USD"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Never enabled: disabling fails rather than silently succeeding.
	if err := env.engine.DisablePaymentToken(ownerAddr, usdcAddr); !errors.Is(err, ErrAssetAlreadyDisabled) {
		t.Fatalf("expected disable error, got %v", err)
	}

	if err := env.engine.EnablePaymentToken(ownerAddr, usdcAddr); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if err := env.engine.DisablePaymentToken(ownerAddr, usdcAddr); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	if err := env.engine.DisablePaymentToken(ownerAddr, usdcAddr); !errors.Is(err, ErrAssetAlreadyDisabled) {
		t.Fatalf("expected error on double disable, got %v", err)
	}

	accepted, err := env.engine.IsPaymentTokenAccepted(usdcAddr)
	if err != nil {
		t.Fatalf("accepted check failed: %v", err)
	}
	if accepted {
		t.Fatalf("disabled asset should not be accepted")
	}
}

func TestIsPaymentTokenAcceptedUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.initSale(t, 0)

	accepted, err := env.engine.IsPaymentTokenAccepted(usdcAddr)
	if err != nil {
		t.Fatalf("accepted check failed: %v", err)
	}
	if accepted {
		t.Fatalf("unknown asset should not be accepted")
	}
}
