package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"stagesale/native/oracle"
	"stagesale/native/sale"
	"stagesale/native/token"
	"stagesale/storage"
)

const testToken = "test-rpc-token"

var (
	testOwner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testTreasury = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	testSaleAcct = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	testBuyer    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	testSaleTok  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

func newTestServer(t *testing.T) (*Server, *token.Ledger) {
	t.Helper()
	t.Setenv(authTokenEnv, testToken)

	db := storage.NewMemDB()
	store := sale.NewStore(db)
	saleToken := token.NewLedger(db, "SALE")
	coin := token.NewLedger(db, "COIN")
	feed := oracle.NewManualFeed()
	feed.SetInt64("COIN/USD", 100, 2, time.Unix(1_700_000_000, 0))

	engine := sale.NewEngine()
	engine.SetState(store)
	engine.SetNowFunc(func() int64 { return 1_000 })
	engine.SetOwner(testOwner)
	engine.SetTreasury(testTreasury)
	engine.SetSaleAccount(testSaleAcct)
	engine.SetSaleToken(testSaleTok, saleToken)
	engine.SetNativeCoin(coin)
	engine.SetPriceSource(oracle.NewClient(feed, 2))
	engine.SetNativeFeedRef("COIN/USD")

	if err := saleToken.Mint(testSaleAcct, big.NewInt(100_000)); err != nil {
		t.Fatalf("seed supply: %v", err)
	}
	if err := coin.Mint(testBuyer, big.NewInt(10_000)); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
	if err := engine.Initialize(500, 5_000, big.NewInt(0)); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.AddStage(testOwner, big.NewInt(2), big.NewInt(1_000_000)); err != nil {
		t.Fatalf("add stage: %v", err)
	}
	return NewServer(engine, store), coin
}

func rpcCall(t *testing.T, server *Server, method string, params interface{}, bearer string) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	payload := map[string]interface{}{
		"jsonrpc": jsonRPCVersion,
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:5555"
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	server.handle(recorder, req)

	var resp RPCResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (body %s)", err, recorder.Body.String())
	}
	return recorder, resp
}

func TestStatusIsOpen(t *testing.T) {
	server, _ := newTestServer(t)

	recorder, resp := rpcCall(t, server, "sale_status", nil, "")
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("status failed: %d %+v", recorder.Code, resp.Error)
	}
	result, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var status statusResult
	if err := json.Unmarshal(result, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.StartTime != 500 || status.EndTime != 5_000 || len(status.Stages) != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.Stages[0].Rate != "2" {
		t.Fatalf("unexpected stage rate: %q", status.Stages[0].Rate)
	}
}

func TestPurchaseRequiresBearerToken(t *testing.T) {
	server, _ := newTestServer(t)
	params := map[string]string{"buyer": testBuyer.Hex(), "amount": "100"}

	recorder, resp := rpcCall(t, server, "sale_purchaseNative", params, "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("unexpected error payload: %+v", resp.Error)
	}

	recorder, resp = rpcCall(t, server, "sale_purchaseNative", params, "wrong-token")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", recorder.Code)
	}
}

func TestPurchaseNativeEndToEnd(t *testing.T) {
	server, coin := newTestServer(t)
	params := map[string]string{"buyer": testBuyer.Hex(), "amount": "100"}

	recorder, resp := rpcCall(t, server, "sale_purchaseNative", params, testToken)
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("purchase failed: %d %+v", recorder.Code, resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var receipt receiptResult
	if err := json.Unmarshal(raw, &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.USD != "100" || receipt.Tokens != "200" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if receipt.ID == "" {
		t.Fatalf("receipt id missing")
	}
	balance, err := coin.BalanceOf(testTreasury)
	if err != nil {
		t.Fatalf("treasury balance: %v", err)
	}
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("treasury not settled: %s", balance)
	}

	// The receipt is retrievable without auth.
	recorder, resp = rpcCall(t, server, "sale_getReceipt", map[string]string{"id": receipt.ID}, "")
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("receipt lookup failed: %d %+v", recorder.Code, resp.Error)
	}
}

func TestPurchaseValidatesParams(t *testing.T) {
	server, _ := newTestServer(t)

	recorder, resp := rpcCall(t, server, "sale_purchaseNative", map[string]string{"buyer": "nope", "amount": "100"}, testToken)
	if recorder.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected invalid params, got %d %+v", recorder.Code, resp.Error)
	}

	recorder, resp = rpcCall(t, server, "sale_purchaseNative", map[string]string{"buyer": testBuyer.Hex(), "amount": "12x"}, testToken)
	if recorder.Code != http.StatusBadRequest || resp.Error == nil {
		t.Fatalf("expected invalid amount, got %d %+v", recorder.Code, resp.Error)
	}

	recorder, resp = rpcCall(t, server, "sale_purchaseNative", map[string]string{"buyer": testBuyer.Hex(), "amount": "-100"}, testToken)
	if recorder.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected negative amount rejection, got %d %+v", recorder.Code, resp.Error)
	}

	recorder, resp = rpcCall(t, server, "sale_purchaseNative", map[string]string{"buyer": testBuyer.Hex(), "amount": "0"}, testToken)
	if recorder.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected zero amount rejection, got %d %+v", recorder.Code, resp.Error)
	}
}

func TestStageAmountSignsValidated(t *testing.T) {
	server, _ := newTestServer(t)

	// A negative cap would otherwise be stored and read back as uncapped.
	recorder, resp := rpcCall(t, server, "sale_addStage", map[string]string{
		"caller": testOwner.Hex(),
		"rate":   "2",
		"cap":    "-5",
	}, testToken)
	if recorder.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected negative cap rejection, got %d %+v", recorder.Code, resp.Error)
	}

	recorder, resp = rpcCall(t, server, "sale_updateMaxPurchase", map[string]string{
		"caller": testOwner.Hex(),
		"limit":  "-1",
	}, testToken)
	if recorder.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected negative limit rejection, got %d %+v", recorder.Code, resp.Error)
	}

	// Zero cap stays valid: it marks the stage as uncapped.
	recorder, resp = rpcCall(t, server, "sale_addStage", map[string]string{
		"caller": testOwner.Hex(),
		"rate":   "2",
		"cap":    "0",
	}, testToken)
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("zero cap should be accepted, got %d %+v", recorder.Code, resp.Error)
	}
}

func gatherCounterTotal(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestPurchaseUpdatesSaleMetrics(t *testing.T) {
	server, _ := newTestServer(t)
	before := gatherCounterTotal(t, "stagesale_sale_purchases_total")

	params := map[string]string{"buyer": testBuyer.Hex(), "amount": "100"}
	recorder, resp := rpcCall(t, server, "sale_purchaseNative", params, testToken)
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("purchase failed: %d %+v", recorder.Code, resp.Error)
	}

	if after := gatherCounterTotal(t, "stagesale_sale_purchases_total"); after != before+1 {
		t.Fatalf("purchase counter = %v, want %v", after, before+1)
	}
}

func TestPurchaseRateLimited(t *testing.T) {
	server, _ := newTestServer(t)
	params := map[string]string{"buyer": testBuyer.Hex(), "amount": "1"}

	limited := false
	for i := 0; i < maxTxPerWindow+1; i++ {
		recorder, resp := rpcCall(t, server, "sale_purchaseNative", params, testToken)
		if recorder.Code == http.StatusTooManyRequests {
			if resp.Error == nil || resp.Error.Code != codeRateLimited {
				t.Fatalf("unexpected throttle payload: %+v", resp.Error)
			}
			limited = true
			break
		}
	}
	if !limited {
		t.Fatalf("expected rate limit after %d requests", maxTxPerWindow)
	}
}

func TestAdminLifecycleOverRPC(t *testing.T) {
	server, _ := newTestServer(t)
	caller := map[string]string{"caller": testOwner.Hex()}

	recorder, resp := rpcCall(t, server, "sale_pause", caller, testToken)
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("pause failed: %d %+v", recorder.Code, resp.Error)
	}

	// Purchases are rejected with a conflict while paused.
	params := map[string]string{"buyer": testBuyer.Hex(), "amount": "10"}
	recorder, resp = rpcCall(t, server, "sale_purchaseNative", params, testToken)
	if recorder.Code != http.StatusConflict || resp.Error == nil || resp.Error.Code != codeConflict {
		t.Fatalf("expected conflict while paused, got %d %+v", recorder.Code, resp.Error)
	}

	recorder, resp = rpcCall(t, server, "sale_unpause", caller, testToken)
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("unpause failed: %d %+v", recorder.Code, resp.Error)
	}

	// A non-owner caller is rejected by the engine.
	recorder, resp = rpcCall(t, server, "sale_finalize", map[string]string{"caller": testBuyer.Hex()}, testToken)
	if recorder.Code != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected engine authorization failure, got %d %+v", recorder.Code, resp.Error)
	}

	recorder, resp = rpcCall(t, server, "sale_finalize", caller, testToken)
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("finalize failed: %d %+v", recorder.Code, resp.Error)
	}
	recorder, resp = rpcCall(t, server, "sale_finalize", caller, testToken)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected conflict on double finalize, got %d", recorder.Code)
	}
}

func TestMethodNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	recorder, resp := rpcCall(t, server, "sale_unknown", nil, "")
	if recorder.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found, got %d %+v", recorder.Code, resp.Error)
	}
}

func TestClientSourcePrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if source := clientSource(req); source != "203.0.113.9" {
		t.Fatalf("expected forwarded source, got %q", source)
	}
	req.Header.Del("X-Forwarded-For")
	if source := clientSource(req); source != "10.0.0.5" {
		t.Fatalf("expected remote host, got %q", source)
	}
}

func TestRegisterAndPurchaseWithTokenOverRPC(t *testing.T) {
	server, _ := newTestServer(t)
	assetAddr := common.HexToAddress("0x00000000000000000000000000000000000000f1")

	recorder, resp := rpcCall(t, server, "sale_registerPaymentToken", map[string]string{
		"caller":  testOwner.Hex(),
		"asset":   assetAddr.Hex(),
		"feedRef": "USDC/USD",
	}, testToken)
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("register failed: %d %+v", recorder.Code, resp.Error)
	}

	recorder, resp = rpcCall(t, server, "sale_isPaymentTokenAccepted", map[string]string{"asset": assetAddr.Hex()}, "")
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("accepted check failed: %d %+v", recorder.Code, resp.Error)
	}
	accepted := fmt.Sprintf("%v", resp.Result)
	if accepted != "map[accepted:false]" {
		t.Fatalf("registered asset should start disabled: %v", resp.Result)
	}

	recorder, resp = rpcCall(t, server, "sale_enablePaymentToken", map[string]string{
		"caller": testOwner.Hex(),
		"asset":  assetAddr.Hex(),
	}, testToken)
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("enable failed: %d %+v", recorder.Code, resp.Error)
	}

	// No payment ledger is bound for the asset, so purchasing surfaces a
	// server error rather than silently succeeding.
	recorder, resp = rpcCall(t, server, "sale_purchaseWithToken", map[string]string{
		"buyer":  testBuyer.Hex(),
		"asset":  assetAddr.Hex(),
		"amount": "10",
	}, testToken)
	if recorder.Code != http.StatusInternalServerError || resp.Error == nil {
		t.Fatalf("expected missing-ledger failure, got %d %+v", recorder.Code, resp.Error)
	}
}
