package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"stagesale/native/oracle"
	"stagesale/native/sale"
	"stagesale/observability"
)

type statusResult struct {
	StartTime       int64         `json:"startTime"`
	EndTime         int64         `json:"endTime"`
	Finalized       bool          `json:"finalized"`
	Paused          bool          `json:"paused"`
	CurrentStage    uint64        `json:"currentStage"`
	TotalRaised     string        `json:"totalRaised"`
	TotalTokensSold string        `json:"totalTokensSold"`
	MaxPurchase     string        `json:"maxPurchase"`
	Stages          []stageResult `json:"stages"`
}

type stageResult struct {
	Rate string `json:"rate"`
	Cap  string `json:"cap"`
	Sold string `json:"sold"`
}

type receiptResult struct {
	ID        string `json:"id"`
	Buyer     string `json:"buyer"`
	Asset     string `json:"asset"`
	Paid      string `json:"paid"`
	USD       string `json:"usd"`
	Tokens    string `json:"tokens"`
	Stage     uint64 `json:"stage"`
	CreatedAt int64  `json:"createdAt"`
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected a single params object")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddress(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid hex address %q", value)
	}
	return common.HexToAddress(trimmed), nil
}

func parsePositiveAmount(value string) (*big.Int, error) {
	amount, err := parseAmount(value)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, fmt.Errorf("amount %q must be positive", value)
	}
	return amount, nil
}

// parseAmount accepts zero: a zero cap leaves a stage uncapped and a zero
// limit disables the per-address check.
func parseAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", value)
	}
	return amount, nil
}

// writeEngineError maps sale engine failures onto JSON-RPC error codes.
// Validation failures are invalid params, state-machine conflicts are
// conflicts, and everything else is a server error.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, sale.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, id, codeUnauthorized, err.Error(), nil)
	case errors.Is(err, sale.ErrZeroAddress),
		errors.Is(err, sale.ErrNonPositiveAmount),
		errors.Is(err, sale.ErrNonPositiveRate),
		errors.Is(err, sale.ErrPastTimestamp),
		errors.Is(err, sale.ErrEndBeforeStart),
		errors.Is(err, sale.ErrAssetNotAccepted),
		errors.Is(err, oracle.ErrStaleOrInvalid):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, err.Error(), nil)
	case errors.Is(err, sale.ErrSaleFinalized),
		errors.Is(err, sale.ErrSalePaused),
		errors.Is(err, sale.ErrSaleNotOpen),
		errors.Is(err, sale.ErrStageCapExceeded),
		errors.Is(err, sale.ErrPurchaseLimitExceeded),
		errors.Is(err, sale.ErrInsufficientSupply),
		errors.Is(err, sale.ErrFinalStageReached),
		errors.Is(err, sale.ErrNoActiveStage),
		errors.Is(err, sale.ErrAlreadyInitialized),
		errors.Is(err, sale.ErrNotInitialized),
		errors.Is(err, sale.ErrAssetAlreadyEnabled),
		errors.Is(err, sale.ErrAssetAlreadyDisabled):
		writeError(w, http.StatusConflict, id, codeConflict, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, "sale operation failed", err.Error())
	}
}

func newReceiptResult(receipt *sale.Receipt) receiptResult {
	return receiptResult{
		ID:        receipt.ID,
		Buyer:     receipt.Buyer.Hex(),
		Asset:     receipt.Asset.Hex(),
		Paid:      receipt.Paid.String(),
		USD:       receipt.USD.String(),
		Tokens:    receipt.Tokens.String(),
		Stage:     receipt.Stage,
		CreatedAt: receipt.CreatedAt,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	state, stages, err := s.engine.Status()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	result := statusResult{
		StartTime:       state.StartTime,
		EndTime:         state.EndTime,
		Finalized:       state.Finalized,
		Paused:          state.Paused,
		CurrentStage:    state.CurrentStage,
		TotalRaised:     state.TotalRaised.String(),
		TotalTokensSold: state.TotalTokensSold.String(),
		MaxPurchase:     state.MaxPurchase.String(),
		Stages:          make([]stageResult, 0, len(stages)),
	}
	for _, stage := range stages {
		result.Stages = append(result.Stages, stageResult{
			Rate: stage.Rate.String(),
			Cap:  stage.Cap.String(),
			Sold: stage.Sold.String(),
		})
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleCurrentRate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	rate, err := s.engine.CurrentRate()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"rate": rate.String()})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		ID string `json:"id"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	if s.store == nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "receipt store not configured", nil)
		return
	}
	receipt, ok, err := s.store.ReceiptGet(params.ID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeInvalidParams, fmt.Sprintf("receipt %q not found", params.ID), nil)
		return
	}
	writeResult(w, req.ID, newReceiptResult(receipt))
}

func (s *Server) handleIsPaymentTokenAccepted(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Asset string `json:"asset"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	asset, err := parseAddress(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	accepted, err := s.engine.IsPaymentTokenAccepted(asset)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"accepted": accepted})
}

func (s *Server) handlePurchaseNative(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Buyer  string `json:"buyer"`
		Amount string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parsePositiveAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	receipt, err := s.engine.PurchaseNative(buyer, amount)
	observability.Sale().RecordPurchase("native", err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	s.recordSaleProgress()
	writeResult(w, req.ID, newReceiptResult(receipt))
}

func (s *Server) handlePurchaseWithToken(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Buyer  string `json:"buyer"`
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	asset, err := parseAddress(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parsePositiveAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	receipt, err := s.engine.PurchaseWithToken(buyer, asset, amount)
	observability.Sale().RecordPurchase(asset.Hex(), err)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	s.recordSaleProgress()
	writeResult(w, req.ID, newReceiptResult(receipt))
}

// recordSaleProgress refreshes the stage and sold gauges after a successful
// purchase.
func (s *Server) recordSaleProgress() {
	state, stages, err := s.engine.Status()
	if err != nil {
		return
	}
	remaining := big.NewInt(0)
	if state.CurrentStage < uint64(len(stages)) {
		stage := stages[state.CurrentStage]
		if stage.Cap != nil && stage.Cap.Sign() > 0 {
			remaining = new(big.Int).Sub(stage.Cap, stage.Sold)
		}
	}
	observability.Sale().RecordProgress(state.CurrentStage, state.TotalTokensSold, remaining)
}

func (s *Server) handleAddStage(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Caller string `json:"caller"`
		Rate   string `json:"rate"`
		Cap    string `json:"cap"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	rate, err := parsePositiveAmount(params.Rate)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	cap, err := parseAmount(params.Cap)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.engine.AddStage(caller, rate, cap); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"added": true})
}

func (s *Server) handleAdvanceStage(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, ok := s.decodeCaller(w, req)
	if !ok {
		return
	}
	if err := s.engine.AdvanceStage(caller); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"advanced": true})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, ok := s.decodeCaller(w, req)
	if !ok {
		return
	}
	if err := s.engine.Pause(caller); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, ok := s.decodeCaller(w, req)
	if !ok {
		return
	}
	if err := s.engine.Unpause(caller); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"paused": false})
}

func (s *Server) handleFinalize(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, ok := s.decodeCaller(w, req)
	if !ok {
		return
	}
	if err := s.engine.Finalize(caller); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"finalized": true})
}

func (s *Server) handleUpdateEndTime(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Caller  string `json:"caller"`
		EndTime int64  `json:"endTime"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.engine.UpdateEndTime(caller, params.EndTime); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]int64{"endTime": params.EndTime})
}

func (s *Server) handleUpdateMaxPurchase(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Caller string `json:"caller"`
		Limit  string `json:"limit"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	limit, err := parseAmount(params.Limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.engine.UpdateMaxPurchaseLimit(caller, limit); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"maxPurchase": limit.String()})
}

func (s *Server) handleRegisterPaymentToken(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Caller  string `json:"caller"`
		Asset   string `json:"asset"`
		FeedRef string `json:"feedRef"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	asset, err := parseAddress(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.engine.RegisterPaymentToken(caller, asset, params.FeedRef); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"asset": asset.Hex(), "feedRef": strings.TrimSpace(params.FeedRef)})
}

func (s *Server) handleEnablePaymentToken(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, asset, ok := s.decodeCallerAsset(w, req)
	if !ok {
		return
	}
	if err := s.engine.EnablePaymentToken(caller, asset); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"enabled": true})
}

func (s *Server) handleDisablePaymentToken(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	caller, asset, ok := s.decodeCallerAsset(w, req)
	if !ok {
		return
	}
	if err := s.engine.DisablePaymentToken(caller, asset); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"enabled": false})
}

func (s *Server) handleWithdrawNative(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Caller string `json:"caller"`
		To     string `json:"to"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	to, err := parseAddress(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := s.engine.WithdrawNative(caller, to)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"amount": amount.String(), "to": to.Hex()})
}

func (s *Server) handleWithdrawTokens(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params struct {
		Caller string `json:"caller"`
		Asset  string `json:"asset"`
		To     string `json:"to"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	asset, err := parseAddress(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	to, err := parseAddress(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := s.engine.WithdrawTokens(caller, asset, to)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"amount": amount.String(), "asset": asset.Hex(), "to": to.Hex()})
}

func (s *Server) decodeCaller(w http.ResponseWriter, req *RPCRequest) (common.Address, bool) {
	var params struct {
		Caller string `json:"caller"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return common.Address{}, false
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return common.Address{}, false
	}
	return caller, true
}

func (s *Server) decodeCallerAsset(w http.ResponseWriter, req *RPCRequest) (common.Address, common.Address, bool) {
	var params struct {
		Caller string `json:"caller"`
		Asset  string `json:"asset"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return common.Address{}, common.Address{}, false
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return common.Address{}, common.Address{}, false
	}
	asset, err := parseAddress(params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return common.Address{}, common.Address{}, false
	}
	return caller, asset, true
}
