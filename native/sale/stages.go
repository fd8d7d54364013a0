package sale

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// AddStage appends a stage with the supplied rate and cap. Stages can only be
// added while the sale is not finalized.
func (e *Engine) AddStage(caller common.Address, rate, cap *big.Int) error {
	if e == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if rate == nil || rate.Sign() <= 0 {
		return ErrNonPositiveRate
	}
	state, err := e.loadState()
	if err != nil {
		return err
	}
	if state.Finalized {
		return ErrSaleFinalized
	}
	stages, err := e.state.StagesGet()
	if err != nil {
		return err
	}
	stages = append(stages, &SaleStage{
		Rate: new(big.Int).Set(rate),
		Cap:  orZero(cap),
		Sold: big.NewInt(0),
	})
	if err := e.state.StagesPut(stages); err != nil {
		return err
	}
	e.emit(StageAddedEvent(
		strconv.Itoa(len(stages)-1),
		rate.String(),
		orZero(cap).String(),
	))
	return nil
}

// CurrentRate returns the exchange rate of the active stage.
func (e *Engine) CurrentRate() (*big.Int, error) {
	if e == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.loadState()
	if err != nil {
		return nil, err
	}
	stages, err := e.state.StagesGet()
	if err != nil {
		return nil, err
	}
	if state.CurrentStage >= uint64(len(stages)) {
		return nil, ErrNoActiveStage
	}
	rate := stages[state.CurrentStage].Rate
	if rate == nil || rate.Sign() <= 0 {
		return nil, ErrNoActiveStage
	}
	return new(big.Int).Set(rate), nil
}

// tryAdvance moves to the next stage when the active one has filled its cap,
// advancing at most one stage per call. Filling the last stage finalizes the
// sale. The caller persists the mutated state. The stage index only ever
// increases; the next-index bound is checked explicitly so advancement can
// never read past the end of the stage list.
func (e *Engine) tryAdvance(state *SaleState, stages []*SaleStage) (finalized bool) {
	if state == nil || state.CurrentStage >= uint64(len(stages)) {
		return false
	}
	stage := stages[state.CurrentStage]
	if stage.Cap == nil || stage.Cap.Sign() <= 0 {
		return false
	}
	if orZero(stage.Sold).Cmp(stage.Cap) < 0 {
		return false
	}
	if state.CurrentStage+1 < uint64(len(stages)) {
		from := state.CurrentStage
		state.CurrentStage++
		e.emit(StageAdvancedEvent(
			strconv.FormatUint(from, 10),
			strconv.FormatUint(state.CurrentStage, 10),
		))
		return false
	}
	state.Finalized = true
	return true
}

// AdvanceStage forces an owner-triggered advance to the next stage.
func (e *Engine) AdvanceStage(caller common.Address) error {
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
	stages, err := e.state.StagesGet()
	if err != nil {
		return err
	}
	if len(stages) == 0 || state.CurrentStage+1 >= uint64(len(stages)) {
		return ErrFinalStageReached
	}
	from := state.CurrentStage
	state.CurrentStage++
	if err := e.state.SaleStatePut(state); err != nil {
		return err
	}
	e.emit(StageAdvancedEvent(
		strconv.FormatUint(from, 10),
		strconv.FormatUint(state.CurrentStage, 10),
	))
	return nil
}
