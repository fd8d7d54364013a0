package sale

import (
	"stagesale/core/events"
	"stagesale/core/types"
)

const (
	// EventTypePurchaseCompleted is emitted after a purchase has settled and
	// the tokens have been released to the buyer.
	EventTypePurchaseCompleted = "sale.purchase.completed"
	// EventTypeStageAdded is emitted when the owner appends a sale stage.
	EventTypeStageAdded = "sale.stage.added"
	// EventTypeStageAdvanced is emitted when the active stage moves forward.
	EventTypeStageAdvanced = "sale.stage.advanced"
	// EventTypeFinalized is emitted exactly once when the sale terminates.
	EventTypeFinalized = "sale.finalized"
	// EventTypePaused is emitted when the owner pauses purchases.
	EventTypePaused = "sale.paused"
	// EventTypeUnpaused is emitted when the owner resumes purchases.
	EventTypeUnpaused = "sale.unpaused"
	// EventTypeEndTimeUpdated is emitted when the sale window is extended.
	EventTypeEndTimeUpdated = "sale.endtime.updated"
	// EventTypeLimitUpdated is emitted when the per-address cap changes.
	EventTypeLimitUpdated = "sale.limit.updated"
	// EventTypeWithdrawn is emitted when stray funds are swept by the owner.
	EventTypeWithdrawn = "sale.funds.withdrawn"
	// EventTypePaymentTokenRegistered is emitted on asset registration.
	EventTypePaymentTokenRegistered = "sale.paymenttoken.registered"
	// EventTypePaymentTokenEnabled is emitted when an asset is enabled.
	EventTypePaymentTokenEnabled = "sale.paymenttoken.enabled"
	// EventTypePaymentTokenDisabled is emitted when an asset is disabled.
	EventTypePaymentTokenDisabled = "sale.paymenttoken.disabled"
)

type eventEnvelope struct {
	evt *types.Event
}

func (e eventEnvelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e eventEnvelope) Event() *types.Event { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return eventEnvelope{evt: evt} }

// PurchaseCompletedEvent carries the buyer, settled reference-currency value
// and tokens received for a completed purchase.
func PurchaseCompletedEvent(receiptID, buyer, asset, paid, usd, tokens, stage string) *types.Event {
	return &types.Event{
		Type: EventTypePurchaseCompleted,
		Attributes: map[string]string{
			"receiptId": receiptID,
			"buyer":     buyer,
			"asset":     asset,
			"paid":      paid,
			"usd":       usd,
			"tokens":    tokens,
			"stage":     stage,
		},
	}
}

// StageAddedEvent captures a newly appended stage.
func StageAddedEvent(index, rate, cap string) *types.Event {
	return &types.Event{
		Type: EventTypeStageAdded,
		Attributes: map[string]string{
			"index": index,
			"rate":  rate,
			"cap":   cap,
		},
	}
}

// StageAdvancedEvent captures a stage transition.
func StageAdvancedEvent(from, to string) *types.Event {
	return &types.Event{
		Type: EventTypeStageAdvanced,
		Attributes: map[string]string{
			"from": from,
			"to":   to,
		},
	}
}

// FinalizedEvent captures the terminal sale totals.
func FinalizedEvent(totalRaised, totalTokensSold string) *types.Event {
	return &types.Event{
		Type: EventTypeFinalized,
		Attributes: map[string]string{
			"totalRaised":     totalRaised,
			"totalTokensSold": totalTokensSold,
		},
	}
}

// PausedEvent marks the sale as temporarily closed to purchases.
func PausedEvent() *types.Event {
	return &types.Event{Type: EventTypePaused, Attributes: map[string]string{}}
}

// UnpausedEvent marks the sale as reopened.
func UnpausedEvent() *types.Event {
	return &types.Event{Type: EventTypeUnpaused, Attributes: map[string]string{}}
}

// EndTimeUpdatedEvent carries the new sale end timestamp.
func EndTimeUpdatedEvent(endTime string) *types.Event {
	return &types.Event{
		Type:       EventTypeEndTimeUpdated,
		Attributes: map[string]string{"endTime": endTime},
	}
}

// LimitUpdatedEvent carries the new per-address purchase cap.
func LimitUpdatedEvent(maxPurchase string) *types.Event {
	return &types.Event{
		Type:       EventTypeLimitUpdated,
		Attributes: map[string]string{"maxPurchase": maxPurchase},
	}
}

// WithdrawnEvent captures an owner sweep of stray funds.
func WithdrawnEvent(asset, to, amount string) *types.Event {
	return &types.Event{
		Type: EventTypeWithdrawn,
		Attributes: map[string]string{
			"asset":  asset,
			"to":     to,
			"amount": amount,
		},
	}
}

// PaymentTokenRegisteredEvent captures an asset registration or overwrite.
func PaymentTokenRegisteredEvent(asset, feedRef string) *types.Event {
	return &types.Event{
		Type: EventTypePaymentTokenRegistered,
		Attributes: map[string]string{
			"asset":   asset,
			"feedRef": feedRef,
		},
	}
}

// PaymentTokenEnabledEvent captures an asset being accepted for payment.
func PaymentTokenEnabledEvent(asset string) *types.Event {
	return &types.Event{
		Type:       EventTypePaymentTokenEnabled,
		Attributes: map[string]string{"asset": asset},
	}
}

// PaymentTokenDisabledEvent captures an asset being rejected for payment.
func PaymentTokenDisabledEvent(asset string) *types.Event {
	return &types.Event{
		Type:       EventTypePaymentTokenDisabled,
		Attributes: map[string]string{"asset": asset},
	}
}
