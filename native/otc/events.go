package otc

import "strconv"

const (
	EventTypeOfferCreated    = "otc.offer.created"
	EventTypeOfferApproved   = "otc.offer.approved"
	EventTypeOfferPaid       = "otc.offer.paid"
	EventTypeTokensClaimed   = "otc.offer.claimed"
	EventTypeOfferCancelled  = "otc.offer.cancelled"
	EventTypeOfferRefunded   = "otc.offer.refunded"
	EventTypePricesUpdated   = "otc.desk.prices_updated"
	EventTypeLimitsUpdated   = "otc.desk.limits_updated"
	EventTypeDeskPaused      = "otc.desk.paused"
	EventTypeTokensDeposited = "otc.desk.deposited"
)

// Event is the canonical payload the engine emits for every state transition.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter receives engine events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding all events.
type NoopEmitter struct{}

// Emit drops the event.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts ordinary functions to Emitter.
type EmitterFunc func(Event)

// Emit invokes the wrapped function.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}

func newOfferEvent(eventType string, o *Offer) Event {
	attrs := make(map[string]string)
	if o != nil {
		attrs["offerId"] = strconv.FormatUint(o.ID, 10)
		attrs["beneficiary"] = o.Beneficiary
		attrs["tokenAmount"] = o.TokenAmount.String()
		attrs["discountBps"] = strconv.FormatUint(uint64(o.DiscountBps), 10)
		attrs["currency"] = o.Currency.String()
		if o.Paid {
			attrs["payer"] = o.Payer
			attrs["amountPaid"] = o.AmountPaid.String()
		}
	}
	return Event{Type: eventType, Attributes: attrs}
}

// NewOfferCreatedEvent returns the payload for a newly created offer.
func NewOfferCreatedEvent(o *Offer) Event { return newOfferEvent(EventTypeOfferCreated, o) }

// NewOfferApprovedEvent returns the payload emitted once the approval
// threshold is reached.
func NewOfferApprovedEvent(o *Offer, approver string) Event {
	evt := newOfferEvent(EventTypeOfferApproved, o)
	evt.Attributes["approver"] = approver
	return evt
}

// NewOfferPaidEvent returns the payload emitted when the settlement amount is
// received.
func NewOfferPaidEvent(o *Offer) Event { return newOfferEvent(EventTypeOfferPaid, o) }

// NewTokensClaimedEvent returns the payload emitted when escrowed inventory is
// released to the beneficiary.
func NewTokensClaimedEvent(o *Offer) Event { return newOfferEvent(EventTypeTokensClaimed, o) }

// NewOfferCancelledEvent returns the payload for a cancellation.
func NewOfferCancelledEvent(o *Offer, by string) Event {
	evt := newOfferEvent(EventTypeOfferCancelled, o)
	evt.Attributes["cancelledBy"] = by
	return evt
}

// NewOfferRefundedEvent returns the payload for an emergency refund.
func NewOfferRefundedEvent(o *Offer) Event { return newOfferEvent(EventTypeOfferRefunded, o) }

// NewPricesUpdatedEvent returns the payload for an oracle price refresh.
func NewPricesUpdatedEvent(d *Desk) Event {
	attrs := make(map[string]string)
	if d != nil {
		attrs["tokenUsd8d"] = d.TokenUsd8d.String()
		attrs["nativeUsd8d"] = d.NativeUsd8d.String()
		attrs["updatedAt"] = strconv.FormatInt(d.PricesUpdatedAt, 10)
		attrs["maxAge"] = strconv.FormatInt(d.MaxPriceAgeSecs, 10)
	}
	return Event{Type: EventTypePricesUpdated, Attributes: attrs}
}
