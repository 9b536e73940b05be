package options

import (
	"encoding/hex"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"nhboptions/core/events"
)

const (
	EventTypeEscrowCreated       = "options.escrow.created"
	EventTypeEscrowMatched       = "options.escrow.matched"
	EventTypeEscrowSettled       = "options.escrow.settled"
	EventTypeEscrowWithdrawn     = "options.escrow.withdrawn"
	EventTypeTreasuryInitialized = "options.treasury.initialized"
	EventTypeTreasuryWithdrawn   = "options.treasury.withdrawn"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) events.Record { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewMatchedEvent returns the payload emitted when a taker joins an escrow.
func NewMatchedEvent(e *Escrow) events.Record { return newEscrowEvent(EventTypeEscrowMatched, e) }

// NewSettledEvent returns the payload emitted once the oracle outcome has been
// applied.
func NewSettledEvent(e *Escrow) events.Record {
	evt := newEscrowEvent(EventTypeEscrowSettled, e)
	if e == nil {
		return evt
	}
	evt.Attributes["winner"] = e.Winner.Hex()
	evt.Attributes["totalPayout"] = strconv.FormatUint(e.TotalPayout, 10)
	evt.Attributes["fee"] = strconv.FormatUint(e.Fee, 10)
	evt.Attributes["oraclePrice"] = strconv.FormatInt(e.OraclePrice, 10)
	evt.Attributes["oracleExpo"] = strconv.FormatInt(int64(e.OracleExpo), 10)
	evt.Attributes["resolvedPrice"] = strconv.FormatUint(e.ResolvedPrice, 10)
	return evt
}

// NewWithdrawnEvent returns the payload emitted when a winner withdraws.
func NewWithdrawnEvent(e *Escrow, recipient common.Address, amount uint64) events.Record {
	evt := newEscrowEvent(EventTypeEscrowWithdrawn, e)
	evt.Attributes["recipient"] = recipient.Hex()
	evt.Attributes["amount"] = strconv.FormatUint(amount, 10)
	return evt
}

// NewTreasuryInitializedEvent returns the payload emitted when the treasury is
// created.
func NewTreasuryInitializedEvent(t *Treasury) events.Record {
	return newTreasuryEvent(EventTypeTreasuryInitialized, t)
}

// NewTreasuryWithdrawnEvent returns the payload emitted when the authority
// withdraws collected fees.
func NewTreasuryWithdrawnEvent(t *Treasury, amount uint64) events.Record {
	evt := newTreasuryEvent(EventTypeTreasuryWithdrawn, t)
	evt.Attributes["amount"] = strconv.FormatUint(amount, 10)
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) events.Record {
	attrs := make(map[string]string)
	if e == nil {
		return events.Record{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(e.ID[:])
	attrs["creator"] = e.Creator.Hex()
	attrs["stakeCreator"] = strconv.FormatUint(e.StakeCreator, 10)
	attrs["stakeTaker"] = strconv.FormatUint(e.StakeTaker, 10)
	attrs["strikePrice"] = strconv.FormatUint(e.StrikePrice, 10)
	attrs["creatorPosition"] = e.CreatorPosition.String()
	attrs["state"] = e.State.String()
	attrs["vault"] = e.Vault.Vault.Hex()
	if e.Matched {
		attrs["taker"] = e.Taker.Hex()
		attrs["takerPosition"] = e.TakerPosition.String()
	}
	return events.Record{Type: eventType, Attributes: attrs}
}

func newTreasuryEvent(eventType string, t *Treasury) events.Record {
	attrs := make(map[string]string)
	if t == nil {
		return events.Record{Type: eventType, Attributes: attrs}
	}
	attrs["authority"] = t.Authority.Hex()
	attrs["feeVault"] = t.FeeVault.Vault.Hex()
	if t.PriceFeedID != ([32]byte{}) {
		attrs["priceFeedId"] = hex.EncodeToString(t.PriceFeedID[:])
	}
	return events.Record{Type: eventType, Attributes: attrs}
}
