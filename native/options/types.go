package options

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// DescriptionMaxLength bounds the escrow description in bytes.
	DescriptionMaxLength = 40
	// StalenessThreshold is the maximum age, in seconds, of an oracle sample
	// accepted by settlement.
	StalenessThreshold uint64 = 1800
)

// Position is a participant's binary prediction relative to the strike price.
type Position uint8

const (
	PositionUnknown Position = iota
	PositionLong
	PositionShort
)

// Valid reports whether the position is a concrete choice.
func (p Position) Valid() bool {
	return p == PositionLong || p == PositionShort
}

func (p Position) String() string {
	switch p {
	case PositionLong:
		return "long"
	case PositionShort:
		return "short"
	default:
		return "unknown"
	}
}

// ParsePosition maps "long"/"short" (any casing) onto a Position.
func ParsePosition(raw string) (Position, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long":
		return PositionLong, nil
	case "short":
		return PositionShort, nil
	default:
		return PositionUnknown, fmt.Errorf("%w: %q", ErrInvalidPosition, raw)
	}
}

// Opposes reports whether the two positions form a Long/Short pair.
func (p Position) Opposes(other Position) bool {
	switch p {
	case PositionLong:
		return other == PositionShort
	case PositionShort:
		return other == PositionLong
	default:
		return false
	}
}

// State tracks the escrow lifecycle. Settlement and withdrawal do not move the
// state; a settled escrow is recognised by its winner.
type State uint8

const (
	StateCreated State = 1
	StateMatched State = 2
)

func (s State) Valid() bool {
	return s == StateCreated || s == StateMatched
}

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateMatched:
		return "matched"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// VaultGrant pairs a ledger vault with the opaque credential the ledger
// requires before value can leave it.
type VaultGrant struct {
	Vault common.Address
	Token [32]byte
}

// Treasury is the process-wide admin configuration plus its fee vault.
type Treasury struct {
	Authority   common.Address
	FeeVault    VaultGrant
	PriceFeedID [32]byte
	Initialized bool
}

// Clone returns a copy of the treasury.
func (t *Treasury) Clone() *Treasury {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

// TreasuryConfig carries the values supplied at initialisation.
type TreasuryConfig struct {
	Authority   common.Address
	PriceFeedID [32]byte
}

// Escrow is the record backing a single two-party wager.
type Escrow struct {
	ID    [32]byte
	Nonce uint64

	Creator common.Address
	Taker   common.Address
	Winner  common.Address

	Description  string
	StakeCreator uint64
	StakeTaker   uint64
	StrikePrice  uint64

	CreatorPosition Position
	TakerPosition   Position

	Matched     bool
	TotalPayout uint64
	Fee         uint64
	State       State
	Vault       VaultGrant

	CreatedAt int64
	SettledAt int64

	// Oracle observation captured at settlement.
	OraclePrice       int64
	OracleExpo        int32
	OraclePublishTime int64
	ResolvedPrice     uint64
}

// Clone returns a copy of the escrow so callers can mutate it freely.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// Settled reports whether settlement has been recorded. Settlement always
// charges a non-zero fee and stamps SettledAt, whoever the winner is.
func (e *Escrow) Settled() bool {
	return e != nil && (e.Fee != 0 || e.SettledAt != 0)
}

// IsParticipant reports whether addr is the creator or the taker.
func (e *Escrow) IsParticipant(addr common.Address) bool {
	if e == nil {
		return false
	}
	return addr == e.Creator || addr == e.Taker
}

// ValidateDescription applies the description bounds enforced at creation.
func ValidateDescription(description string) error {
	if strings.TrimSpace(description) == "" {
		return ErrDescriptionEmpty
	}
	if len(description) > DescriptionMaxLength {
		return ErrDescriptionTooLong
	}
	return nil
}

// SanitizeEscrow checks the invariants every persisted escrow must hold and
// returns a copy. The original value is not modified.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("options: nil escrow")
	}
	if err := ValidateDescription(e.Description); err != nil {
		return nil, err
	}
	if e.StakeCreator == 0 || e.StakeTaker == 0 || e.StrikePrice == 0 {
		return nil, ErrAmountNotPositive
	}
	if !e.State.Valid() {
		return nil, fmt.Errorf("options: invalid escrow state %d", e.State)
	}
	if !e.CreatorPosition.Valid() {
		return nil, ErrInvalidPosition
	}
	if e.Matched {
		if e.State != StateMatched {
			return nil, fmt.Errorf("options: matched escrow in state %s", e.State)
		}
		if !e.CreatorPosition.Opposes(e.TakerPosition) {
			return nil, ErrPredictionCannotBeSame
		}
	}
	return e.Clone(), nil
}
