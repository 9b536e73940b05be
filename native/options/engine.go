package options

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nhboptions/core/events"
	nativecommon "nhboptions/native/common"
)

// ModuleName identifies the options module to the pause guard.
const ModuleName = "options"

const (
	escrowVaultScope   = "options.escrow"
	treasuryVaultScope = "options.treasury"
)

var errNilState = errors.New("options engine: state not configured")

// StateView exposes read access to the options state.
type StateView interface {
	TreasuryGet() (*Treasury, bool, error)
	EscrowGet(id [32]byte) (*Escrow, bool, error)
}

// StateTx is one serialized unit of work against the options state and the
// value ledger. Nothing written through it is visible until Commit; Discard
// drops every staged change and is safe to call after Commit.
type StateTx interface {
	StateView
	TreasuryPut(*Treasury) error
	EscrowPut(*Escrow) error
	NextEscrowNonce() (uint64, error)
	// GrantVault returns the ledger vault for (scope, key) together with the
	// credential required to move value out of it.
	GrantVault(scope string, key [32]byte) (VaultGrant, error)
	// Transfer moves amount between ledger accounts. Transfers out of a vault
	// must carry that vault's grant.
	Transfer(from, to common.Address, amount uint64, grant *VaultGrant) error
	Commit() error
	Discard()
}

// Store opens transactions against the options state.
type Store interface {
	Begin() (StateTx, error)
	View(fn func(StateView) error) error
}

// Engine drives the binary-options escrow lifecycle: creation, matching,
// oracle settlement and withdrawal, plus the treasury operations. Each
// operation validates fully before mutating anything and commits record
// changes and value transfers together.
type Engine struct {
	store   Store
	oracle  PriceOracle
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() int64
}

// NewEngine creates an engine over the supplied store with a no-op emitter.
func NewEngine(store Store) *Engine {
	return &Engine{
		store:   store,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetOracle configures the price oracle consulted during settlement.
func (e *Engine) SetOracle(oracle PriceOracle) { e.oracle = oracle }

// SetPauses installs the pause view consulted before every mutation.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) guard() error {
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return fmt.Errorf("%w: %w", ErrModulePaused, err)
	}
	return nil
}

// update runs fn inside a transaction and emits the returned events once the
// transaction has committed.
func (e *Engine) update(fn func(tx StateTx) ([]events.Event, error)) error {
	if e == nil || e.store == nil {
		return errNilState
	}
	if err := e.guard(); err != nil {
		return err
	}
	tx, err := e.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Discard()
	emitted, err := fn(tx)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("options: commit: %w", err)
	}
	for _, evt := range emitted {
		e.emitter.Emit(evt)
	}
	return nil
}

func loadTreasury(view StateView) (*Treasury, error) {
	treasury, ok, err := view.TreasuryGet()
	if err != nil {
		return nil, err
	}
	if !ok || !treasury.Initialized {
		return nil, ErrAccountNotInitialized
	}
	return treasury, nil
}

func loadEscrow(view StateView, id [32]byte) (*Escrow, error) {
	esc, ok, err := view.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return esc, nil
}

// EscrowID derives the identifier of the escrow opened by creator with the
// given nonce.
func EscrowID(creator common.Address, nonce uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return ethcrypto.Keccak256Hash([]byte(escrowVaultScope), creator.Bytes(), buf[:])
}

func transfer(tx StateTx, from, to common.Address, amount uint64, grant *VaultGrant) error {
	if err := tx.Transfer(from, to, amount, grant); err != nil {
		return fmt.Errorf("options: transfer %d from %s: %w", amount, from.Hex(), err)
	}
	return nil
}

// Create opens a new escrow and moves the creator's stake into the escrow
// vault. The counter stake is the exact amount a taker must deposit.
func (e *Engine) Create(creator common.Address, description string, stake, strikePrice, counterStake uint64, position Position) (*Escrow, error) {
	var created *Escrow
	err := e.update(func(tx StateTx) ([]events.Event, error) {
		if _, err := loadTreasury(tx); err != nil {
			return nil, err
		}
		if err := ValidateDescription(description); err != nil {
			return nil, err
		}
		if stake == 0 || strikePrice == 0 || counterStake == 0 {
			return nil, ErrAmountNotPositive
		}
		if !position.Valid() {
			return nil, ErrInvalidPosition
		}
		if creator == (common.Address{}) {
			return nil, fmt.Errorf("%w: creator required", ErrInvalidArgument)
		}
		nonce, err := tx.NextEscrowNonce()
		if err != nil {
			return nil, err
		}
		id := EscrowID(creator, nonce)
		if _, exists, err := tx.EscrowGet(id); err != nil {
			return nil, err
		} else if exists {
			return nil, fmt.Errorf("options: escrow %x already exists", id)
		}
		vault, err := tx.GrantVault(escrowVaultScope, id)
		if err != nil {
			return nil, err
		}
		esc := &Escrow{
			ID:              id,
			Nonce:           nonce,
			Creator:         creator,
			Taker:           creator,
			Description:     description,
			StakeCreator:    stake,
			StakeTaker:      counterStake,
			StrikePrice:     strikePrice,
			CreatorPosition: position,
			TakerPosition:   PositionUnknown,
			State:           StateCreated,
			Vault:           vault,
			CreatedAt:       e.now(),
		}
		if err := transfer(tx, creator, vault.Vault, stake, nil); err != nil {
			return nil, err
		}
		if err := tx.EscrowPut(esc); err != nil {
			return nil, err
		}
		created = esc
		return []events.Event{NewCreatedEvent(esc)}, nil
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// Match joins taker to an open escrow on the opposite side and deposits the
// counter stake.
func (e *Engine) Match(id [32]byte, taker common.Address, amount uint64, position Position) (*Escrow, error) {
	var matched *Escrow
	err := e.update(func(tx StateTx) ([]events.Event, error) {
		if _, err := loadTreasury(tx); err != nil {
			return nil, err
		}
		esc, err := loadEscrow(tx, id)
		if err != nil {
			return nil, err
		}
		if esc.State != StateCreated {
			return nil, ErrParticipantsLimit
		}
		if amount == 0 {
			return nil, ErrAmountNotPositive
		}
		if amount != esc.StakeTaker {
			return nil, ErrInvalidDepositAmount
		}
		if taker == (common.Address{}) {
			return nil, fmt.Errorf("%w: taker required", ErrInvalidArgument)
		}
		if taker == esc.Creator {
			return nil, ErrPredictionDisallowed
		}
		if !position.Valid() {
			return nil, ErrInvalidPosition
		}
		if !esc.CreatorPosition.Opposes(position) {
			return nil, ErrPredictionCannotBeSame
		}
		esc.Taker = taker
		esc.TakerPosition = position
		esc.Matched = true
		esc.State = StateMatched
		if err := transfer(tx, taker, esc.Vault.Vault, amount, nil); err != nil {
			return nil, err
		}
		if err := tx.EscrowPut(esc); err != nil {
			return nil, err
		}
		matched = esc
		return []events.Event{NewMatchedEvent(esc)}, nil
	})
	if err != nil {
		return nil, err
	}
	return matched.Clone(), nil
}

// Settle resolves a matched escrow against the oracle, records the winner and
// payout and moves the protocol fee into the treasury fee vault.
func (e *Engine) Settle(ctx context.Context, id [32]byte, fee uint64) (*Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var settled *Escrow
	err := e.update(func(tx StateTx) ([]events.Event, error) {
		treasury, err := loadTreasury(tx)
		if err != nil {
			return nil, err
		}
		esc, err := loadEscrow(tx, id)
		if err != nil {
			return nil, err
		}
		if fee == 0 {
			return nil, ErrAmountNotPositive
		}
		now := e.now()
		sample, err := e.freshSample(now, treasury)
		if err != nil {
			return nil, err
		}
		if !esc.Matched {
			return nil, ErrPredictionNotMade
		}
		if esc.Settled() {
			return nil, ErrAlreadySettled
		}
		if !esc.CreatorPosition.Opposes(esc.TakerPosition) {
			return nil, ErrPredictionCannotBeSame
		}
		payout, err := ComputePayout(esc.StakeCreator, esc.StakeTaker, fee)
		if err != nil {
			return nil, err
		}
		winner, price := ResolveWinner(esc, sample)
		esc.Winner = winner
		esc.TotalPayout = payout
		esc.Fee = fee
		esc.SettledAt = now
		esc.OraclePrice = sample.Price
		esc.OracleExpo = sample.Expo
		esc.OraclePublishTime = sample.PublishTime
		esc.ResolvedPrice = price
		vault := esc.Vault
		if err := transfer(tx, vault.Vault, treasury.FeeVault.Vault, fee, &vault); err != nil {
			return nil, err
		}
		if err := tx.EscrowPut(esc); err != nil {
			return nil, err
		}
		settled = esc
		return []events.Event{NewSettledEvent(esc)}, nil
	})
	if err != nil {
		return nil, err
	}
	return settled.Clone(), nil
}

func (e *Engine) freshSample(now int64, treasury *Treasury) (PriceSample, error) {
	if e.oracle == nil {
		return PriceSample{}, ErrOracleUnavailable
	}
	sample, ok := e.oracle.PriceNoOlderThan(now, StalenessThreshold)
	if !ok || sample.Age(now) > StalenessThreshold {
		return PriceSample{}, ErrOracleUnavailable
	}
	if treasury.PriceFeedID != ([32]byte{}) && sample.FeedID != treasury.PriceFeedID {
		return PriceSample{}, ErrOracleFeedMismatch
	}
	return sample, nil
}

// Withdraw pays the recorded total payout to the winner. The amount must equal
// the payout exactly. No payout flag is kept on the record: a repeated request
// passes validation again and is bounded only by the vault balance.
func (e *Engine) Withdraw(id [32]byte, caller common.Address, amount uint64) error {
	return e.update(func(tx StateTx) ([]events.Event, error) {
		if amount == 0 {
			return nil, ErrAmountNotPositive
		}
		esc, err := loadEscrow(tx, id)
		if err != nil {
			return nil, err
		}
		if !esc.IsParticipant(caller) {
			return nil, ErrWithdrawalDisallowed
		}
		if !esc.Matched {
			return nil, ErrPredictionNotMade
		}
		if caller != esc.Winner {
			return nil, ErrInvalidWinner
		}
		if amount != esc.TotalPayout {
			return nil, ErrPayoutMismatch
		}
		vault := esc.Vault
		if err := transfer(tx, vault.Vault, caller, esc.TotalPayout, &vault); err != nil {
			return nil, err
		}
		return []events.Event{NewWithdrawnEvent(esc, caller, esc.TotalPayout)}, nil
	})
}

// Escrow returns a copy of the stored escrow.
func (e *Engine) Escrow(id [32]byte) (*Escrow, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	var out *Escrow
	err := e.store.View(func(view StateView) error {
		esc, err := loadEscrow(view, id)
		if err != nil {
			return err
		}
		out = esc.Clone()
		return nil
	})
	return out, err
}
