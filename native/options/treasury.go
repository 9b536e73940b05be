package options

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nhboptions/core/events"
)

// Initialize creates the treasury singleton. It succeeds exactly once per
// state backend.
func (e *Engine) Initialize(cfg TreasuryConfig) (*Treasury, error) {
	if cfg.Authority == (common.Address{}) {
		return nil, fmt.Errorf("%w: treasury authority required", ErrInvalidArgument)
	}
	var created *Treasury
	err := e.update(func(tx StateTx) ([]events.Event, error) {
		existing, ok, err := tx.TreasuryGet()
		if err != nil {
			return nil, err
		}
		if ok && existing.Initialized {
			return nil, ErrAccountAlreadyInitialized
		}
		vault, err := tx.GrantVault(treasuryVaultScope, ethcrypto.Keccak256Hash(cfg.Authority.Bytes()))
		if err != nil {
			return nil, err
		}
		treasury := &Treasury{
			Authority:   cfg.Authority,
			FeeVault:    vault,
			PriceFeedID: cfg.PriceFeedID,
			Initialized: true,
		}
		if err := tx.TreasuryPut(treasury); err != nil {
			return nil, err
		}
		created = treasury
		return []events.Event{NewTreasuryInitializedEvent(treasury)}, nil
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// TreasuryWithdraw moves amount from the fee vault to the treasury authority.
// The amount is not checked against collected fees; the vault balance bounds
// it.
func (e *Engine) TreasuryWithdraw(caller common.Address, amount uint64) error {
	return e.update(func(tx StateTx) ([]events.Event, error) {
		treasury, err := loadTreasury(tx)
		if err != nil {
			return nil, err
		}
		if caller != treasury.Authority {
			return nil, ErrUnauthorized
		}
		vault := treasury.FeeVault
		if err := transfer(tx, vault.Vault, caller, amount, &vault); err != nil {
			return nil, err
		}
		return []events.Event{NewTreasuryWithdrawnEvent(treasury, amount)}, nil
	})
}

// Treasury returns a copy of the treasury singleton.
func (e *Engine) Treasury() (*Treasury, error) {
	if e == nil || e.store == nil {
		return nil, errNilState
	}
	var out *Treasury
	err := e.store.View(func(view StateView) error {
		treasury, err := loadTreasury(view)
		if err != nil {
			return err
		}
		out = treasury.Clone()
		return nil
	})
	return out, err
}
