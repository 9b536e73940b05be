package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"nhboptions/native/options"
)

// storedEscrow is the persisted layout of an escrow record. RLP has no signed
// integers, so signed fields are stored as their two's-complement bits.
type storedEscrow struct {
	ID                [32]byte
	Nonce             uint64
	Creator           common.Address
	Taker             common.Address
	Winner            common.Address
	Description       string
	StakeCreator      uint64
	StakeTaker        uint64
	StrikePrice       uint64
	CreatorPosition   uint8
	TakerPosition     uint8
	Matched           bool
	TotalPayout       uint64
	Fee               uint64
	State             uint8
	Vault             common.Address
	VaultToken        [32]byte
	CreatedAt         uint64
	SettledAt         uint64
	OraclePrice       uint64
	OracleExpo        uint64
	OraclePublishTime uint64
	ResolvedPrice     uint64
}

type storedTreasury struct {
	Authority     common.Address
	FeeVault      common.Address
	FeeVaultToken [32]byte
	PriceFeedID   [32]byte
	Initialized   bool
}

// VaultAddress derives the ledger address of the vault owned by (scope, key).
func VaultAddress(scope string, key [32]byte) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("vault:"+scope), key[:]))
}

func encodeEscrow(e *options.Escrow) ([]byte, error) {
	sanitized, err := options.SanitizeEscrow(e)
	if err != nil {
		return nil, err
	}
	stored := storedEscrow{
		ID:                sanitized.ID,
		Nonce:             sanitized.Nonce,
		Creator:           sanitized.Creator,
		Taker:             sanitized.Taker,
		Winner:            sanitized.Winner,
		Description:       sanitized.Description,
		StakeCreator:      sanitized.StakeCreator,
		StakeTaker:        sanitized.StakeTaker,
		StrikePrice:       sanitized.StrikePrice,
		CreatorPosition:   uint8(sanitized.CreatorPosition),
		TakerPosition:     uint8(sanitized.TakerPosition),
		Matched:           sanitized.Matched,
		TotalPayout:       sanitized.TotalPayout,
		Fee:               sanitized.Fee,
		State:             uint8(sanitized.State),
		Vault:             sanitized.Vault.Vault,
		VaultToken:        sanitized.Vault.Token,
		CreatedAt:         uint64(sanitized.CreatedAt),
		SettledAt:         uint64(sanitized.SettledAt),
		OraclePrice:       uint64(sanitized.OraclePrice),
		OracleExpo:        uint64(uint32(sanitized.OracleExpo)),
		OraclePublishTime: uint64(sanitized.OraclePublishTime),
		ResolvedPrice:     sanitized.ResolvedPrice,
	}
	return rlp.EncodeToBytes(&stored)
}

func decodeEscrow(data []byte) (*options.Escrow, error) {
	var stored storedEscrow
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, err
	}
	esc := &options.Escrow{
		ID:                stored.ID,
		Nonce:             stored.Nonce,
		Creator:           stored.Creator,
		Taker:             stored.Taker,
		Winner:            stored.Winner,
		Description:       stored.Description,
		StakeCreator:      stored.StakeCreator,
		StakeTaker:        stored.StakeTaker,
		StrikePrice:       stored.StrikePrice,
		CreatorPosition:   options.Position(stored.CreatorPosition),
		TakerPosition:     options.Position(stored.TakerPosition),
		Matched:           stored.Matched,
		TotalPayout:       stored.TotalPayout,
		Fee:               stored.Fee,
		State:             options.State(stored.State),
		Vault:             options.VaultGrant{Vault: stored.Vault, Token: stored.VaultToken},
		CreatedAt:         int64(stored.CreatedAt),
		SettledAt:         int64(stored.SettledAt),
		OraclePrice:       int64(stored.OraclePrice),
		OracleExpo:        int32(uint32(stored.OracleExpo)),
		OraclePublishTime: int64(stored.OraclePublishTime),
		ResolvedPrice:     stored.ResolvedPrice,
	}
	return options.SanitizeEscrow(esc)
}

// EscrowGet loads the escrow stored under id.
func (tx *Tx) EscrowGet(id [32]byte) (*options.Escrow, bool, error) {
	data, ok, err := tx.get(OptionsEscrowKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	esc, err := decodeEscrow(data)
	if err != nil {
		return nil, false, fmt.Errorf("state: decode escrow %x: %w", id, err)
	}
	return esc, true, nil
}

// EscrowPut validates and stages the escrow record.
func (tx *Tx) EscrowPut(e *options.Escrow) error {
	if e == nil {
		return fmt.Errorf("state: nil escrow")
	}
	encoded, err := encodeEscrow(e)
	if err != nil {
		return err
	}
	return tx.put(OptionsEscrowKey(e.ID), encoded)
}

// NextEscrowNonce returns the next escrow nonce and advances the sequence.
func (tx *Tx) NextEscrowNonce() (uint64, error) {
	var next uint64
	data, ok, err := tx.get(OptionsSequenceKey())
	if err != nil {
		return 0, err
	}
	if ok {
		if next, err = decodeUint64(data); err != nil {
			return 0, err
		}
	}
	if err := tx.putRLP(OptionsSequenceKey(), next+1); err != nil {
		return 0, err
	}
	return next, nil
}

// TreasuryGet loads the treasury singleton.
func (tx *Tx) TreasuryGet() (*options.Treasury, bool, error) {
	data, ok, err := tx.get(OptionsTreasuryKey())
	if err != nil || !ok {
		return nil, false, err
	}
	var stored storedTreasury
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, fmt.Errorf("state: decode treasury: %w", err)
	}
	return &options.Treasury{
		Authority:   stored.Authority,
		FeeVault:    options.VaultGrant{Vault: stored.FeeVault, Token: stored.FeeVaultToken},
		PriceFeedID: stored.PriceFeedID,
		Initialized: stored.Initialized,
	}, true, nil
}

// TreasuryPut stages the treasury singleton.
func (tx *Tx) TreasuryPut(t *options.Treasury) error {
	if t == nil {
		return fmt.Errorf("state: nil treasury")
	}
	return tx.putRLP(OptionsTreasuryKey(), &storedTreasury{
		Authority:     t.Authority,
		FeeVault:      t.FeeVault.Vault,
		FeeVaultToken: t.FeeVault.Token,
		PriceFeedID:   t.PriceFeedID,
		Initialized:   t.Initialized,
	})
}
