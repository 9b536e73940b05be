package state

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	optionsTreasuryKeyBytes = []byte("options/treasury")
	optionsSequenceKeyBytes = []byte("options/seq")
	optionsEscrowPrefix     = "options/escrow/"
	ledgerBalancePrefix     = "ledger/balance/"
	ledgerVaultPrefix       = "ledger/vault/"
)

// OptionsTreasuryKey is the key of the treasury singleton.
func OptionsTreasuryKey() []byte { return append([]byte(nil), optionsTreasuryKeyBytes...) }

// OptionsSequenceKey stores the next escrow nonce.
func OptionsSequenceKey() []byte { return append([]byte(nil), optionsSequenceKeyBytes...) }

// OptionsEscrowKey namespaces escrow records by hex identifier.
func OptionsEscrowKey(id [32]byte) []byte {
	return []byte(optionsEscrowPrefix + hex.EncodeToString(id[:]))
}

// LedgerBalanceKey namespaces account and vault balances.
func LedgerBalanceKey(addr common.Address) []byte {
	return []byte(ledgerBalancePrefix + strings.ToLower(hex.EncodeToString(addr.Bytes())))
}

// LedgerVaultKey marks an address as a ledger-owned vault.
func LedgerVaultKey(addr common.Address) []byte {
	return []byte(ledgerVaultPrefix + strings.ToLower(hex.EncodeToString(addr.Bytes())))
}
