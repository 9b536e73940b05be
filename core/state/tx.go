package state

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"nhboptions/native/options"
	"nhboptions/storage"
)

// Tx stages writes in memory and flushes them as one storage batch on Commit.
// Reads observe the transaction's own staged writes first.
type Tx struct {
	m        *Manager
	pending  map[string][]byte
	order    []string
	readOnly bool
	closed   bool
	release  sync.Once
}

func newTx(m *Manager, readOnly bool) *Tx {
	return &Tx{m: m, pending: make(map[string][]byte), readOnly: readOnly}
}

func (tx *Tx) get(key []byte) ([]byte, bool, error) {
	if data, ok := tx.pending[string(key)]; ok {
		return data, true, nil
	}
	return tx.m.read(key)
}

func (tx *Tx) put(key, value []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if tx.closed {
		return ErrTxClosed
	}
	k := string(key)
	if _, ok := tx.pending[k]; !ok {
		tx.order = append(tx.order, k)
	}
	tx.pending[k] = append([]byte(nil), value...)
	return nil
}

func (tx *Tx) putRLP(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return tx.put(key, encoded)
}

// Commit writes every staged change atomically and releases the writer lock.
func (tx *Tx) Commit() error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if tx.closed {
		return ErrTxClosed
	}
	defer tx.unlock()
	tx.closed = true
	batch := storage.NewBatch()
	for _, key := range tx.order {
		batch.Put([]byte(key), tx.pending[key])
	}
	if err := tx.m.db.Write(batch); err != nil {
		return fmt.Errorf("state: write batch: %w", err)
	}
	return nil
}

// Discard drops staged changes. It is a no-op after Commit.
func (tx *Tx) Discard() {
	if tx.readOnly {
		return
	}
	tx.closed = true
	tx.pending = nil
	tx.order = nil
	tx.unlock()
}

func (tx *Tx) unlock() {
	tx.release.Do(tx.m.mu.Unlock)
}

// Balance returns the balance of addr including staged changes.
func (tx *Tx) Balance(addr common.Address) (uint64, error) {
	data, ok, err := tx.get(LedgerBalanceKey(addr))
	if err != nil || !ok {
		return 0, err
	}
	return decodeUint64(data)
}

func (tx *Tx) setBalance(addr common.Address, amount uint64) error {
	return tx.putRLP(LedgerBalanceKey(addr), amount)
}

// Credit adds amount to addr.
func (tx *Tx) Credit(addr common.Address, amount uint64) error {
	balance, err := tx.Balance(addr)
	if err != nil {
		return err
	}
	if balance+amount < balance {
		return ErrBalanceOverflow
	}
	return tx.setBalance(addr, balance+amount)
}

func (tx *Tx) isVault(addr common.Address) (bool, error) {
	_, ok, err := tx.get(LedgerVaultKey(addr))
	return ok, err
}

// GrantVault returns the vault for (scope, key), registering it on first use.
func (tx *Tx) GrantVault(scope string, key [32]byte) (options.VaultGrant, error) {
	vault := VaultAddress(scope, key)
	registered, err := tx.isVault(vault)
	if err != nil {
		return options.VaultGrant{}, err
	}
	if !registered {
		if err := tx.put(LedgerVaultKey(vault), []byte(scope)); err != nil {
			return options.VaultGrant{}, err
		}
	}
	return options.VaultGrant{Vault: vault, Token: tx.m.vaultToken(vault)}, nil
}

// Transfer moves amount from one ledger account to another. Value leaving a
// vault requires the grant issued for that vault. Zero-amount transfers are
// no-ops.
func (tx *Tx) Transfer(from, to common.Address, amount uint64, grant *options.VaultGrant) error {
	vault, err := tx.isVault(from)
	if err != nil {
		return err
	}
	if vault {
		if grant == nil || grant.Vault != from || grant.Token != tx.m.vaultToken(from) {
			return ErrVaultAuthority
		}
	}
	if amount == 0 || from == to {
		return nil
	}
	fromBalance, err := tx.Balance(from)
	if err != nil {
		return err
	}
	if fromBalance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, fromBalance, amount)
	}
	toBalance, err := tx.Balance(to)
	if err != nil {
		return err
	}
	if toBalance+amount < toBalance {
		return ErrBalanceOverflow
	}
	if err := tx.setBalance(from, fromBalance-amount); err != nil {
		return err
	}
	return tx.setBalance(to, toBalance+amount)
}
