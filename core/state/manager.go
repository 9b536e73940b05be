package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"nhboptions/native/options"
	"nhboptions/storage"
)

var (
	// ErrInsufficientFunds is returned when a transfer source cannot cover the
	// requested amount.
	ErrInsufficientFunds = errors.New("state: insufficient funds")
	// ErrVaultAuthority is returned when value leaves a vault without the grant
	// issued for it.
	ErrVaultAuthority = errors.New("state: vault authority required")
	// ErrBalanceOverflow is returned when a credit would overflow a balance.
	ErrBalanceOverflow = errors.New("state: balance overflow")
	// ErrReadOnly is returned when a view attempts to write.
	ErrReadOnly = errors.New("state: read-only view")
	// ErrTxClosed is returned when a committed or discarded transaction is reused.
	ErrTxClosed = errors.New("state: transaction closed")
)

// Manager owns the options records and the value ledger stored in a
// key-value database. Write transactions are serialized: Begin blocks until
// the previous transaction has committed or been discarded, so at most one
// mutation is in flight for any escrow or account.
type Manager struct {
	db   storage.Database
	salt [32]byte
	mu   sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithVaultSalt sets the secret mixed into vault grant tokens.
func WithVaultSalt(salt [32]byte) Option {
	return func(m *Manager) {
		m.salt = salt
	}
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database, opts ...Option) *Manager {
	m := &Manager{db: db}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Begin opens a write transaction. The caller must Commit or Discard it.
func (m *Manager) Begin() (options.StateTx, error) {
	return m.BeginTx()
}

// BeginTx is Begin with the concrete transaction type.
func (m *Manager) BeginTx() (*Tx, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state: database not configured")
	}
	m.mu.Lock()
	return newTx(m, false), nil
}

// View runs fn against a consistent read-only snapshot.
func (m *Manager) View(fn func(options.StateView) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: database not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(newTx(m, true))
}

// Balance returns the ledger balance of addr.
func (m *Manager) Balance(addr common.Address) (uint64, error) {
	var balance uint64
	err := m.View(func(view options.StateView) error {
		var err error
		balance, err = view.(*Tx).Balance(addr)
		return err
	})
	return balance, err
}

// Credit mints amount into addr. It backs development funding and tests; the
// ledger's real funding path lives outside this module.
func (m *Manager) Credit(addr common.Address, amount uint64) error {
	tx, err := m.BeginTx()
	if err != nil {
		return err
	}
	defer tx.Discard()
	if err := tx.Credit(addr, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) vaultToken(vault common.Address) [32]byte {
	return ethcrypto.Keccak256Hash(m.salt[:], vault.Bytes())
}

func (m *Manager) read(key []byte) ([]byte, bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func decodeUint64(data []byte) (uint64, error) {
	var value uint64
	if err := rlp.DecodeBytes(data, &value); err != nil {
		return 0, err
	}
	return value, nil
}
