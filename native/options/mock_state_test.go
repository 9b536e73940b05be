package options

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var errMockInsufficient = errors.New("mock: insufficient funds")

type mockSnapshot struct {
	treasury *Treasury
	escrows  map[[32]byte]*Escrow
	balances map[common.Address]uint64
	vaults   map[common.Address]VaultGrant
	seq      uint64
}

func (s *mockSnapshot) clone() *mockSnapshot {
	out := &mockSnapshot{
		treasury: s.treasury.Clone(),
		escrows:  make(map[[32]byte]*Escrow, len(s.escrows)),
		balances: make(map[common.Address]uint64, len(s.balances)),
		vaults:   make(map[common.Address]VaultGrant, len(s.vaults)),
		seq:      s.seq,
	}
	for id, esc := range s.escrows {
		out.escrows[id] = esc.Clone()
	}
	for addr, bal := range s.balances {
		out.balances[addr] = bal
	}
	for addr, grant := range s.vaults {
		out.vaults[addr] = grant
	}
	return out
}

// mockStore keeps committed state in memory; each transaction works on a copy
// that replaces the committed state on Commit.
type mockStore struct {
	committed *mockSnapshot
	commits   int
	commitErr error
}

func newMockStore() *mockStore {
	return &mockStore{committed: &mockSnapshot{
		escrows:  make(map[[32]byte]*Escrow),
		balances: make(map[common.Address]uint64),
		vaults:   make(map[common.Address]VaultGrant),
	}}
}

func (s *mockStore) Begin() (StateTx, error) {
	return &mockTx{store: s, snap: s.committed.clone()}, nil
}

func (s *mockStore) View(fn func(StateView) error) error {
	return fn(&mockTx{store: s, snap: s.committed.clone(), closed: true})
}

func (s *mockStore) balance(addr common.Address) uint64 { return s.committed.balances[addr] }

func (s *mockStore) credit(addr common.Address, amount uint64) {
	s.committed.balances[addr] += amount
}

func (s *mockStore) escrow(id [32]byte) *Escrow {
	esc, ok := s.committed.escrows[id]
	if !ok {
		return nil
	}
	return esc.Clone()
}

type mockTx struct {
	store  *mockStore
	snap   *mockSnapshot
	closed bool
}

func (tx *mockTx) TreasuryGet() (*Treasury, bool, error) {
	if tx.snap.treasury == nil {
		return nil, false, nil
	}
	return tx.snap.treasury.Clone(), true, nil
}

func (tx *mockTx) TreasuryPut(t *Treasury) error {
	tx.snap.treasury = t.Clone()
	return nil
}

func (tx *mockTx) EscrowGet(id [32]byte) (*Escrow, bool, error) {
	esc, ok := tx.snap.escrows[id]
	if !ok {
		return nil, false, nil
	}
	return esc.Clone(), true, nil
}

func (tx *mockTx) EscrowPut(e *Escrow) error {
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return err
	}
	tx.snap.escrows[sanitized.ID] = sanitized
	return nil
}

func (tx *mockTx) NextEscrowNonce() (uint64, error) {
	next := tx.snap.seq
	tx.snap.seq++
	return next, nil
}

func (tx *mockTx) GrantVault(scope string, key [32]byte) (VaultGrant, error) {
	vault := common.BytesToAddress(ethcrypto.Keccak256([]byte(scope), key[:]))
	grant := VaultGrant{Vault: vault, Token: ethcrypto.Keccak256Hash([]byte("mock"), vault.Bytes())}
	tx.snap.vaults[vault] = grant
	return grant, nil
}

func (tx *mockTx) Transfer(from, to common.Address, amount uint64, grant *VaultGrant) error {
	if expected, ok := tx.snap.vaults[from]; ok {
		if grant == nil || *grant != expected {
			return fmt.Errorf("mock: vault %s requires grant", from.Hex())
		}
	}
	if tx.snap.balances[from] < amount {
		return errMockInsufficient
	}
	tx.snap.balances[from] -= amount
	tx.snap.balances[to] += amount
	return nil
}

func (tx *mockTx) Commit() error {
	if tx.closed {
		return fmt.Errorf("mock: transaction closed")
	}
	tx.closed = true
	if tx.store.commitErr != nil {
		return tx.store.commitErr
	}
	tx.store.committed = tx.snap
	tx.store.commits++
	return nil
}

func (tx *mockTx) Discard() { tx.closed = true }

type fakeOracle struct {
	sample  PriceSample
	present bool
	calls   int
}

func (o *fakeOracle) PriceNoOlderThan(now int64, maxAge uint64) (PriceSample, bool) {
	o.calls++
	if !o.present || o.sample.Age(now) > maxAge {
		return PriceSample{}, false
	}
	return o.sample, true
}

func (o *fakeOracle) set(price int64, expo int32, publishTime int64) {
	o.sample = PriceSample{FeedID: testFeedID, Price: price, Expo: expo, PublishTime: publishTime}
	o.present = true
}

var testFeedID = ethcrypto.Keccak256Hash([]byte("feed:BTC/USD"))

func newTestAddress(fill byte) common.Address {
	return common.BytesToAddress(bytes.Repeat([]byte{fill}, 20))
}
