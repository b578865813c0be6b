// Package memory provides an in-process implementation of the ledger, tool
// catalog and settings stores. Ledger transactions are serialised per account
// and staged until the transaction function returns successfully.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidbz/creditgate/internal/domain"
)

// Store keeps every collection in memory.
type Store struct {
	mu        sync.RWMutex
	accounts  map[string]domain.Account
	entries   map[string]domain.LedgerEntry
	byAccount map[string][]string
	idem      map[string]string
	refunds   map[string]string
	locks     map[string]*sync.Mutex

	tools map[string]domain.ToolCost

	rate  *domain.ExchangeRate
	units []domain.CreditUnitValue
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		mu:        sync.RWMutex{},
		accounts:  make(map[string]domain.Account),
		entries:   make(map[string]domain.LedgerEntry),
		byAccount: make(map[string][]string),
		idem:      make(map[string]string),
		refunds:   make(map[string]string),
		locks:     make(map[string]*sync.Mutex),
		tools:     make(map[string]domain.ToolCost),
	}
}

// CreateAccount inserts a new account and its opening entries.
func (s *Store) CreateAccount(_ context.Context, account domain.Account, opening ...domain.LedgerEntry) error {
	if err := domain.ValidateOpening(account, opening); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrAccountExists, account.ID)
	}

	s.accounts[account.ID] = account
	s.locks[account.ID] = &sync.Mutex{}
	for _, entry := range opening {
		s.entries[entry.ID] = entry
		s.byAccount[account.ID] = append(s.byAccount[account.ID], entry.ID)
		if entry.IdempotencyKey != "" {
			s.idem[idemKey(account.ID, entry.IdempotencyKey)] = entry.ID
		}
	}
	return nil
}

// GetAccount retrieves an account.
func (s *Store) GetAccount(_ context.Context, accountID string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, exists := s.accounts[accountID]
	if !exists {
		return domain.Account{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, accountID)
	}
	return account, nil
}

// GetEntry retrieves a ledger entry.
func (s *Store) GetEntry(_ context.Context, entryID string) (domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[entryID]
	if !exists {
		return domain.LedgerEntry{}, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, entryID)
	}
	return entry, nil
}

// ListEntries returns up to limit entries of an account, newest first.
// A non-positive limit returns every entry.
func (s *Store) ListEntries(_ context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byAccount[accountID]
	n := len(ids)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]domain.LedgerEntry, 0, n)
	for i := len(ids) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.entries[ids[i]])
	}
	return out, nil
}

// WithAccount runs fn while holding the account's lock. Posts are applied
// only if fn returns nil.
func (s *Store) WithAccount(ctx context.Context, accountID string, fn func(tx domain.LedgerTx) error) error {
	s.mu.RLock()
	lock, exists := s.locks[accountID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, accountID)
	}

	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}

	tx := &ledgerTx{store: s, account: account}
	if err := fn(tx); err != nil {
		return err
	}

	s.commit(tx)
	return nil
}

func (s *Store) commit(tx *ledgerTx) {
	if len(tx.staged) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range tx.staged {
		s.entries[entry.ID] = entry
		s.byAccount[entry.AccountID] = append(s.byAccount[entry.AccountID], entry.ID)
		if entry.IdempotencyKey != "" {
			s.idem[idemKey(entry.AccountID, entry.IdempotencyKey)] = entry.ID
		}
		if entry.RefundOf != "" {
			s.refunds[entry.RefundOf] = entry.ID
		}
	}

	account := tx.account
	account.Version++
	s.accounts[account.ID] = account
}

type ledgerTx struct {
	store   *Store
	account domain.Account
	staged  []domain.LedgerEntry
}

func (t *ledgerTx) Account() domain.Account {
	return t.account
}

func (t *ledgerTx) EntryByIdempotencyKey(_ context.Context, key string) (*domain.LedgerEntry, error) {
	for i := range t.staged {
		if t.staged[i].IdempotencyKey == key {
			entry := t.staged[i]
			return &entry, nil
		}
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	id, exists := t.store.idem[idemKey(t.account.ID, key)]
	if !exists {
		return nil, nil
	}
	entry := t.store.entries[id]
	return &entry, nil
}

func (t *ledgerTx) Entry(_ context.Context, entryID string) (domain.LedgerEntry, error) {
	for _, entry := range t.staged {
		if entry.ID == entryID {
			return entry, nil
		}
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	entry, exists := t.store.entries[entryID]
	if !exists || entry.AccountID != t.account.ID {
		return domain.LedgerEntry{}, fmt.Errorf("%w: %s", domain.ErrEntryNotFound, entryID)
	}
	return entry, nil
}

func (t *ledgerTx) RefundOf(_ context.Context, entryID string) (*domain.LedgerEntry, error) {
	for i := range t.staged {
		if t.staged[i].RefundOf == entryID {
			entry := t.staged[i]
			return &entry, nil
		}
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	id, exists := t.store.refunds[entryID]
	if !exists {
		return nil, nil
	}
	entry := t.store.entries[id]
	return &entry, nil
}

func (t *ledgerTx) Post(newBalance decimal.Decimal, entry domain.LedgerEntry) error {
	if entry.ID == "" || entry.AccountID != t.account.ID {
		return fmt.Errorf("%w: entry does not belong to account %s", domain.ErrValidation, t.account.ID)
	}
	if newBalance.IsNegative() {
		return fmt.Errorf("%w: balance would become negative", domain.ErrInsufficientFunds)
	}
	if !t.account.Balance.Add(entry.Amount).Equal(newBalance) {
		return fmt.Errorf("%w: balance %s does not match entry amount %s", domain.ErrValidation, newBalance, entry.Amount)
	}

	t.staged = append(t.staged, entry)
	t.account.Balance = newBalance
	t.account.UpdatedAt = time.Now()
	return nil
}

// GetTool retrieves a tool.
func (s *Store) GetTool(_ context.Context, toolID string) (domain.ToolCost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tool, exists := s.tools[toolID]
	if !exists {
		return domain.ToolCost{}, fmt.Errorf("%w: %s", domain.ErrToolNotFound, toolID)
	}
	return copyTool(tool), nil
}

// ListTools returns every tool ordered by id.
func (s *Store) ListTools(_ context.Context) ([]domain.ToolCost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]domain.ToolCost, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, copyTool(tool))
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ToolID < tools[j].ToolID })
	return tools, nil
}

// PutTool upserts a tool.
func (s *Store) PutTool(_ context.Context, tool domain.ToolCost) error {
	if tool.ToolID == "" {
		return fmt.Errorf("%w: tool id cannot be empty", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools[tool.ToolID] = copyTool(tool)
	return nil
}

// LoadExchangeRate returns the stored rate, or nil when none was saved.
func (s *Store) LoadExchangeRate(_ context.Context) (*domain.ExchangeRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.rate == nil {
		return nil, nil
	}
	rate := *s.rate
	return &rate, nil
}

// SaveExchangeRate replaces the stored rate.
func (s *Store) SaveExchangeRate(_ context.Context, rate domain.ExchangeRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rate = &rate
	return nil
}

// CreditUnitHistory returns every stored credit unit version, oldest first.
func (s *Store) CreditUnitHistory(_ context.Context) ([]domain.CreditUnitValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CreditUnitValue, len(s.units))
	copy(out, s.units)
	return out, nil
}

// AppendCreditUnit stores a new credit unit version.
func (s *Store) AppendCreditUnit(_ context.Context, value domain.CreditUnitValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.units); n > 0 && s.units[n-1].Version >= value.Version {
		return fmt.Errorf("%w: credit unit version %d is not newer than %d",
			domain.ErrTransactionConflict, value.Version, s.units[n-1].Version)
	}
	s.units = append(s.units, value)
	return nil
}

func copyTool(tool domain.ToolCost) domain.ToolCost {
	if tool.LastAutoAdjustment != nil {
		adj := *tool.LastAutoAdjustment
		tool.LastAutoAdjustment = &adj
	}
	return tool
}

func idemKey(accountID, key string) string {
	return accountID + "\x00" + key
}
