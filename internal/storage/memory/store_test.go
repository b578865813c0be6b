package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/creditgate/internal/domain"
	"github.com/davidbz/creditgate/internal/storage/memory"
)

func newAccount(t *testing.T, store *memory.Store, id string, balance int64) {
	t.Helper()
	err := store.CreateAccount(context.Background(), domain.Account{
		ID:      id,
		Balance: decimal.NewFromInt(balance),
	})
	require.NoError(t, err)
}

func entry(id, accountID string, amount int64, balanceAfter int64) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:           id,
		AccountID:    accountID,
		Amount:       decimal.NewFromInt(amount),
		Type:         domain.EntryUsage,
		BalanceAfter: decimal.NewFromInt(balanceAfter),
		CreatedAt:    time.Now(),
	}
}

func TestStore_CreateAccount(t *testing.T) {
	t.Run("should reject duplicate account", func(t *testing.T) {
		store := memory.NewStore()
		newAccount(t, store, "acc-1", 10)

		err := store.CreateAccount(context.Background(), domain.Account{ID: "acc-1"})
		require.ErrorIs(t, err, domain.ErrAccountExists)
	})

	t.Run("should return not found for unknown account", func(t *testing.T) {
		store := memory.NewStore()

		_, err := store.GetAccount(context.Background(), "missing")
		require.ErrorIs(t, err, domain.ErrAccountNotFound)
	})

	t.Run("should write opening entries with the account", func(t *testing.T) {
		ctx := context.Background()
		store := memory.NewStore()
		opening := entry("open-1", "acc-1", 25, 25)
		opening.Type = domain.EntryPurchase
		opening.IdempotencyKey = "opening:acc-1"

		err := store.CreateAccount(ctx, domain.Account{ID: "acc-1", Balance: decimal.NewFromInt(25)}, opening)
		require.NoError(t, err)

		entries, err := store.ListEntries(ctx, "acc-1", 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		err = store.WithAccount(ctx, "acc-1", func(tx domain.LedgerTx) error {
			found, lookupErr := tx.EntryByIdempotencyKey(ctx, "opening:acc-1")
			require.NoError(t, lookupErr)
			require.NotNil(t, found)
			require.Equal(t, "open-1", found.ID)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("should create nothing when opening entries do not match the balance", func(t *testing.T) {
		ctx := context.Background()
		store := memory.NewStore()

		err := store.CreateAccount(ctx, domain.Account{ID: "acc-1", Balance: decimal.NewFromInt(25)}, entry("open-1", "acc-1", 10, 10))
		require.ErrorIs(t, err, domain.ErrValidation)

		_, err = store.GetAccount(ctx, "acc-1")
		require.ErrorIs(t, err, domain.ErrAccountNotFound)
	})
}

func TestStore_WithAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("should commit balance and entry together", func(t *testing.T) {
		store := memory.NewStore()
		newAccount(t, store, "acc-1", 10)

		err := store.WithAccount(ctx, "acc-1", func(tx domain.LedgerTx) error {
			return tx.Post(decimal.NewFromInt(7), entry("e-1", "acc-1", -3, 7))
		})
		require.NoError(t, err)

		account, err := store.GetAccount(ctx, "acc-1")
		require.NoError(t, err)
		require.True(t, account.Balance.Equal(decimal.NewFromInt(7)))
		require.Equal(t, int64(1), account.Version)

		stored, err := store.GetEntry(ctx, "e-1")
		require.NoError(t, err)
		require.True(t, stored.Amount.Equal(decimal.NewFromInt(-3)))
	})

	t.Run("should discard staged posts when fn fails", func(t *testing.T) {
		store := memory.NewStore()
		newAccount(t, store, "acc-1", 10)
		boom := errors.New("boom")

		err := store.WithAccount(ctx, "acc-1", func(tx domain.LedgerTx) error {
			require.NoError(t, tx.Post(decimal.NewFromInt(7), entry("e-1", "acc-1", -3, 7)))
			return boom
		})
		require.ErrorIs(t, err, boom)

		account, err := store.GetAccount(ctx, "acc-1")
		require.NoError(t, err)
		require.True(t, account.Balance.Equal(decimal.NewFromInt(10)))

		_, err = store.GetEntry(ctx, "e-1")
		require.ErrorIs(t, err, domain.ErrEntryNotFound)
	})

	t.Run("should reject a balance that does not match the entry", func(t *testing.T) {
		store := memory.NewStore()
		newAccount(t, store, "acc-1", 10)

		err := store.WithAccount(ctx, "acc-1", func(tx domain.LedgerTx) error {
			return tx.Post(decimal.NewFromInt(8), entry("e-1", "acc-1", -3, 8))
		})
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("should reject a negative balance", func(t *testing.T) {
		store := memory.NewStore()
		newAccount(t, store, "acc-1", 2)

		err := store.WithAccount(ctx, "acc-1", func(tx domain.LedgerTx) error {
			return tx.Post(decimal.NewFromInt(-1), entry("e-1", "acc-1", -3, -1))
		})
		require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	})

	t.Run("should find entries by idempotency key and refund reference", func(t *testing.T) {
		store := memory.NewStore()
		newAccount(t, store, "acc-1", 10)

		charge := entry("e-1", "acc-1", -3, 7)
		charge.IdempotencyKey = "req-1"
		require.NoError(t, store.WithAccount(ctx, "acc-1", func(tx domain.LedgerTx) error {
			return tx.Post(decimal.NewFromInt(7), charge)
		}))

		refund := entry("e-2", "acc-1", 3, 10)
		refund.Type = domain.EntryRefund
		refund.RefundOf = "e-1"
		require.NoError(t, store.WithAccount(ctx, "acc-1", func(tx domain.LedgerTx) error {
			return tx.Post(decimal.NewFromInt(10), refund)
		}))

		err := store.WithAccount(ctx, "acc-1", func(tx domain.LedgerTx) error {
			byKey, err := tx.EntryByIdempotencyKey(ctx, "req-1")
			require.NoError(t, err)
			require.NotNil(t, byKey)
			require.Equal(t, "e-1", byKey.ID)

			missing, err := tx.EntryByIdempotencyKey(ctx, "req-2")
			require.NoError(t, err)
			require.Nil(t, missing)

			refunded, err := tx.RefundOf(ctx, "e-1")
			require.NoError(t, err)
			require.NotNil(t, refunded)
			require.Equal(t, "e-2", refunded.ID)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("should list entries newest first", func(t *testing.T) {
		store := memory.NewStore()
		newAccount(t, store, "acc-1", 10)

		for i, id := range []string{"e-1", "e-2", "e-3"} {
			balance := int64(10 - (i + 1))
			require.NoError(t, store.WithAccount(ctx, "acc-1", func(tx domain.LedgerTx) error {
				return tx.Post(decimal.NewFromInt(balance), entry(id, "acc-1", -1, balance))
			}))
		}

		entries, err := store.ListEntries(ctx, "acc-1", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		require.Equal(t, "e-3", entries[0].ID)
		require.Equal(t, "e-2", entries[1].ID)
	})

	t.Run("should return not found for unknown account", func(t *testing.T) {
		store := memory.NewStore()

		err := store.WithAccount(ctx, "missing", func(domain.LedgerTx) error { return nil })
		require.ErrorIs(t, err, domain.ErrAccountNotFound)
	})
}

func TestStore_Tools(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	tool := domain.ToolCost{
		ToolID:  "chat",
		CostUSD: decimal.RequireFromString("0.01"),
		LastAutoAdjustment: &domain.AutoAdjustment{
			OldPrice: decimal.NewFromInt(1),
			NewPrice: decimal.NewFromInt(2),
		},
	}
	require.NoError(t, store.PutTool(ctx, tool))

	got, err := store.GetTool(ctx, "chat")
	require.NoError(t, err)
	got.LastAutoAdjustment.OldPrice = decimal.NewFromInt(99)

	again, err := store.GetTool(ctx, "chat")
	require.NoError(t, err)
	require.True(t, again.LastAutoAdjustment.OldPrice.Equal(decimal.NewFromInt(1)))

	_, err = store.GetTool(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrToolNotFound)

	require.ErrorIs(t, store.PutTool(ctx, domain.ToolCost{}), domain.ErrValidation)
}

func TestStore_Settings(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	rate, err := store.LoadExchangeRate(ctx)
	require.NoError(t, err)
	require.Nil(t, rate)

	require.NoError(t, store.SaveExchangeRate(ctx, domain.ExchangeRate{Rate: decimal.RequireFromString("5.5")}))
	rate, err = store.LoadExchangeRate(ctx)
	require.NoError(t, err)
	require.True(t, rate.Rate.Equal(decimal.RequireFromString("5.5")))

	require.NoError(t, store.AppendCreditUnit(ctx, domain.CreditUnitValue{Value: decimal.NewFromInt(1), Version: 1}))
	err = store.AppendCreditUnit(ctx, domain.CreditUnitValue{Value: decimal.NewFromInt(2), Version: 1})
	require.ErrorIs(t, err, domain.ErrTransactionConflict)

	history, err := store.CreditUnitHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
}
