// Package source holds the accounting-system collections the agents read
// and write back to: invoices, bills, bank accounts and bank transactions.
// Production deployments back these with the accounting API; Memory is the
// in-process implementation used by the CLI and tests.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/davidahmann/finagent/pkg/types"
)

var ErrNotFound = errors.New("source: not found")

// Window is an inclusive date range. A zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window, comparing calendar days.
func (w Window) Contains(t time.Time) bool {
	d := day(t)
	if !w.From.IsZero() && d.Before(day(w.From)) {
		return false
	}
	if !w.To.IsZero() && d.After(day(w.To)) {
		return false
	}
	return true
}

// Around returns the window of ±days calendar days around t.
func Around(t time.Time, days int) Window {
	return Window{From: t.AddDate(0, 0, -days), To: t.AddDate(0, 0, days)}
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type Invoices interface {
	OpenInvoices(ctx context.Context, w Window) ([]types.Invoice, error)
	OverdueInvoices(ctx context.Context, asOf time.Time) ([]types.Invoice, error)
}

type Bills interface {
	OpenBills(ctx context.Context, w Window) ([]types.Bill, error)
	GetBill(ctx context.Context, id string) (types.Bill, error)
	PutBill(ctx context.Context, b types.Bill) error
}

type BankAccounts interface {
	ListBankAccounts(ctx context.Context) ([]types.BankAccount, error)
}

// TransactionFilter selects bank transactions. Zero fields match everything.
type TransactionFilter struct {
	Window  Window
	Status  string
	Account string
}

type BankTransactions interface {
	GetTransaction(ctx context.Context, id string) (types.BankTransaction, error)
	PutTransaction(ctx context.Context, tx types.BankTransaction) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]types.BankTransaction, error)
}

// Sources bundles every collection for wiring.
type Sources interface {
	Invoices
	Bills
	BankAccounts
	BankTransactions
}
