package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davidahmann/finagent/pkg/types"
)

// Memory implements Sources with mutex-guarded maps.
type Memory struct {
	mu           sync.Mutex
	invoices     map[string]types.Invoice
	bills        map[string]types.Bill
	accounts     map[string]types.BankAccount
	transactions map[string]types.BankTransaction
}

func NewMemory() *Memory {
	return &Memory{
		invoices:     make(map[string]types.Invoice),
		bills:        make(map[string]types.Bill),
		accounts:     make(map[string]types.BankAccount),
		transactions: make(map[string]types.BankTransaction),
	}
}

func (m *Memory) AddInvoice(inv types.Invoice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.ID] = inv
}

func (m *Memory) AddBankAccount(acct types.BankAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.ID] = acct
}

func isOpen(status string) bool {
	return status == "" || status == types.DocStatusOpen
}

func (m *Memory) OpenInvoices(_ context.Context, w Window) ([]types.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []types.Invoice{}
	for _, inv := range m.invoices {
		if isOpen(inv.Status) && w.Contains(inv.Date) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) OverdueInvoices(_ context.Context, asOf time.Time) ([]types.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []types.Invoice{}
	for _, inv := range m.invoices {
		if isOpen(inv.Status) && !inv.DueDate.IsZero() && day(inv.DueDate).Before(day(asOf)) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (m *Memory) OpenBills(_ context.Context, w Window) ([]types.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []types.Bill{}
	for _, b := range m.bills {
		if isOpen(b.Status) && w.Contains(b.Date) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetBill(_ context.Context, id string) (types.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bills[id]
	if !ok {
		return types.Bill{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) PutBill(_ context.Context, b types.Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bills[b.ID] = b
	return nil
}

func (m *Memory) ListBankAccounts(_ context.Context) ([]types.BankAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.BankAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetTransaction(_ context.Context, id string) (types.BankTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return types.BankTransaction{}, ErrNotFound
	}
	return tx, nil
}

func (m *Memory) PutTransaction(_ context.Context, tx types.BankTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[tx.ID] = tx
	return nil
}

func (m *Memory) ListTransactions(_ context.Context, filter TransactionFilter) ([]types.BankTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []types.BankTransaction{}
	for _, tx := range m.transactions {
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if filter.Account != "" && tx.BankAccount != filter.Account {
			continue
		}
		if !filter.Window.Contains(tx.Date) {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

var _ Sources = (*Memory)(nil)
