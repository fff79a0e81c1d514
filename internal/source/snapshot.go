package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/davidahmann/finagent/pkg/types"
)

// Snapshot is an exported copy of the accounting system's documents, used to
// seed a Memory source for offline runs.
type Snapshot struct {
	Invoices     []types.Invoice         `json:"invoices"`
	Bills        []types.Bill            `json:"bills"`
	BankAccounts []types.BankAccount     `json:"bank_accounts"`
	Transactions []types.BankTransaction `json:"transactions"`
}

// LoadSnapshot decodes a JSON snapshot into a new Memory source.
func LoadSnapshot(r io.Reader) (*Memory, error) {
	var snap Snapshot
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	m := NewMemory()
	ctx := context.Background()
	for _, inv := range snap.Invoices {
		m.AddInvoice(inv)
	}
	for _, acct := range snap.BankAccounts {
		m.AddBankAccount(acct)
	}
	for _, b := range snap.Bills {
		if err := m.PutBill(ctx, b); err != nil {
			return nil, err
		}
	}
	for _, tx := range snap.Transactions {
		if err := m.PutTransaction(ctx, tx); err != nil {
			return nil, err
		}
	}
	return m, nil
}
