package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BankTransaction as delivered by the accounting system. Amount is signed;
// matching compares absolute values.
type BankTransaction struct {
	ID          string          `json:"id"`
	BankAccount string          `json:"bank_account"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Reference   string          `json:"reference,omitempty"`
	Contact     string          `json:"contact,omitempty"`
	Type        string          `json:"type,omitempty"`
	Status      string          `json:"status,omitempty"`
	MatchedID   string          `json:"matched_id,omitempty"`
	MatchType   string          `json:"match_type,omitempty"`
	Confidence  float64         `json:"confidence,omitempty"`
}

const (
	TxnStatusUnreconciled = "unreconciled"
	TxnStatusMatched      = "matched"
	TxnStatusProcessed    = "processed"
	TxnTypeTransfer       = "transfer"
)

// Invoice is an open receivable.
type Invoice struct {
	ID          string          `json:"id"`
	Number      string          `json:"number,omitempty"`
	Contact     string          `json:"contact,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	Description string          `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	DueDate     time.Time       `json:"due_date"`
	Status      string          `json:"status,omitempty"`
}

const (
	DocStatusOpen = "open"
	DocStatusPaid = "paid"
)

const (
	BillSourceBill     = "bill"
	BillSourceEInvoice = "einvoice"
)

// Bill is a payable, from a supplier bill, an emailed receipt or an e-invoice.
type Bill struct {
	ID          string            `json:"id"`
	Number      string            `json:"number,omitempty"`
	Supplier    string            `json:"supplier"`
	Reference   string            `json:"reference,omitempty"`
	Description string            `json:"description,omitempty"`
	Amount      decimal.Decimal   `json:"amount"`
	Date        time.Time         `json:"date"`
	DueDate     time.Time         `json:"due_date"`
	Status      string            `json:"status,omitempty"`
	Source      string            `json:"source,omitempty"`
	Account     string            `json:"account,omitempty"`
	TaxCode     string            `json:"tax_code,omitempty"`
	Tracking    map[string]string `json:"tracking,omitempty"`
	Posted      bool              `json:"posted"`
}

// BankAccount carries the current balance and the expected movements over the
// forecast window.
type BankAccount struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Balance         decimal.Decimal `json:"balance"`
	ExpectedInflow  decimal.Decimal `json:"expected_inflow"`
	ExpectedOutflow decimal.Decimal `json:"expected_outflow"`
}

// BankTransfer records an internal allocation between sub-accounts.
type BankTransfer struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	TransferType  string          `json:"transfer_type"`
	SourceAccount string          `json:"source_account"`
	TargetAccount string          `json:"target_account"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Suggestion is a ranked candidate match for a bank transaction.
type Suggestion struct {
	DocumentID   string          `json:"document_id"`
	DocumentType string          `json:"document_type"`
	Contact      string          `json:"contact,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	MatchType    string          `json:"match_type"`
	Confidence   float64         `json:"confidence"`
	Score        float64         `json:"score"`
}

// RDTIActivity links a transaction to an R&D category. It never changes the ledger.
type RDTIActivity struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Category      string          `json:"category"`
	Description   string          `json:"description,omitempty"`
	Supplier      string          `json:"supplier,omitempty"`
	Expenditure   decimal.Decimal `json:"expenditure"`
	Benefit       decimal.Decimal `json:"benefit"`
	Confidence    float64         `json:"confidence"`
	Evidence      string          `json:"evidence"`
	Quarter       string          `json:"quarter"`
	CreatedAt     time.Time       `json:"created_at"`
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank orders risk levels so the maximum can be taken.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

type Financials struct {
	Revenue  decimal.Decimal `json:"revenue"`
	Expenses decimal.Decimal `json:"expenses"`
	Profit   decimal.Decimal `json:"profit"`
	Margin   float64         `json:"margin"`
}

// BoardPack is the monthly aggregate report.
type BoardPack struct {
	ID              string                  `json:"id"`
	Period          string                  `json:"period"`
	Financials      Financials              `json:"financials"`
	HealthScore     int                     `json:"health_score"`
	Risks           map[string]RiskLevel    `json:"risks"`
	OverallRisk     RiskLevel               `json:"overall_risk"`
	Recommendations []string                `json:"recommendations"`
	GSTVariance     *decimal.Decimal        `json:"gst_variance,omitempty"`
	AgentMetrics    map[string]AgentMetrics `json:"agent_metrics,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
}
