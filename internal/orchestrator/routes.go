package orchestrator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/davidahmann/finagent/internal/agent/bankrec"
	"github.com/davidahmann/finagent/internal/agent/rdti"
	"github.com/davidahmann/finagent/internal/agent/receipts"
)

var ErrUnroutableEvent = errors.New("orchestrator: unroutable event")

// Supported event types.
const (
	EventBankTransactionCreated = "xero:bank_transaction_created"
	EventBankTransactionUpdated = "xero:bank_transaction_updated"
	EventBillCreated            = "xero:bill_created"
	EventReceiptReceived        = "gmail:receipt_received"
	EventEInvoiceReceived       = "einvoice:received"
	EventRDTICandidate          = "xero:rdti_candidate"
)

// Route names the agent and handler method an event type is dispatched to.
type Route struct {
	Agent  string
	Method string
}

var routes = map[string]Route{
	EventBankTransactionCreated: {bankrec.Name, bankrec.MethodTransactionCreated},
	EventBankTransactionUpdated: {bankrec.Name, bankrec.MethodTransactionUpdated},
	EventBillCreated:            {receipts.Name, receipts.MethodBillReceived},
	EventReceiptReceived:        {receipts.Name, receipts.MethodBillReceived},
	EventEInvoiceReceived:       {receipts.Name, receipts.MethodEInvoiceReceived},
	EventRDTICandidate:          {rdti.Name, rdti.MethodAssess},
}

// RouteFor returns the route for eventType or ErrUnroutableEvent.
func RouteFor(eventType string) (Route, error) {
	r, ok := routes[eventType]
	if !ok {
		return Route{}, fmt.Errorf("%w: %q", ErrUnroutableEvent, eventType)
	}
	return r, nil
}

// EventTypes lists every routable event type, sorted.
func EventTypes() []string {
	out := make([]string, 0, len(routes))
	for t := range routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
