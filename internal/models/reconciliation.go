package models

import "time"

// SettledTransaction is one settled provider-side transaction inside a
// reconciliation window.
type SettledTransaction struct {
	ID            string    `json:"id"`
	Amount        float64   `json:"amount"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	ItemCount     int       `json:"item_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReconciliationReport compares the provider ledger against local
// orders for a window [From, To). It is computed on demand and never
// persisted.
type ReconciliationReport struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`

	ProviderTotal float64 `json:"provider_total"`
	ProviderCount int     `json:"provider_count"`
	LocalTotal    float64 `json:"local_total"`
	LocalCount    int     `json:"local_count"`

	// Provider transactions with no matching local order.
	Orphans []SettledTransaction `json:"orphans"`

	// Absolute difference of the two sums.
	AmountDifference float64 `json:"amount_difference"`
}

func (r *ReconciliationReport) Diverged() bool {
	return len(r.Orphans) > 0 || r.AmountDifference != 0
}
