package models

// QuotaResult reports the outcome of a ledger charge or refund. Charged is
// false when a consume found the quota already at zero; Remaining is the
// quota after the operation completed.
type QuotaResult struct {
	Charged   bool `json:"charged"`
	Remaining int  `json:"remaining"`
}
