// Package common provides shared utilities and default configuration.
package common

// DefaultKVValue represents a default key/value pair that is seeded on startup.
type DefaultKVValue struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

// GetDefaultKVValues returns the list of default KV values seeded on startup.
// This is the single source of truth for default values.
func GetDefaultKVValues() []DefaultKVValue {
	return []DefaultKVValue{
		{
			Key:         "xero_default_account_code",
			Value:       "429",
			Description: "Xero account code used when a workflow has no explicit mapping",
		},
		{
			Key:         "xero_default_tax_type",
			Value:       "GST on Expenses",
			Description: "Xero tax type applied to exported expense lines",
		},
	}
}
