package model

import "strings"

// reservedTenantIDs are placeholder identities that must never scope tenant
// data. Comparison is case-insensitive.
var reservedTenantIDs = map[string]bool{
	"anonymous": true,
	"demo":      true,
}

// ValidateTenantID returns the normalized tenant id, or an INVALID_TENANT
// error when id is empty or one of the reserved placeholder identities.
func ValidateTenantID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", NewInvalidTenantError("tenant id is required")
	}
	if reservedTenantIDs[strings.ToLower(id)] {
		return "", NewInvalidTenantError("anonymous and demo identities are not accepted")
	}
	return id, nil
}
