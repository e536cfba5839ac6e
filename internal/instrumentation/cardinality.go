package instrumentation

import "strings"

// unknownDomain labels addresses without a usable domain.
const unknownDomain = "unknown"

// ExtractUserDomain reduces a mailbox address to its lower-cased domain so
// per-user series collapse into per-tenant ones. Anything that is not
// local@domain yields "unknown".
func ExtractUserDomain(email string) string {
	_, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" || strings.Contains(domain, "@") {
		return unknownDomain
	}
	return strings.ToLower(domain)
}

// Gmail operation names, used as the operation label and in span names.
const (
	OperationProfile    = "profile"
	OperationHistory    = "history"
	OperationWatch      = "watch"
	OperationStop       = "stop"
	OperationGet        = "get"
	OperationAttachment = "attachment"
	OperationSearch     = "search"
	OperationRenew      = "renew"
)
