// Package errors classifies failures so the CLI and remote callers can map
// them to exit codes, stable error codes and retry decisions without parsing
// messages.
package errors

import "errors"

// Category groups failures by how an operator should react to them.
type Category string

const (
	CategoryInvalidInput       Category = "invalid_input"
	CategoryConfiguration      Category = "configuration_error"
	CategoryPolicyBlocked      Category = "policy_blocked"
	CategoryApprovalRequired   Category = "approval_required"
	CategoryPersistenceFailure Category = "persistence_failure"
	CategoryVerification       Category = "verification_failed"
	CategoryNetworkTransient   Category = "network_transient"
	CategoryInternalFailure    Category = "internal_failure"
)

// Categories lists every category in severity-neutral order.
var Categories = []Category{
	CategoryInvalidInput,
	CategoryConfiguration,
	CategoryPolicyBlocked,
	CategoryApprovalRequired,
	CategoryPersistenceFailure,
	CategoryVerification,
	CategoryNetworkTransient,
	CategoryInternalFailure,
}

// Error codes shared across packages. Gate and policy reason codes live with
// their packages; these are the codes attached to returned errors.
const (
	CodeRegistryMissing   = "skills_lock_missing"
	CodeRegistryInvalid   = "skills_lock_invalid"
	CodeLocalAppendFailed = "ledger_local_append_failed"
	CodeRemoteRejected    = "ledger_remote_rejected"
	CodeRemoteUnreachable = "ledger_remote_unreachable"
	CodeChainBroken       = "ledger_chain_broken"
	CodeManifestMismatch  = "manifest_mismatch"
	CodeApprovalRejected  = "approval_rejected"
)

// Error is a cause annotated with a category, a stable code, an operator
// hint and a retry flag.
type Error struct {
	Category  Category
	Code      string
	Hint      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		if e.Code != "" {
			return e.Code
		}
		return "unknown error"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies cause. A nil cause stays nil so callers can wrap
// unconditionally.
func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &Error{Category: category, Code: code, Hint: hint, Retryable: retryable, Err: cause}
}

// New builds a non-retryable classified error from a message.
func New(category Category, code, message, hint string) error {
	return &Error{Category: category, Code: code, Hint: hint, Err: errors.New(message)}
}

// As returns the outermost classified error in err's chain.
func As(err error) (*Error, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}

func CategoryOf(err error) Category {
	if classified, ok := As(err); ok {
		return classified.Category
	}
	return ""
}

func CodeOf(err error) string {
	if classified, ok := As(err); ok {
		return classified.Code
	}
	return ""
}

func HintOf(err error) string {
	if classified, ok := As(err); ok {
		return classified.Hint
	}
	return ""
}

func RetryableOf(err error) bool {
	classified, ok := As(err)
	return ok && classified.Retryable
}
