package receipt

import (
	"encoding/json"
	"fmt"
)

// RunLog is an execution run record as produced by an external runner. It is
// untrusted and may carry arbitrary extra fields.
type RunLog map[string]any

type Origin string

const (
	OriginExecution Origin = "execution"
	OriginAttempt   Origin = "attempt"
	OriginPlaybook  Origin = "playbook"
)

// ExtensionKey is the run log key whose object value is copied onto the
// receipt as extension fields.
const ExtensionKey = "receipt_extension"

// Receipt is the canonical projection of one execution attempt. Nullable
// reserved fields are pointers or nil maps so they serialize as null.
type Receipt struct {
	SchemaID        string            `json:"schema_id"`
	SchemaVersion   string            `json:"schema_version"`
	ReceiptID       string            `json:"receipt_id"`
	ExecutionID     *string           `json:"execution_id"`
	ThreadID        *string           `json:"thread_id"`
	Status          *string           `json:"status"`
	StartedAt       *string           `json:"started_at"`
	EndedAt         *string           `json:"ended_at"`
	PlanHash        *string           `json:"plan_hash"`
	PolicyOutcome   map[string]any    `json:"policy_outcome"`
	Artifacts       []string          `json:"artifacts"`
	Capabilities    map[string]string `json:"capabilities"`
	Origin          Origin            `json:"origin"`
	PlaybookRule    *string           `json:"playbook_rule"`
	ParentReceiptID *string           `json:"parent_receipt_id"`
	CreatedAt       string            `json:"created_at"`
	PrevReceiptHash *string           `json:"prev_receipt_hash"`
	ReceiptHash     string            `json:"receipt_hash,omitempty"`

	Extensions map[string]any `json:"-"`
}

// ReservedKeys are the top-level receipt keys an extension payload can never
// set.
var ReservedKeys = map[string]struct{}{
	"schema_id":         {},
	"schema_version":    {},
	"receipt_id":        {},
	"execution_id":      {},
	"thread_id":         {},
	"status":            {},
	"started_at":        {},
	"ended_at":          {},
	"plan_hash":         {},
	"policy_outcome":    {},
	"artifacts":         {},
	"capabilities":      {},
	"origin":            {},
	"playbook_rule":     {},
	"parent_receipt_id": {},
	"created_at":        {},
	"prev_receipt_hash": {},
	"receipt_hash":      {},
}

func IsReserved(key string) bool {
	_, ok := ReservedKeys[key]
	return ok
}

type receiptFields Receipt

// MarshalJSON emits the reserved fields and the extension bag as one flat
// object. Reserved fields always win.
func (r Receipt) MarshalJSON() ([]byte, error) {
	coreRaw, err := json.Marshal(receiptFields(r))
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(coreRaw, &fields); err != nil {
		return nil, err
	}
	core := make(map[string]any, len(fields))
	for key, value := range fields {
		core[key] = value
	}
	return json.Marshal(MergeReserved(core, r.Extensions))
}

func (r *Receipt) UnmarshalJSON(data []byte) error {
	var fields receiptFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	extensions := map[string]any{}
	for key, raw := range all {
		if IsReserved(key) {
			continue
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("decode extension %s: %w", key, err)
		}
		extensions[key] = value
	}
	if len(extensions) > 0 {
		fields.Extensions = extensions
	}
	*r = Receipt(fields)
	return nil
}

// MergeReserved returns core plus every extension key that is not reserved.
// Reserved keys present in extension are dropped even when core lacks them.
func MergeReserved(core map[string]any, extension map[string]any) map[string]any {
	merged := make(map[string]any, len(core)+len(extension))
	for key, value := range extension {
		if IsReserved(key) {
			continue
		}
		merged[key] = value
	}
	for key, value := range core {
		merged[key] = value
	}
	return merged
}
