// Package receipt turns untrusted execution run logs into canonical receipts
// and computes their content hashes.
package receipt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/skillgate/core/errors"
	"github.com/davidahmann/skillgate/core/jcs"
	schemapolicy "github.com/davidahmann/skillgate/core/schema/v1/policy"
	schemareceipt "github.com/davidahmann/skillgate/core/schema/v1/receipt"
	"github.com/google/uuid"
)

const (
	receiptSchemaID = "skillgate.receipt"
	receiptSchemaV1 = "1.0.0"
)

type BuildOptions struct {
	Origin          schemareceipt.Origin
	PlaybookRule    string
	ParentReceiptID string
	// ReceiptID overrides the generated id.
	ReceiptID string
	Now       time.Time
}

// Build projects runLog onto the reserved receipt fields. Missing or
// ill-typed optional fields become null. Only a nil run log is an error.
func Build(runLog schemareceipt.RunLog, opts BuildOptions) (schemareceipt.Receipt, error) {
	if runLog == nil {
		return schemareceipt.Receipt{}, coreerrors.New(coreerrors.CategoryInvalidInput, "receipt_run_log_missing", "run log is required", "")
	}
	origin := opts.Origin
	switch origin {
	case "":
		origin = schemareceipt.OriginExecution
	case schemareceipt.OriginExecution, schemareceipt.OriginAttempt, schemareceipt.OriginPlaybook:
	default:
		return schemareceipt.Receipt{}, coreerrors.New(coreerrors.CategoryInvalidInput, "receipt_origin_invalid", fmt.Sprintf("unsupported origin %q", origin), "")
	}
	createdAt := opts.Now.UTC()
	if opts.Now.IsZero() {
		createdAt = time.Now().UTC()
	}
	receiptID := strings.TrimSpace(opts.ReceiptID)
	if receiptID == "" {
		receiptID = uuid.NewString()
	}

	out := schemareceipt.Receipt{
		SchemaID:        receiptSchemaID,
		SchemaVersion:   receiptSchemaV1,
		ReceiptID:       receiptID,
		ExecutionID:     optionalString(runLog["execution_id"]),
		ThreadID:        optionalString(runLog["thread_id"]),
		Status:          optionalString(runLog["status"]),
		StartedAt:       optionalTimestamp(runLog["started_at"]),
		EndedAt:         optionalTimestamp(runLog["ended_at"]),
		PlanHash:        optionalString(runLog["plan_hash"]),
		PolicyOutcome:   optionalObject(runLog["policy_outcome"]),
		Artifacts:       optionalStringList(runLog["artifacts"]),
		Capabilities:    optionalStringMap(runLog["capabilities"]),
		Origin:          origin,
		PlaybookRule:    nonEmpty(opts.PlaybookRule),
		ParentReceiptID: nonEmpty(opts.ParentReceiptID),
		CreatedAt:       createdAt.Format(time.RFC3339Nano),
	}
	if extension := optionalObject(runLog[schemareceipt.ExtensionKey]); len(extension) > 0 {
		kept := schemareceipt.MergeReserved(nil, extension)
		if len(kept) > 0 {
			out.Extensions = kept
		}
	}
	return out, nil
}

// AttemptRunLog describes a plan that was stopped by policy before it ran.
func AttemptRunLog(plan schemapolicy.Plan, outcome schemapolicy.Outcome) schemareceipt.RunLog {
	runLog := schemareceipt.RunLog{
		"status":         attemptStatus(outcome.Verdict),
		"plan_hash":      outcome.PlanFingerprint,
		"policy_outcome": outcome,
		"capabilities":   plan.ResolvedCapabilities,
	}
	if plan.PlanID != "" {
		runLog["execution_id"] = plan.PlanID
	}
	if plan.ThreadID != "" {
		runLog["thread_id"] = plan.ThreadID
	}
	return runLog
}

// FromAttempt builds the receipt for a denied or pending attempt that never
// executed.
func FromAttempt(plan schemapolicy.Plan, outcome schemapolicy.Outcome, now time.Time) (schemareceipt.Receipt, error) {
	return Build(AttemptRunLog(plan, outcome), BuildOptions{Origin: schemareceipt.OriginAttempt, Now: now})
}

func attemptStatus(verdict schemapolicy.Verdict) string {
	switch verdict {
	case schemapolicy.VerdictDenied:
		return "denied"
	case schemapolicy.VerdictApprovalRequired:
		return "approval_required"
	default:
		return strings.ToLower(string(verdict))
	}
}

// Digest is the JCS digest of the receipt without its receipt_hash.
func Digest(r schemareceipt.Receipt) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal receipt: %w", err)
	}
	return DigestJSON(raw)
}

// DigestJSON hashes one encoded receipt line the same way Digest does.
func DigestJSON(raw []byte) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("parse receipt: %w", err)
	}
	delete(obj, "receipt_hash")
	signable, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal receipt: %w", err)
	}
	return jcs.DigestJCS(signable)
}

// Seal links r to prevHash and fills receipt_hash. It returns the sealed
// receipt and its encoded line without a trailing newline.
func Seal(r schemareceipt.Receipt, prevHash string) (schemareceipt.Receipt, []byte, error) {
	sealed := r
	sealed.PrevReceiptHash = nonEmpty(prevHash)
	sealed.ReceiptHash = ""
	digest, err := Digest(sealed)
	if err != nil {
		return schemareceipt.Receipt{}, nil, err
	}
	sealed.ReceiptHash = digest
	encoded, err := json.Marshal(sealed)
	if err != nil {
		return schemareceipt.Receipt{}, nil, fmt.Errorf("marshal receipt: %w", err)
	}
	return sealed, encoded, nil
}

// Fields flattens r into the map playbook conditions are evaluated over.
func Fields(r schemareceipt.Receipt) (map[string]any, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal receipt: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return fields, nil
}

func nonEmpty(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func optionalString(value any) *string {
	switch typed := value.(type) {
	case string:
		return nonEmpty(typed)
	case fmt.Stringer:
		return nonEmpty(typed.String())
	default:
		return nil
	}
}

func optionalTimestamp(value any) *string {
	switch typed := value.(type) {
	case time.Time:
		if typed.IsZero() {
			return nil
		}
		formatted := typed.UTC().Format(time.RFC3339Nano)
		return &formatted
	case string:
		return nonEmpty(typed)
	default:
		return nil
	}
}

// optionalObject accepts a JSON object or any value that encodes as one.
func optionalObject(value any) map[string]any {
	switch typed := value.(type) {
	case nil:
		return nil
	case map[string]any:
		return typed
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

func optionalStringList(value any) []string {
	var items []string
	switch typed := value.(type) {
	case []string:
		items = append(items, typed...)
	case []any:
		for _, item := range typed {
			text, ok := item.(string)
			if !ok {
				return nil
			}
			items = append(items, text)
		}
	default:
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func optionalStringMap(value any) map[string]string {
	switch typed := value.(type) {
	case map[string]string:
		if typed == nil {
			return nil
		}
		out := make(map[string]string, len(typed))
		for key, provider := range typed {
			out[key] = provider
		}
		return out
	case map[string]any:
		out := make(map[string]string, len(typed))
		for key, item := range typed {
			provider, ok := item.(string)
			if !ok {
				continue
			}
			out[key] = provider
		}
		return out
	default:
		return nil
	}
}
