package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"strings"

	coreerrors "github.com/davidahmann/skillgate/core/errors"
)

const (
	exitOK               = 0
	exitInternalFailure  = 1
	exitVerifyFailed     = 2
	exitPolicyBlocked    = 3
	exitApprovalRequired = 4
	exitInvalidInput     = 6
)

// exitError carries an exit code through cobra's RunE. The output has already
// been written when it is returned.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit %d", e.code)
}

func withExit(code int) error {
	if code == exitOK {
		return nil
	}
	return &exitError{code: code}
}

func writeJSONOutput(w io.Writer, output any, exitCode int) int {
	encoded, err := marshalOutputWithErrorEnvelope(output, exitCode)
	if err != nil {
		_, _ = fmt.Fprintln(w, `{"ok":false,"error":"failed to encode output","error_code":"encode_failed","error_category":"internal_failure","retryable":false}`)
		return exitInternalFailure
	}
	_, _ = fmt.Fprintln(w, string(encoded))
	return exitCode
}

// errorOutput is the envelope every failing command emits in JSON mode.
type errorOutput struct {
	OK            bool   `json:"ok"`
	Error         string `json:"error"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`
	Retryable     *bool  `json:"retryable,omitempty"`
	Hint          string `json:"hint,omitempty"`
}

func errorOutputFor(err error) errorOutput {
	out := errorOutput{OK: false, Error: err.Error()}
	if category := coreerrors.CategoryOf(err); category != "" && category != coreerrors.CategoryInternalFailure {
		out.ErrorCategory = string(category)
		retryable := coreerrors.RetryableOf(err)
		out.Retryable = &retryable
	}
	if code := coreerrors.CodeOf(err); code != "" {
		out.ErrorCode = code
	}
	out.Hint = coreerrors.HintOf(err)
	return out
}

func marshalOutputWithErrorEnvelope(output any, exitCode int) ([]byte, error) {
	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	result := map[string]any{}
	if err := json.Unmarshal(encoded, &result); err != nil {
		return nil, err
	}
	errorText := strings.TrimSpace(asString(result["error"]))
	if errorText == "" {
		return json.Marshal(result)
	}
	if strings.TrimSpace(asString(result["error_code"])) == "" {
		result["error_code"] = defaultErrorCode(exitCode)
	}
	if strings.TrimSpace(asString(result["error_category"])) == "" {
		result["error_category"] = string(defaultErrorCategory(exitCode))
	}
	if _, exists := result["retryable"]; !exists {
		result["retryable"] = defaultRetryable(coreerrors.Category(asString(result["error_category"])))
	}
	if strings.TrimSpace(asString(result["hint"])) == "" {
		result["hint"] = defaultHint(exitCode)
	}
	return json.Marshal(result)
}

func exitCodeForError(err error, fallbackExit int) int {
	if err == nil {
		return exitOK
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput, coreerrors.CategoryConfiguration:
		return exitInvalidInput
	case coreerrors.CategoryVerification:
		return exitVerifyFailed
	case coreerrors.CategoryPolicyBlocked:
		return exitPolicyBlocked
	case coreerrors.CategoryApprovalRequired:
		return exitApprovalRequired
	case coreerrors.CategoryPersistenceFailure, coreerrors.CategoryNetworkTransient:
		return exitInternalFailure
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return exitInternalFailure
	}
	return fallbackExit
}

func defaultErrorCategory(exitCode int) coreerrors.Category {
	switch exitCode {
	case exitInvalidInput:
		return coreerrors.CategoryInvalidInput
	case exitVerifyFailed:
		return coreerrors.CategoryVerification
	case exitPolicyBlocked:
		return coreerrors.CategoryPolicyBlocked
	case exitApprovalRequired:
		return coreerrors.CategoryApprovalRequired
	default:
		return coreerrors.CategoryInternalFailure
	}
}

func defaultErrorCode(exitCode int) string {
	return string(defaultErrorCategory(exitCode))
}

func defaultHint(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "check command usage, config and input files"
	case exitVerifyFailed:
		return "inspect the reported breaks or discrepancies before trusting the artifacts"
	case exitPolicyBlocked:
		return "inspect reasons and adjust the skills lock, policy or plan"
	case exitApprovalRequired:
		return "request an approval token for this plan fingerprint and retry"
	default:
		return "retry after checking the local ledger and remote collector"
	}
}

func defaultRetryable(category coreerrors.Category) bool {
	return category == coreerrors.CategoryNetworkTransient
}

func asString(value any) string {
	text, _ := value.(string)
	return text
}
