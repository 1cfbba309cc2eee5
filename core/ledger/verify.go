package ledger

import (
	"context"
	"encoding/json"

	"github.com/davidahmann/skillgate/core/receipt"
	schemareceipt "github.com/davidahmann/skillgate/core/schema/v1/receipt"
)

const (
	BreakUnparsable   = "unparsable"
	BreakHashMismatch = "hash_mismatch"
	BreakPrevMismatch = "prev_mismatch"
)

type ChainBreak struct {
	Line      int    `json:"line"`
	ReceiptID string `json:"receipt_id,omitempty"`
	Kind      string `json:"kind"`
	Expected  string `json:"expected,omitempty"`
	Actual    string `json:"actual,omitempty"`
}

type ChainReport struct {
	OK       bool         `json:"ok"`
	Receipts int          `json:"receipts"`
	Head     string       `json:"head,omitempty"`
	Breaks   []ChainBreak `json:"breaks,omitempty"`
}

// VerifyChain re-hashes every stored receipt and checks each prev link. Every
// break is reported; verification continues from the stored hash so one edit
// is not reported again on the following line.
func VerifyChain(ctx context.Context, store LocalStore) (ChainReport, error) {
	lines, err := store.Lines(ctx)
	if err != nil {
		return ChainReport{}, err
	}
	report := ChainReport{Receipts: len(lines)}
	prevHash := ""
	for index, line := range lines {
		lineNo := index + 1
		var head struct {
			ReceiptID       string  `json:"receipt_id"`
			ReceiptHash     string  `json:"receipt_hash"`
			PrevReceiptHash *string `json:"prev_receipt_hash"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			report.Breaks = append(report.Breaks, ChainBreak{Line: lineNo, Kind: BreakUnparsable, Actual: err.Error()})
			prevHash = ""
			continue
		}
		actualPrev := ""
		if head.PrevReceiptHash != nil {
			actualPrev = *head.PrevReceiptHash
		}
		if actualPrev != prevHash {
			report.Breaks = append(report.Breaks, ChainBreak{
				Line:      lineNo,
				ReceiptID: head.ReceiptID,
				Kind:      BreakPrevMismatch,
				Expected:  prevHash,
				Actual:    actualPrev,
			})
		}
		digest, err := receipt.DigestJSON(line)
		if err != nil {
			report.Breaks = append(report.Breaks, ChainBreak{Line: lineNo, ReceiptID: head.ReceiptID, Kind: BreakUnparsable, Actual: err.Error()})
		} else if digest != head.ReceiptHash {
			report.Breaks = append(report.Breaks, ChainBreak{
				Line:      lineNo,
				ReceiptID: head.ReceiptID,
				Kind:      BreakHashMismatch,
				Expected:  head.ReceiptHash,
				Actual:    digest,
			})
		}
		prevHash = head.ReceiptHash
	}
	report.Head = prevHash
	report.OK = len(report.Breaks) == 0
	return report, nil
}

func decodeReceipt(line []byte, out *schemareceipt.Receipt) error {
	return json.Unmarshal(line, out)
}
