// Package parse decodes scanned codes and formats production serials.
package parse

import (
	"fmt"
	"strings"
)

// barcodeSeparators are tried in order; the first usable one wins.
var barcodeSeparators = []string{"|", ":", "@", "#"}

// MaterialLot is a scanned material reel or lot.
type MaterialLot struct {
	MaterialCode string
	LotNo        string
}

// MaterialLotBarcode splits a scan of the form "<material><sep><lot>".
// A separator at either end of the code does not count. ok is false when no
// separator splits the code into two non-empty parts; the whole trimmed
// scan is then a bare lot number.
func MaterialLotBarcode(raw string) (MaterialLot, bool) {
	s := strings.TrimSpace(raw)
	for _, sep := range barcodeSeparators {
		idx := strings.Index(s, sep)
		if idx <= 0 || idx >= len(s)-len(sep) {
			continue
		}
		material := strings.TrimSpace(s[:idx])
		lot := strings.TrimSpace(s[idx+len(sep):])
		if material == "" || lot == "" {
			continue
		}
		return MaterialLot{MaterialCode: material, LotNo: lot}, true
	}
	return MaterialLot{LotNo: s}, false
}

// UnitSN formats the serial number of the seq-th unit of a run.
func UnitSN(runNo string, seq int) string {
	return fmt.Sprintf("SN-%s-%04d", runNo, seq)
}

// RunNo formats the n-th run number of a work order.
func RunNo(woNo string, n int) string {
	return fmt.Sprintf("%s-R%02d", woNo, n)
}

// ReworkRunNo formats the n-th rework run spawned from parentRunNo.
func ReworkRunNo(parentRunNo string, n int) string {
	return fmt.Sprintf("%s-RW%d", parentRunNo, n)
}
