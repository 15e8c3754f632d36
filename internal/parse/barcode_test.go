package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaterialLotBarcode(t *testing.T) {
	testCases := []struct {
		name     string
		raw      string
		expected MaterialLot
		ok       bool
	}{
		{"pipe", "ABC123|LOT001", MaterialLot{MaterialCode: "ABC123", LotNo: "LOT001"}, true},
		{"colon", "ABC123:LOT001", MaterialLot{MaterialCode: "ABC123", LotNo: "LOT001"}, true},
		{"at", "ABC123@LOT001", MaterialLot{MaterialCode: "ABC123", LotNo: "LOT001"}, true},
		{"hash", "ABC123#LOT001", MaterialLot{MaterialCode: "ABC123", LotNo: "LOT001"}, true},
		{"pipe wins over colon", "A:B|LOT", MaterialLot{MaterialCode: "A:B", LotNo: "LOT"}, true},
		{"trims parts", "  ABC123 | LOT001 ", MaterialLot{MaterialCode: "ABC123", LotNo: "LOT001"}, true},
		{"leading separator", "|LOT001", MaterialLot{LotNo: "|LOT001"}, false},
		{"trailing separator", "ABC123|", MaterialLot{LotNo: "ABC123|"}, false},
		{"trailing pipe falls through to colon", "A:B|", MaterialLot{MaterialCode: "A", LotNo: "B|"}, true},
		{"blank part", "ABC |  LOT", MaterialLot{MaterialCode: "ABC", LotNo: "LOT"}, true},
		{"bare lot", "LOT001", MaterialLot{LotNo: "LOT001"}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := MaterialLotBarcode(tc.raw)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestSerials(t *testing.T) {
	assert.Equal(t, "SN-R-1-0001", UnitSN("R-1", 1))
	assert.Equal(t, "SN-R-1-0010", UnitSN("R-1", 10))
	assert.Equal(t, "WO-1-R02", RunNo("WO-1", 2))
	assert.Equal(t, "R-1-RW1", ReworkRunNo("R-1", 1))
}
