package store

import (
	"reflect"
	"testing"
)

func TestCoveredBills(t *testing.T) {
	tests := []struct {
		name    string
		open    []OpenBill
		balance float64
		want    []int64
	}{
		{"nothing paid", []OpenBill{{1, 40}, {2, 20}}, 60, nil},
		{"partial on oldest", []OpenBill{{1, 40}, {2, 20}}, 59, nil},
		{"oldest covered", []OpenBill{{1, 40}, {2, 20}}, 20, []int64{1}},
		{"stops at first uncovered", []OpenBill{{1, 40}, {2, 20}, {3, 5}}, 10, []int64{1}},
		{"all covered", []OpenBill{{1, 40}, {2, 20}}, 0, []int64{1, 2}},
		{"credit beyond debt", []OpenBill{{1, 40}}, -15, []int64{1}},
		{"paid by its own payments", []OpenBill{{1, 40}, {2, 0}}, 40, []int64{2}},
		{"overpaid bill spills over", []OpenBill{{1, -20}, {2, 20}}, 0, []int64{1, 2}},
		{"rounding", []OpenBill{{1, 0.3}}, 0.1 + 0.2 - 0.3, []int64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CoveredBills(tt.open, tt.balance); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("CoveredBills = %v, want %v", got, tt.want)
			}
		})
	}
}
