package shakestore

import (
	"math"
	"testing"
)

func TestAmountColumnsRoundTripFullRange(t *testing.T) {
	for _, u := range []uint64{0, 1, math.MaxInt64, math.MaxInt64 + 1, math.MaxUint64} {
		if got := amountFromDB(amountToDB(u)); got != u {
			t.Fatalf("round trip %d -> %d", u, got)
		}
	}
	if amountToDB(math.MaxUint64) != -1 {
		t.Fatal("max amount should map to the sign-extended bit pattern")
	}
}
