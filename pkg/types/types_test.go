package types

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRoundHalfEven(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		scale int32
		want  string
	}{
		{"10.405", 2, "10.40"}, // ties to even
		{"10.415", 2, "10.42"},
		{"10.404", 2, "10.40"},
		{"10.406", 2, "10.41"},
		{"1000", 2, "1000"},
		{"2.5", 0, "2"}, // ties to even at integer scale
		{"3.5", 0, "4"},
		{"-10.405", 2, "-10.40"},
	}

	for _, tt := range tests {
		got := RoundHalfEven(dec(tt.in), tt.scale)
		if !got.Equal(dec(tt.want)) {
			t.Errorf("RoundHalfEven(%s, %d) = %s, want %s", tt.in, tt.scale, got, tt.want)
		}
	}
}

func TestWeightedAvgPrice(t *testing.T) {
	t.Parallel()

	// Two fills: 60 @ 10.50 and 40 @ 10.25 average to 10.40 at scale 2.
	notional := dec("60").Mul(dec("10.50")).Add(dec("40").Mul(dec("10.25")))
	got := WeightedAvgPrice(notional, dec("100"), 2)
	if !got.Equal(dec("10.40")) {
		t.Errorf("WeightedAvgPrice = %s, want 10.40", got)
	}

	if got := WeightedAvgPrice(dec("100"), decimal.Zero, 2); !got.IsZero() {
		t.Errorf("WeightedAvgPrice with zero qty = %s, want 0", got)
	}
}

func TestExecutionMessageConversion(t *testing.T) {
	t.Parallel()

	msg := ExecutionMessage{
		ExecID:       "E1",
		OrderID:      "O1",
		InstrumentID: "I1",
		Qty:          dec("100"),
		Price:        dec("10.00"),
		TradeDate:    "20240115",
		Venue:        "XNYS",
		ExecType:     ExecBust,
	}

	e := msg.Execution()
	if e.ExecID != "E1" || e.OrderID != "O1" || e.InstrumentID != "I1" || e.TradeDate != "20240115" || e.Venue != "XNYS" {
		t.Errorf("Execution() dropped identity fields: %+v", e)
	}
	if !e.Qty.Equal(dec("100")) || !e.Price.Equal(dec("10.00")) {
		t.Errorf("Execution() dropped amounts: qty=%s price=%s", e.Qty, e.Price)
	}
}

func TestExecutionMessageDecodesQuotedAndBareNumbers(t *testing.T) {
	t.Parallel()

	// Upstream feeds disagree on quoting decimals; both forms must parse.
	for _, body := range []string{
		`{"execId":"E1","orderId":"O1","qty":"100","price":"10.00","tradeDate":"20240115","venue":"XNYS"}`,
		`{"execId":"E1","orderId":"O1","qty":100,"price":10.00,"tradeDate":"20240115","venue":"XNYS"}`,
	} {
		var msg ExecutionMessage
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			t.Fatalf("Unmarshal(%s): %v", body, err)
		}
		if !msg.Qty.Equal(dec("100")) || !msg.Price.Equal(dec("10")) {
			t.Errorf("decoded qty=%s price=%s, want 100 and 10", msg.Qty, msg.Price)
		}
		if msg.ExecType != "" {
			t.Errorf("absent execType decoded as %q, want empty (treated as NEW)", msg.ExecType)
		}
	}
}
