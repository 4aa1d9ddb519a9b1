package main

import (
	"testing"

	"envtrack/internal/envelope"
)

func TestFormatStatusList(t *testing.T) {
	if got := formatStatusList(envelope.NextStatuses(envelope.StatusOnReturnCart)); got != "IN_WAREHOUSE" {
		t.Fatalf("return cart next = %q", got)
	}
	if got := formatStatusList(nil); got != "-" {
		t.Fatalf("empty list = %q, want -", got)
	}
}

func TestHolderChange(t *testing.T) {
	cases := []struct {
		from, to, want string
	}{
		{"", "CART-1", "CART-1"},
		{"PRESS-1", "PRESS-1", "PRESS-1"},
		{"CART-1", "", "CART-1"},
		{"CART-1", "PRESS-1", "CART-1 -> PRESS-1"},
	}
	for _, tc := range cases {
		if got := holderChange(tc.from, tc.to); got != tc.want {
			t.Fatalf("holderChange(%q, %q) = %q, want %q", tc.from, tc.to, got, tc.want)
		}
	}
}
