package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPriceSampleScaling(t *testing.T) {
	cases := []struct {
		name     string
		mantissa int64
		exponent int32
		want     string
	}{
		{"negative exponent", 6412345678, -8, "64.12345678"},
		{"zero exponent", 100, 0, "100"},
		{"positive exponent", 5, 2, "500"},
		{"negative mantissa", -250, -2, "-2.5"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := PriceSample{Mantissa: tc.mantissa, Exponent: tc.exponent}
			want, err := decimal.NewFromString(tc.want)
			if err != nil {
				t.Fatalf("bad expectation %q: %v", tc.want, err)
			}
			if got := s.Price(); !got.Equal(want) {
				t.Fatalf("Price() = %s, want %s", got, want)
			}
		})
	}
}

func TestMarketWatchable(t *testing.T) {
	base := Market{ID: "m1", FeedKey: "feed-a", State: StateOpen, AutoResolve: true}
	if !base.Watchable() {
		t.Fatal("open auto-resolve market with feed key should be watchable")
	}

	noFeed := base
	noFeed.FeedKey = ""
	if noFeed.Watchable() {
		t.Fatal("market without feed key must not be watchable")
	}

	resolving := base
	resolving.State = StateResolving
	if resolving.Watchable() {
		t.Fatal("non-open market must not be watchable")
	}

	manual := base
	manual.AutoResolve = false
	if manual.Watchable() {
		t.Fatal("manual market must not be watchable")
	}
}

func TestMarketExpired(t *testing.T) {
	now := time.Now().UTC()
	m := Market{ExpiresAt: now}
	if !m.Expired(now) {
		t.Fatal("expiry boundary is inclusive")
	}
	if m.Expired(now.Add(-time.Second)) {
		t.Fatal("market should not be expired before its expiry")
	}
}
