package oracle

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestManualFeedSetDecimal(t *testing.T) {
	feed := NewManualFeed()
	if err := feed.SetDecimal("DESK", "0.50", time.Unix(1_700_000_000, 0)); err != nil {
		t.Fatalf("set decimal: %v", err)
	}
	reading, err := feed.Fetch(context.Background(), "desk")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if reading.Rate.Cmp(big.NewRat(1, 2)) != 0 {
		t.Fatalf("unexpected rate %s", reading.Rate.RatString())
	}

	if err := feed.SetDecimal("DESK", "-1", time.Now()); err == nil {
		t.Fatalf("expected rejection of non-positive rate")
	}
	if err := feed.SetDecimal("DESK", "soon", time.Now()); err == nil {
		t.Fatalf("expected rejection of unparsable rate")
	}
	if _, err := feed.Fetch(context.Background(), "UNKNOWN"); err == nil {
		t.Fatalf("expected error for unset symbol")
	}
}

func TestCoinGeckoFeedFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("ids"); got != "desk-token" {
			t.Errorf("unexpected ids param %q", got)
		}
		if got := r.URL.Query().Get("vs_currencies"); got != "usd" {
			t.Errorf("unexpected vs_currencies param %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"desk-token":{"usd":0.5,"last_updated_at":1700000000}}`))
	}))
	defer srv.Close()

	feed := NewCoinGeckoFeed(srv.Client(), srv.URL, map[string]string{"DESK": "desk-token"})
	reading, err := feed.Fetch(context.Background(), "DESK")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if reading.Rate.Cmp(big.NewRat(1, 2)) != 0 {
		t.Fatalf("unexpected rate %s", reading.Rate.RatString())
	}
	if reading.Timestamp.Unix() != 1_700_000_000 {
		t.Fatalf("unexpected timestamp %d", reading.Timestamp.Unix())
	}
	if reading.Source != "coingecko" {
		t.Fatalf("unexpected source %q", reading.Source)
	}
}

func TestCoinGeckoFeedErrors(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			"unlisted asset",
			func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{}`)) },
			"not listed",
		},
		{
			"zero price",
			func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"desk-token":{"usd":0}}`))
			},
			"invalid rate",
		},
		{
			"upstream failure",
			func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "rate limited", http.StatusTooManyRequests)
			},
			"status 429",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			feed := NewCoinGeckoFeed(srv.Client(), srv.URL, map[string]string{"DESK": "desk-token"})
			_, err := feed.Fetch(context.Background(), "DESK")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
