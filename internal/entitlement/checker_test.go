package entitlement_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/entitlement"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAllowAllPermitsEveryone(t *testing.T) {
	ok, err := entitlement.AllowAll{}.CanTrade(context.Background(), "0xanybody")
	if err != nil || !ok {
		t.Errorf("CanTrade = %v, %v, want true, nil", ok, err)
	}
}

func TestCanTradeQueriesService(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/entitlements/0xw1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"can_trade": true}`))
	}))
	defer srv.Close()

	c := entitlement.New(srv.URL, "", discardLogger())
	ok, err := c.CanTrade(context.Background(), "0xw1")
	if err != nil || !ok {
		t.Fatalf("CanTrade = %v, %v, want true, nil", ok, err)
	}

	// The second answer comes from the cache.
	ok, err = c.CanTrade(context.Background(), "0xw1")
	if err != nil || !ok {
		t.Fatalf("cached CanTrade = %v, %v", ok, err)
	}
	if calls != 1 {
		t.Errorf("service hit %d times, want 1", calls)
	}
}

func TestCanTradeUnknownWalletDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := entitlement.New(srv.URL, "", discardLogger())
	ok, err := c.CanTrade(context.Background(), "0xnobody")
	if err != nil {
		t.Fatalf("CanTrade: %v", err)
	}
	if ok {
		t.Errorf("unknown wallet allowed to trade")
	}
}

func TestCanTradeDeniesOnServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := entitlement.New(srv.URL, "", discardLogger())
	ok, err := c.CanTrade(context.Background(), "0xw1")
	if err == nil {
		t.Errorf("no error for http 500")
	}
	if ok {
		t.Errorf("allowed while the service is unreachable")
	}
}
