package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/edgefleet/edgefleet/internal/config"
)

func testClient(t *testing.T) (*miniredis.Miniredis, config.CacheConfig) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, config.CacheConfig{
		Enabled:     true,
		Addr:        mr.Addr(),
		DialTimeout: 2,
	}
}

func TestConnectDisabled(t *testing.T) {
	client, err := Connect(context.Background(), config.CacheConfig{Enabled: false})
	if err != nil {
		t.Fatalf("disabled connect: %v", err)
	}
	if client != nil {
		t.Error("disabled cache should yield a nil client")
	}
}

func TestConnectUnreachable(t *testing.T) {
	_, err := Connect(context.Background(), config.CacheConfig{
		Enabled:     true,
		Addr:        "127.0.0.1:1", // nothing listens here
		DialTimeout: 0.2,
	})
	if err == nil {
		t.Error("expected connect failure")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	_, cfg := testClient(t)
	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	type stats struct {
		Total  int            `json:"total"`
		ByType map[string]int `json:"byType"`
	}
	ctx := context.Background()
	in := stats{Total: 12, ByType: map[string]int{"sensor": 9, "gateway": 3}}
	SetJSON(ctx, client, "stats:devices", in, time.Minute)

	var out stats
	if !GetJSON(ctx, client, "stats:devices", &out) {
		t.Fatal("expected cache hit")
	}
	if out.Total != in.Total || out.ByType["sensor"] != 9 {
		t.Errorf("round trip mismatch: %+v", out)
	}

	Invalidate(ctx, client, "stats:devices")
	if GetJSON(ctx, client, "stats:devices", &out) {
		t.Error("expected miss after invalidation")
	}
}

func TestGetJSONMissAndNilClient(t *testing.T) {
	_, cfg := testClient(t)
	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	var out map[string]any
	if GetJSON(context.Background(), client, "absent", &out) {
		t.Error("expected miss for absent key")
	}
	if GetJSON(context.Background(), nil, "anything", &out) {
		t.Error("nil client must read as a miss")
	}
	// Writers on a nil client are no-ops, not panics.
	SetJSON(context.Background(), nil, "anything", out, time.Minute)
	Invalidate(context.Background(), nil, "anything")
}
