package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tonix/internal/models"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// UnitExponent converts smallest currency units to whole coins (1 coin = 1e9 units).
const UnitExponent = -9

// ErrSourceRejected is returned when the source answers but reports a failure.
var ErrSourceRejected = errors.New("source rejected request")

// ToCoins converts an amount in smallest units to whole coins.
func ToCoins(units int64) float64 {
	return decimal.New(units, UnitExponent).InexactFloat64()
}

// SnapshotReader is implemented by the ledger store.
type SnapshotReader interface {
	Snapshot() *models.Snapshot
}

// LedgerBalance reads balances from the local ledger. The key is either the
// instance address (or "balance") for the ledger's own balance, or an account
// for the prizes credited to it.
func LedgerBalance(r SnapshotReader) Fetcher[float64] {
	return func(ctx context.Context, key string) (float64, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		snap := r.Snapshot()
		if key == "balance" || key == snap.Address {
			return ToCoins(snap.Balance), nil
		}
		return ToCoins(snap.Credits[key]), nil
	}
}

// RemoteSource reads balances from an HTTP indexer that answers
// GET {base}/getAddressBalance?address=... with {"ok":true,"result":"<units>"}.
type RemoteSource struct {
	baseURL string
	apiKey  string
	network string
	client  *http.Client
}

// NewRemoteSource creates a RemoteSource. A nil client gets a 15 second timeout.
func NewRemoteSource(baseURL, apiKey, network string, client *http.Client) *RemoteSource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &RemoteSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		network: network,
		client:  client,
	}
}

// Balance fetches the balance of address in whole coins.
func (s *RemoteSource) Balance(ctx context.Context, address string) (float64, error) {
	q := url.Values{}
	q.Set("address", address)
	if s.network != "" {
		q.Set("network", s.network)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/getAddressBalance?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if ok := gjson.GetBytes(body, "ok"); ok.Exists() && !ok.Bool() {
		return 0, fmt.Errorf("%w: %s", ErrSourceRejected, gjson.GetBytes(body, "error").String())
	}
	raw := gjson.GetBytes(body, "result").String()
	if raw == "" {
		raw = "0"
	}
	units, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", raw, err)
	}
	return units.Shift(UnitExponent).InexactFloat64(), nil
}

// Fetcher adapts Balance to a cache Fetcher.
func (s *RemoteSource) Fetcher() Fetcher[float64] {
	return s.Balance
}
