package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tonix/internal/cache"
	"tonix/internal/limiter"
	"tonix/internal/models"
	"tonix/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	owner = "EQowner"
	price = int64(1_000_000_000)
)

type firstIndex struct{}

func (firstIndex) NextIndex(bound int) (int, error) { return 0, nil }

func newService(t *testing.T) *services.LotteryService {
	t.Helper()
	svc, err := services.NewLotteryService(
		models.DeployParams{Owner: owner, TicketPrice: price},
		services.Config{Randomness: firstIndex{}, HistoryLimit: 10},
	)
	require.NoError(t, err)
	return svc
}

func newRouter(t *testing.T, svc *services.LotteryService, opts Options) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if opts.Limiter == nil {
		opts.Limiter = limiter.New(1000, time.Second)
	}
	r := gin.New()
	NewHTTPHandler(svc, opts).RegisterRoutes(r)
	return r
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestBuyAndDraw(t *testing.T) {
	svc := newService(t)
	r := newRouter(t, svc, Options{})

	rec := do(r, http.MethodPost, "/api/lottery/buy", gin.H{"account": "alice", "amount": price, "seq": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.EqualValues(t, 1, body["participantCount"])

	rec = do(r, http.MethodPost, "/api/lottery/buy", gin.H{"account": "bob", "amount": price, "seq": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(r, http.MethodPost, "/api/lottery/draw", gin.H{"account": "mallory", "seq": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.EqualValues(t, services.CodeNotOwner, decode(t, rec)["code"])

	rec = do(r, http.MethodPost, "/api/lottery/draw", gin.H{"account": owner, "seq": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode(t, rec)["result"].(map[string]any)
	assert.Equal(t, "alice", result["winner"])
	assert.EqualValues(t, 2*price, result["prizeAmount"])

	rec = do(r, http.MethodPost, "/api/lottery/draw", gin.H{"account": owner, "seq": 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualValues(t, services.CodeNoParticipants, decode(t, rec)["code"])
}

func TestBuyRejections(t *testing.T) {
	svc := newService(t)
	r := newRouter(t, svc, Options{})

	rec := do(r, http.MethodPost, "/api/lottery/buy", gin.H{"account": "alice", "amount": price - 1, "seq": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualValues(t, services.CodeInsufficientPayment, decode(t, rec)["code"])

	rec = do(r, http.MethodPost, "/api/lottery/buy", gin.H{"account": "alice", "amount": price, "seq": 1})
	assert.Equal(t, http.StatusConflict, rec.Code, "a sequence number is spent even when the purchase fails")

	rec = do(r, http.MethodPost, "/api/lottery/buy", gin.H{"account": "alice", "amount": price})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, http.MethodPost, "/api/lottery/buy", gin.H{"amount": price, "seq": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 0, svc.Rounds().Current().ParticipantCount)
}

func TestApplyTx(t *testing.T) {
	svc := newService(t)
	r := newRouter(t, svc, Options{})

	rec := do(r, http.MethodPost, "/api/lottery/tx", models.Request{Op: models.OpBuy, Sender: "alice", Value: price, Seq: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, decode(t, rec), "ticket")

	rec = do(r, http.MethodPost, "/api/lottery/tx", models.Request{Op: 0x7f, Sender: "alice", Seq: 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, http.MethodPost, "/api/lottery/tx", models.Request{Op: models.OpDraw, Sender: owner, Seq: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec), "result")
}

func TestBalance(t *testing.T) {
	svc := newService(t)
	svc.Buy("alice", price, 1)

	t.Run("ledger source", func(t *testing.T) {
		r := newRouter(t, svc, Options{})
		rec := do(r, http.MethodGet, "/api/lottery/balance/"+svc.Store().Address(), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, true, body["ok"])
		assert.InDelta(t, 1.0, body["value"], 1e-9)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.Contains(t, rec.Header().Get("Cache-Control"), "s-maxage=15")
	})

	t.Run("failing source", func(t *testing.T) {
		failing := cache.New(func(ctx context.Context, key string) (float64, error) {
			return 0, errors.New("indexer down")
		}, cache.WithAttempts(1))
		r := newRouter(t, svc, Options{Balances: failing})
		rec := do(r, http.MethodGet, "/api/lottery/balance/EQx", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, false, decode(t, rec)["ok"])
	})
}

func TestRateLimit(t *testing.T) {
	svc := newService(t)
	var fetches atomic.Int32
	balances := cache.New(func(ctx context.Context, key string) (float64, error) {
		fetches.Add(1)
		return 1, nil
	}, cache.WithTTL(time.Nanosecond))
	r := newRouter(t, svc, Options{Balances: balances, Limiter: limiter.New(1, time.Minute)})

	rec := do(r, http.MethodGet, "/api/lottery/balance/EQx", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(r, http.MethodGet, "/api/lottery/balance/EQx", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	body := decode(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.EqualValues(t, 60, body["retryAfter"])
	assert.EqualValues(t, 1, fetches.Load(), "denied requests never reach the cache")

	// Mutations are not rate limited.
	rec = do(r, http.MethodPost, "/api/lottery/buy", gin.H{"account": "alice", "amount": price, "seq": 1})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoundQueries(t *testing.T) {
	svc := newService(t)
	svc.Buy("alice", price, 1)
	svc.Buy("bob", price, 1)
	_, err := svc.Draw(owner)
	require.NoError(t, err)
	svc.Buy("bob", price, 2)
	r := newRouter(t, svc, Options{})

	rec := do(r, http.MethodGet, "/api/lottery/round/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["round"].(map[string]any)["id"])

	rec = do(r, http.MethodGet, "/api/lottery/round/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decode(t, rec)["result"].(map[string]any)["winner"])

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/lottery/round/9", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/lottery/round/abc", nil).Code)

	rec = do(r, http.MethodGet, "/api/lottery/rounds?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["history"], 1)

	rec = do(r, http.MethodGet, "/api/lottery/draws", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["draws"], 1)

	rec = do(r, http.MethodGet, "/api/lottery/my-tickets?address=bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["tickets"], 1)
	assert.EqualValues(t, 0, body["credited"])
	assert.Len(t, body["wins"], 0)

	rec = do(r, http.MethodGet, "/api/lottery/my-tickets?address=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	wins := decode(t, rec)["wins"].([]any)
	require.Len(t, wins, 1)
	assert.EqualValues(t, 1, wins[0].(map[string]any)["roundId"])
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/lottery/my-tickets", nil).Code)

	rec = do(r, http.MethodGet, "/api/lottery/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)["stats"].(map[string]any)
	assert.EqualValues(t, 3, stats["totalTicketsSold"])
	assert.EqualValues(t, price, stats["currentJackpot"])

	rec = do(r, http.MethodGet, "/api/lottery/winners", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	winners := decode(t, rec)["winners"].([]any)
	require.Len(t, winners, 1)
	assert.Equal(t, "alice", winners[0].(map[string]any)["account"])
}

type recordingArchive struct {
	limits []int
}

func (a *recordingArchive) ListDraws(limit int) ([]models.DrawResult, error) {
	a.limits = append(a.limits, limit)
	return []models.DrawResult{{RoundID: 42, Winner: "carol"}}, nil
}

func (a *recordingArchive) TicketsByAccount(account string, limit int) ([]models.Ticket, error) {
	a.limits = append(a.limits, limit)
	return []models.Ticket{{ID: "old", Account: account}}, nil
}

func (a *recordingArchive) WinsByAccount(account string, limit int) ([]models.DrawResult, error) {
	a.limits = append(a.limits, limit)
	return []models.DrawResult{{RoundID: 7, Winner: account}}, nil
}

func (a *recordingArchive) Leaderboard(limit int) ([]models.LeaderboardEntry, error) {
	return nil, errors.New("db gone")
}

func TestArchiveBackedQueries(t *testing.T) {
	svc := newService(t)
	archive := &recordingArchive{}
	r := newRouter(t, svc, Options{Archive: archive})

	rec := do(r, http.MethodGet, "/api/lottery/draws?limit=500", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{maxListLimit}, archive.limits)

	rec = do(r, http.MethodGet, "/api/lottery/my-tickets?address=carol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["history"], 1)
	require.Len(t, body["wins"], 1)
	assert.EqualValues(t, 7, body["wins"].([]any)[0].(map[string]any)["roundId"])

	rec = do(r, http.MethodGet, "/api/lottery/winners", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = do(r, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, true, body["archive"])
	assert.Equal(t, "ledger", body["source"])
	assert.Equal(t, svc.Store().Address(), body["address"])
}

func TestArchiveListingsAreBounded(t *testing.T) {
	svc := newService(t)
	archive := &recordingArchive{}
	r := newRouter(t, svc, Options{Archive: archive})

	for _, path := range []string{
		"/api/lottery/draws",
		"/api/lottery/draws?limit=0",
		"/api/lottery/draws?limit=-3",
		"/api/lottery/draws?limit=abc",
		"/api/lottery/my-tickets?address=carol",
	} {
		rec := do(r, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
	for _, limit := range archive.limits {
		assert.Equal(t, defaultListLimit, limit)
	}
	assert.Len(t, archive.limits, 6)
}

func TestAddressValidation(t *testing.T) {
	svc := newService(t)
	var fetches atomic.Int32
	balances := cache.New(func(ctx context.Context, key string) (float64, error) {
		fetches.Add(1)
		return 1, nil
	})
	r := newRouter(t, svc, Options{Balances: balances})

	long := strings.Repeat("a", 129)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/lottery/balance/"+long, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/lottery/balance/bad%20addr", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/lottery/my-tickets?address=%3Cscript%3E", nil).Code)
	assert.EqualValues(t, 0, fetches.Load(), "rejected addresses never reach the cache")

	rec := do(r, http.MethodGet, "/api/lottery/balance/"+svc.Store().Address(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(r, http.MethodGet, "/api/lottery/balance/EQBvW8Z5huBkMJYdnfAEM5JqTNkuWX3diqYENkWsIL0XggGG", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type countingRecorder struct {
	rejected, limited, requests int
}

func (r *countingRecorder) Rejected(string, int) { r.rejected++ }

func (r *countingRecorder) RateLimited() { r.limited++ }

func (r *countingRecorder) ObserveRequest(string, string, int, time.Duration) { r.requests++ }

func TestRecorder(t *testing.T) {
	svc := newService(t)
	rec := &countingRecorder{}
	r := newRouter(t, svc, Options{Recorder: rec, Limiter: limiter.New(1, time.Minute)})

	do(r, http.MethodPost, "/api/lottery/draw", gin.H{"account": owner, "seq": 1})
	do(r, http.MethodGet, "/api/lottery/stats", nil)
	do(r, http.MethodGet, "/api/lottery/stats", nil)

	assert.Equal(t, 1, rec.rejected)
	assert.Equal(t, 1, rec.limited)
	assert.Equal(t, 3, rec.requests)
}
