package backend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stream-engine/backend"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func sampleStreamJSON(id string) string {
	return `{
		"id": "` + id + `",
		"payer": {"id": "p1", "walletAddress": "0xPAYER"},
		"recipient": {"id": "r1", "walletAddress": "0xRCPT"},
		"tokenAddress": "0xT0KEN",
		"totalAmount": "100",
		"status": "ACTIVE",
		"startTime": 1700000000,
		"calculation": {
			"streamId": "` + id + `",
			"currentBalance": "50",
			"claimableAmount": "50",
			"totalStreamed": "50",
			"withdrawnAmount": "0",
			"progress": 50,
			"isActive": true,
			"ratePerSecond": "0.01",
			"startTime": 1700000000,
			"lastCalculated": 1700005000000
		},
		"withdrawalLimits": {
			"maxWithdrawalsPerDay": 5,
			"withdrawalsUsedToday": 0,
			"remainingWithdrawals": 5,
			"canWithdraw": true,
			"dayIndex": 19675
		},
		"createdAt": 1700000000,
		"updatedAt": 1700005000
	}`
}

// =============================================================================
// ENVELOPE HANDLING
// =============================================================================

func TestClient_ListStreams_UnwrapsEnvelope(t *testing.T) {
	// GIVEN: A backend that wraps responses in {success, data}
	// WHEN: Listing streams
	// THEN: The payload decodes as if it were bare

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/streams", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"success": true, "data": {"streams": [` + sampleStreamJSON("str-1") + `], "total": 1, "page": 1, "limit": 100}}`))
	}))
	defer srv.Close()

	c := backend.NewClient(srv.URL, "tok", "")
	list, err := c.ListStreams(context.Background(), backend.ListOptions{})

	require.NoError(t, err)
	require.Len(t, list.Streams, 1)
	assert.Equal(t, "str-1", list.Streams[0].ID)
	assert.Equal(t, 1, list.Total)
}

func TestClient_ListStreams_BarePayload(t *testing.T) {
	// GIVEN: A backend that sends the payload without an envelope
	// WHEN: Listing streams
	// THEN: It decodes just the same

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"streams": [` + sampleStreamJSON("str-1") + `], "total": 1}`))
	}))
	defer srv.Close()

	c := backend.NewClient(srv.URL, "tok", "")
	list, err := c.ListStreams(context.Background(), backend.ListOptions{})

	require.NoError(t, err)
	require.Len(t, list.Streams, 1)
}

// =============================================================================
// AUTH REFRESH
// =============================================================================

func TestClient_RefreshAndRetryOn401(t *testing.T) {
	// GIVEN: A backend whose old token expired
	// WHEN: A request 401s
	// THEN: The client refreshes once and retries with the new token

	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/refresh":
			refreshes.Add(1)
			var req backend.RefreshRequest
			json.NewDecoder(r.Body).Decode(&req)
			assert.Equal(t, "refresh-tok", req.RefreshToken)
			json.NewEncoder(w).Encode(backend.RefreshResponse{Token: "fresh"})
		case "/balance":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"success": true, "data": {"balances": [], "totalActiveStreams": 0}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := backend.NewClient(srv.URL, "stale", "refresh-tok")
	_, err := c.GetBalance(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, "fresh", c.Token())
}

func TestClient_SecondUnauthorizedSurfaces(t *testing.T) {
	// GIVEN: A refresh that yields a token the backend still rejects
	// WHEN: The retried request 401s again
	// THEN: The error surfaces instead of looping

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			json.NewEncoder(w).Encode(backend.RefreshResponse{Token: "still-bad"})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := backend.NewClient(srv.URL, "stale", "refresh-tok")
	_, err := c.GetBalance(context.Background())

	var statusErr *backend.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
}

func TestClient_NoRefreshTokenNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := backend.NewClient(srv.URL, "tok", "")
	_, err := c.GetBalance(context.Background())

	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "no refresh token means no retry")
}

// =============================================================================
// ERRORS AND URLS
// =============================================================================

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`daily withdrawal limit reached`))
	}))
	defer srv.Close()

	c := backend.NewClient(srv.URL, "tok", "")
	_, err := c.Withdraw(context.Background(), backend.WithdrawRequest{StreamID: "str-1"})

	var statusErr *backend.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusConflict, statusErr.Code)
	assert.Contains(t, statusErr.Body, "limit reached")
}

func TestClient_WebSocketURL(t *testing.T) {
	c := backend.NewClient("https://api.example.com/api", "tok en", "")
	assert.Equal(t, "wss://api.example.com/api/ws?token=tok+en", c.WebSocketURL())

	c = backend.NewClient("http://localhost:8080/api/", "t", "")
	assert.Equal(t, "ws://localhost:8080/api/ws?token=t", c.WebSocketURL())
}

func TestStreamDTO_ToRecord_RejectsMalformedAmount(t *testing.T) {
	var dto backend.StreamDTO
	require.NoError(t, json.Unmarshal([]byte(sampleStreamJSON("str-1")), &dto))
	dto.TotalAmount = "not-a-number"

	_, err := dto.ToRecord()
	assert.Error(t, err)
}
