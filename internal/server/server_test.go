package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwalcott/unibazaar/internal/config"
	"github.com/mwalcott/unibazaar/internal/logging"
)

const testAdminSecret = "test-admin-secret"

func testConfig() *config.Config {
	return &config.Config{
		Port:     "0",
		Env:      "development",
		LogLevel: "error",

		AdminSecret:  testAdminSecret,
		RateLimitRPM: 100000,

		RequestTTL:       7 * 24 * time.Hour,
		IdempotencyTTL:   time.Hour,
		SweepInterval:    time.Hour,
		LockWaitTimeout:  time.Second,
		ListingExpiry:    60 * 24 * time.Hour,
		CredentialExpiry: time.Hour,

		TrustBaseline:        50,
		TrustCompletedWeight: 30,
		TrustAgeWeight:       10,
		TrustCancelPenalty:   4,
		TrustDisputePenalty:  12,
		TrustFlagPenalty:     20,
		TrustTrustedScore:    70,
		TrustWatchedScore:    45,
		TrustRestrictedScore: 25,
		TrustMinCompleted:    3,

		FraudYoungAccountDays:   7,
		FraudBurstListings:      5,
		FraudBurstCancellations: 3,
		FraudRepeatDisputes:     2,

		RestrictionDisputeLimit: 2,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv, err := New(testConfig(), WithLogger(logging.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.rateLimiter.Stop()
	})
	return srv
}

type header map[string]string

func bearer(key string) header {
	return header{"Authorization": "Bearer " + key}
}

func adminSecret() header {
	return header{"X-Admin-Secret": testAdminSecret}
}

func (s *Server) do(t *testing.T, method, path string, body any, h header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range h {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

// register creates a user through the public endpoint and returns its ID
// and raw API key.
func (s *Server) register(t *testing.T, name, email string) (id, apiKey string) {
	t.Helper()
	w, body := s.do(t, http.MethodPost, "/v1/users", gin.H{"name": name, "email": email}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	user, ok := body["user"].(map[string]any)
	require.True(t, ok, "response has no user object")
	apiKey, _ = body["apiKey"].(string)
	require.NotEmpty(t, apiKey)
	return user["id"].(string), apiKey
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w, body := srv.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	w, _ = srv.do(t, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Ready flips on only once Run has started the listener.
	w, _ = srv.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRegistrationIssuesWorkingKey(t *testing.T) {
	srv := newTestServer(t)

	id, key := srv.register(t, "Dana", "dana@example.edu")

	// The key authenticates its owner.
	w, body := srv.do(t, http.MethodGet, "/v1/users/"+id, nil, bearer(key))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dana@example.edu", body["email"])

	// No key, no access.
	w, _ = srv.do(t, http.MethodGet, "/v1/users/"+id, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A garbage key is as good as none.
	w, _ = srv.do(t, http.MethodGet, "/v1/users/"+id, nil, bearer("sk_bogus"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListingAndRequestFlow(t *testing.T) {
	srv := newTestServer(t)

	_, sellerKey := srv.register(t, "Sam Seller", "sam@example.edu")
	buyerID, buyerKey := srv.register(t, "Billie Buyer", "billie@example.edu")

	w, body := srv.do(t, http.MethodPost, "/v1/listings", gin.H{
		"title":      "desk lamp",
		"category":   "resale",
		"priceCents": 1500,
	}, bearer(sellerKey))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	listingID := body["id"].(string)
	assert.Equal(t, "DRAFT", body["status"])

	w, _ = srv.do(t, http.MethodPost, "/v1/listings/"+listingID+"/events",
		gin.H{"event": "SUBMIT"}, bearer(sellerKey))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Review is an admin action; the bootstrap secret stands in for a
	// seeded admin account.
	w, body = srv.do(t, http.MethodPost, "/v1/listings/"+listingID+"/events",
		gin.H{"event": "APPROVE"}, adminSecret())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "APPROVED", body["status"])

	w, body = srv.do(t, http.MethodPost, "/v1/requests", gin.H{
		"listingId": listingID,
		"message":   "still available?",
	}, bearer(buyerKey))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	requestID := body["id"].(string)
	assert.Equal(t, "SENT", body["status"])
	assert.Equal(t, buyerID, body["buyerId"])

	// Accept twice under one idempotency key: the replay returns the
	// stored outcome instead of re-running the transition.
	accept := func() map[string]any {
		h := bearer(sellerKey)
		h["Idempotency-Key"] = "accept-once"
		w, body := srv.do(t, http.MethodPost, "/v1/requests/"+requestID+"/events",
			gin.H{"event": "ACCEPT"}, h)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		return body
	}
	first := accept()
	second := accept()
	assert.Equal(t, "ACCEPTED", first["status"])
	assert.Equal(t, first["version"], second["version"])

	w, body = srv.do(t, http.MethodGet, "/v1/requests/"+requestID, nil, bearer(buyerKey))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ACCEPTED", body["status"])

	// The accepted request pulled the listing into IN_TRANSACTION.
	w, body = srv.do(t, http.MethodGet, "/v1/listings/"+listingID, nil, bearer(buyerKey))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "IN_TRANSACTION", body["status"])
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	srv := newTestServer(t)

	_, memberKey := srv.register(t, "Morgan", "morgan@example.edu")

	w, _ := srv.do(t, http.MethodGet, "/v1/admin/stats", nil, bearer(memberKey))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := srv.do(t, http.MethodGet, "/v1/admin/stats", nil, adminSecret())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	usersStats, ok := body["users"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, usersStats["total"])

	w, body = srv.do(t, http.MethodPost, "/v1/admin/recovery/run", nil, adminSecret())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 0, body["expiredRequests"])
}

func TestDeactivatedUserLosesAccess(t *testing.T) {
	srv := newTestServer(t)

	id, key := srv.register(t, "Quinn", "quinn@example.edu")

	w, _ := srv.do(t, http.MethodPost, "/v1/admin/users/"+id+"/deactivate", nil, adminSecret())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = srv.do(t, http.MethodGet, "/v1/users/"+id, nil, bearer(key))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
