package license

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giro/internal/cloud"
)

type apiHarness struct {
	*fixture
	srv    *httptest.Server
	tokens *AdminTokens
}

func newAPI(t *testing.T, limiter Limiter) *apiHarness {
	t.Helper()
	f := newFixture(t)
	tokens, err := NewAdminTokens("license-test-secret", time.Hour, f.clock)
	require.NoError(t, err)
	srv := httptest.NewServer(NewRouter(f.svc, tokens, limiter, nil))
	t.Cleanup(srv.Close)
	return &apiHarness{fixture: f, srv: srv, tokens: tokens}
}

func (h *apiHarness) token(t *testing.T, adminID string) string {
	t.Helper()
	tok, err := h.tokens.Sign(adminID)
	require.NoError(t, err)
	return tok
}

func (h *apiHarness) client(key, fp string) *cloud.Client {
	return cloud.NewClient(h.srv.URL, key, fp, cloud.WithRetries(1, 0))
}

// call sends body as JSON and decodes the answer into out when it is non-nil.
func (h *apiHarness) call(t *testing.T, method, path, token string, headers map[string]string, body, out any) int {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *apiHarness) createViaAPI(t *testing.T, adminID string) licenseView {
	t.Helper()
	var created []licenseView
	status := h.call(t, http.MethodPost, "/licenses", h.token(t, adminID), nil,
		createRequest{Plan: "monthly"}, &created)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, created, 1)
	return created[0]
}

func TestHTTP_ActivateValidateAndSync(t *testing.T) {
	h := newAPI(t, nil)
	ctx := context.Background()
	lic := h.createViaAPI(t, "admin-1")
	assert.Equal(t, StatusPending, lic.Status)
	assert.Equal(t, PlanMonthly, lic.Plan)

	c := h.client(lic.Key, "FP-A")
	act, err := c.Activate(ctx, cloud.ActivateRequest{MachineName: "caixa-1"})
	require.NoError(t, err)
	assert.Equal(t, cloud.StatusActive, act.Status)
	assert.True(t, act.ExpiresAt.Equal(h.clock.Now().Add(30*day)))

	val, err := c.Validate(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.True(t, val.Valid)
	require.NotNil(t, val.DaysRemaining)
	assert.Equal(t, int64(30), *val.DaysRemaining)

	pushed, err := c.Push(ctx, []cloud.SyncItem{upsert("p1", 0), upsert("p2", 0)})
	require.NoError(t, err)
	assert.True(t, pushed.Success)
	assert.Equal(t, 2, pushed.Processed)

	zero := int64(0)
	pulled, err := c.Pull(ctx, []string{"product"}, &zero, 10)
	require.NoError(t, err)
	require.Len(t, pulled.Items, 2)
	assert.False(t, pulled.HasMore)
	assert.JSONEq(t, `{"id":"p1","name":"Produto p1"}`, string(pulled.Items[0].Data))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []cloud.EntityCount{{EntityType: "product", Count: 2, MaxVersion: 2}}, st.EntityCounts)
	assert.Zero(t, st.PendingChanges)
	assert.NotNil(t, st.LastSync)
}

func TestHTTP_RejectionsCarryCodes(t *testing.T) {
	h := newAPI(t, nil)
	ctx := context.Background()
	lic := h.createViaAPI(t, "admin-1")
	_, err := h.client(lic.Key, "FP-A").Activate(ctx, cloud.ActivateRequest{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		call   func() error
		status int
		code   string
	}{
		{
			name:   "unknown key",
			call:   func() error { _, err := h.client("GIRO-0000-0000-0000-0000", "FP-A").Activate(ctx, cloud.ActivateRequest{}); return err },
			status: http.StatusNotFound,
			code:   cloud.CodeNotFound,
		},
		{
			name:   "other machine activates",
			call:   func() error { _, err := h.client(lic.Key, "FP-B").Activate(ctx, cloud.ActivateRequest{}); return err },
			status: http.StatusConflict,
			code:   cloud.CodeHardwareMismatch,
		},
		{
			name:   "clock drift",
			call:   func() error { _, err := h.client(lic.Key, "FP-A").Validate(ctx, h.clock.Now().Add(10*time.Minute)); return err },
			status: http.StatusBadRequest,
			code:   cloud.CodeTimeDrift,
		},
		{
			name:   "push from other machine",
			call:   func() error { _, err := h.client(lic.Key, "FP-B").Push(ctx, []cloud.SyncItem{upsert("p1", 0)}); return err },
			status: http.StatusConflict,
			code:   cloud.CodeHardwareMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			se, ok := cloud.AsStatusError(err)
			require.True(t, ok, "error = %v", err)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.code, se.Code)
			assert.NotEmpty(t, se.Body)
		})
	}

	_, err = h.client(lic.Key, "FP-B").Push(ctx, []cloud.SyncItem{upsert("p1", 0)})
	se, _ := cloud.AsStatusError(err)
	require.NotNil(t, se)
	assert.True(t, se.Unlicensed())
	assert.False(t, se.Conflict())
}

func TestHTTP_AdminRoutesRequireToken(t *testing.T) {
	h := newAPI(t, nil)

	var body cloud.ErrorResponse
	assert.Equal(t, http.StatusUnauthorized, h.call(t, http.MethodGet, "/licenses", "", nil, nil, &body))
	assert.Equal(t, cloud.CodeUnauthorized, body.Code)
	assert.Equal(t, http.StatusUnauthorized, h.call(t, http.MethodGet, "/licenses", "not-a-jwt", nil, nil, nil))

	other, err := NewAdminTokens("some-other-secret", time.Hour, h.clock)
	require.NoError(t, err)
	forged, err := other.Sign("admin-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, h.call(t, http.MethodGet, "/licenses", forged, nil, nil, nil))
}

func TestHTTP_AdminLifecycle(t *testing.T) {
	h := newAPI(t, nil)
	ctx := context.Background()
	token := h.token(t, "admin-1")
	lic := h.createViaAPI(t, "admin-1")
	_, err := h.client(lic.Key, "FP-A").Activate(ctx, cloud.ActivateRequest{MachineName: "caixa-1"})
	require.NoError(t, err)

	var got licenseView
	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/licenses/"+lic.Key, token, nil, nil, &got))
	require.NotNil(t, got.Hardware)
	assert.Equal(t, "FP-A", got.Hardware.Fingerprint)
	assert.Equal(t, "caixa-1", got.Hardware.MachineName)

	assert.Equal(t, http.StatusNotFound, h.call(t, http.MethodGet, "/licenses/"+lic.Key, h.token(t, "admin-2"), nil, nil, nil))

	tr, err := h.client("", "").Transfer(ctx, token, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, cloud.StatusActive, tr.Status)

	_, err = h.client(lic.Key, "FP-B").Activate(ctx, cloud.ActivateRequest{})
	require.NoError(t, err)

	var revoked licenseView
	require.Equal(t, http.StatusOK, h.call(t, http.MethodPost, "/license/revoke", token, nil, keyRequest{Key: lic.Key}, &revoked))
	assert.Equal(t, StatusRevoked, revoked.Status)

	val, err := h.client(lic.Key, "FP-B").Validate(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.False(t, val.Valid)

	var st Stats
	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/licenses/stats", token, nil, nil, &st))
	assert.Equal(t, Stats{Total: 1, Revoked: 1}, st)

	var trail []AuditEntry
	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/licenses/"+lic.Key+"/audit", token, nil, nil, &trail))
	var actions []AuditAction
	for _, e := range trail {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []AuditAction{
		AuditLicenseCreated,
		AuditLicenseActivated,
		AuditHardwareRegistered,
		AuditLicenseTransferred,
		AuditLicenseActivated,
		AuditHardwareRegistered,
		AuditLicenseRevoked,
		AuditLicenseValidationFailed,
	}, actions)
}

func TestHTTP_CreateAndListLicenses(t *testing.T) {
	h := newAPI(t, nil)
	token := h.token(t, "admin-1")

	var created []licenseView
	require.Equal(t, http.StatusCreated, h.call(t, http.MethodPost, "/licenses", token, nil,
		createRequest{Plan: "annual", Quantity: 3}, &created))
	require.Len(t, created, 3)

	var errBody cloud.ErrorResponse
	assert.Equal(t, http.StatusUnprocessableEntity, h.call(t, http.MethodPost, "/licenses", token, nil,
		createRequest{Plan: "weekly"}, &errBody))
	assert.Equal(t, cloud.CodeValidation, errBody.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, h.call(t, http.MethodPost, "/licenses", token, nil,
		createRequest{Plan: "annual", Quantity: maxCreateBatch + 1}, nil))

	_, err := h.client(created[0].Key, "FP-A").Activate(context.Background(), cloud.ActivateRequest{})
	require.NoError(t, err)

	var all, active []licenseView
	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/licenses", token, nil, nil, &all))
	assert.Len(t, all, 3)
	require.Equal(t, http.StatusOK, h.call(t, http.MethodGet, "/licenses?status=active", token, nil, nil, &active))
	require.Len(t, active, 1)
	assert.Equal(t, created[0].Key, active[0].Key)
}

func TestHTTP_LicenseKeyHeader(t *testing.T) {
	h := newAPI(t, nil)
	lic := h.createViaAPI(t, "admin-1")
	_, err := h.client(lic.Key, "FP-A").Activate(context.Background(), cloud.ActivateRequest{})
	require.NoError(t, err)

	var st cloud.StatusResponse
	status := h.call(t, http.MethodPost, "/sync/status", "", map[string]string{cloud.LicenseKeyHeader: lic.Key},
		cloud.StatusRequest{HardwareID: "FP-A"}, &st)
	assert.Equal(t, http.StatusOK, status)

	var body cloud.ErrorResponse
	status = h.call(t, http.MethodPost, "/sync/status", "", map[string]string{cloud.LicenseKeyHeader: "GIRO-OTHER"},
		cloud.StatusRequest{LicenseKey: lic.Key, HardwareID: "FP-A"}, &body)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, cloud.CodeValidation, body.Code)
}

func TestHTTP_BadRequests(t *testing.T) {
	h := newAPI(t, nil)

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/license/activate", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	var body cloud.ErrorResponse
	assert.Equal(t, http.StatusUnprocessableEntity, h.call(t, http.MethodPost, "/license/validate", "", nil,
		cloud.ValidateRequest{Key: "GIRO-A", HardwareFingerprint: "FP-A"}, &body))
	assert.Contains(t, body.Error, "client_time")
}

func TestHTTP_RateLimit(t *testing.T) {
	h := newAPI(t, nil)
	limiter := NewMemoryLimiter(2, time.Minute, h.clock)
	srv := httptest.NewServer(NewRouter(h.svc, h.tokens, limiter, nil))
	defer srv.Close()

	post := func() *http.Response {
		resp, err := http.Post(srv.URL+"/license/activate", "application/json", bytes.NewBufferString(`{}`))
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}
	assert.Equal(t, http.StatusUnprocessableEntity, post().StatusCode)
	assert.Equal(t, http.StatusUnprocessableEntity, post().StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, post().StatusCode)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.clock.Advance(time.Minute)
	assert.Equal(t, http.StatusUnprocessableEntity, post().StatusCode)
}
