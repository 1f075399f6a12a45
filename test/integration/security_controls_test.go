package integration

import (
	"encoding/base64"
	"net/http"
	"testing"
	"time"
)

// ==========================================================================
// Producer API Authentication Tests
// ==========================================================================

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", CampaignPath("acme", "c-1") + "/stages/discover/start"},
		{"POST", CampaignPath("acme", "c-1") + "/finish"},
		{"GET", CampaignPath("acme", "c-1") + "/snapshot"},
		{"GET", "/api/v1/stats"},
		{"POST", "/api/v1/operator/notices"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			var resp *http.Response
			if ep.method == "GET" {
				resp = h.GET(ep.path, "")
			} else {
				resp = h.POST(ep.path, map[string]any{}, "")
			}
			h.AssertStatus(t, resp, http.StatusUnauthorized)
		})
	}
}

func TestSecurity_ExpiredJWT_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateExpiredToken(ProducerClaims("acme"))

	resp := h.GET(CampaignPath("acme", "c-1")+"/snapshot", token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_InvalidSignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateForgedToken(ProducerClaims("acme"))

	resp := h.POST(CampaignPath("acme", "c-1")+"/stages/discover/start", nil, token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"admin","tenant_id":"acme","iss":"https://auth.test.pulse.dev","aud":"pulse-test","roles":["operator"]}`))
	noneToken := header + "." + payload + "."

	resp := h.GET("/api/v1/stats", noneToken)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

// ==========================================================================
// Tenant Isolation Tests
// ==========================================================================

func TestSecurity_ProducerCannotWriteOtherTenant(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ProducerClaims("globex"))

	resp := h.POST(CampaignPath("acme", "c-1")+"/stages/discover/start", nil, token)
	h.AssertErrorCode(t, resp, http.StatusForbidden, "INVALID_TENANT")

	resp = h.GET(CampaignPath("acme", "c-1")+"/snapshot", token)
	h.AssertErrorCode(t, resp, http.StatusForbidden, "INVALID_TENANT")

	if n := h.Service.Sessions().Len(); n != 0 {
		t.Errorf("sessions = %d, want 0 after a refused write", n)
	}
}

func TestSecurity_SameCampaignIDDifferentTenants(t *testing.T) {
	h := NewTestHarness(t)

	acme, _ := h.Watch("acme", "c-1")
	globex, _ := h.Watch("globex", "c-1")

	h.MustPOST(CampaignPath("acme", "c-1")+"/stages/discover/start", nil, h.GenerateToken(ProducerClaims("acme")))

	acme.Expect("sessionStatus")
	acme.Expect("stageUpdate")
	globex.ExpectNone(200 * time.Millisecond)

	var snap map[string]any
	h.AssertJSON(t, h.GET(CampaignPath("globex", "c-1")+"/snapshot", h.GenerateToken(ProducerClaims("globex"))), http.StatusOK, &snap)
	if snap["status"] != "idle" {
		t.Errorf("globex session status = %v, want idle", snap["status"])
	}
}

// ==========================================================================
// Observer Authentication Tests
// ==========================================================================

func TestSecurity_ObserverAuthentication(t *testing.T) {
	h := NewTestHarness(t)

	tests := []struct {
		name   string
		tenant string
		token  func() string
		code   string
	}{
		{"missing token", "acme", func() string { return "" }, "UNAUTHENTICATED"},
		{"garbage token", "acme", func() string { return "not-a-jwt" }, "UNAUTHENTICATED"},
		{"expired token", "acme", func() string { return h.GenerateExpiredToken(ObserverClaims("acme")) }, "UNAUTHENTICATED"},
		{"forged token", "acme", func() string { return h.GenerateForgedToken(ObserverClaims("acme")) }, "UNAUTHENTICATED"},
		{"other tenant token", "acme", func() string { return h.GenerateToken(ObserverClaims("globex")) }, "INVALID_TENANT"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := h.Connect()
			f := o.Authenticate(tc.tenant, tc.token())
			if f.Str("type") != "authError" {
				t.Fatalf("reply = %v, want authError", f)
			}
			if f.Str("code") != tc.code {
				t.Errorf("code = %q, want %q", f.Str("code"), tc.code)
			}
		})
	}
}

func TestSecurity_ObserverTenantFromToken(t *testing.T) {
	h := NewTestHarness(t)
	o := h.Connect()

	f := o.Authenticate("", h.GenerateToken(ObserverClaims("acme")))
	if f.Str("type") != "authenticated" || f.Str("tenantId") != "acme" {
		t.Fatalf("reply = %v, want authenticated for acme", f)
	}
}

func TestSecurity_SubscribeRequiresAuthentication(t *testing.T) {
	h := NewTestHarness(t)
	o := h.Connect()

	f := o.Subscribe("acme", "c-1")
	if f.Str("type") != "error" || f.Str("code") != "UNAUTHENTICATED" {
		t.Fatalf("reply = %v, want UNAUTHENTICATED error", f)
	}
}

func TestSecurity_SubscribeOtherTenantRefused(t *testing.T) {
	h := NewTestHarness(t)
	o := h.Connect()
	o.Authenticate("globex", h.GenerateToken(ObserverClaims("globex")))

	f := o.Subscribe("acme", "c-1")
	if f.Str("type") != "error" || f.Str("code") != "INVALID_TENANT" {
		t.Fatalf("reply = %v, want INVALID_TENANT error", f)
	}
}

// ==========================================================================
// Operator Channel Tests
// ==========================================================================

func TestSecurity_OperatorNoticeRequiresRole(t *testing.T) {
	h := NewTestHarness(t)
	body := map[string]any{"level": "info", "message": "maintenance window"}

	resp := h.POST("/api/v1/operator/notices", body, h.GenerateToken(ProducerClaims("acme")))
	h.AssertStatus(t, resp, http.StatusForbidden)

	o := h.Connect()
	var out struct {
		Recipients int `json:"recipients"`
	}
	h.AssertJSON(t, h.POST("/api/v1/operator/notices", body, h.GenerateToken(OperatorClaims())), http.StatusOK, &out)
	if out.Recipients != 1 {
		t.Errorf("recipients = %d, want 1", out.Recipients)
	}

	f := o.Expect("notice")
	if f.Str("message") != "maintenance window" {
		t.Errorf("notice = %v", f)
	}
	if _, leaked := f["tenantId"]; leaked {
		t.Error("notice must not carry tenant data")
	}
}
