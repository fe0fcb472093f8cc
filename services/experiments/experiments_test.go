// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianExperiments/pkg/extensions"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/auth"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/datatypes"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/jobs"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "experiments-test-secret-0123456789ab"

func newTestService(t *testing.T) (*service, string) {
	t.Helper()
	svc, err := New(Config{
		GinMode: gin.TestMode,
		Auth:    auth.JWTConfig{Secret: testSecret, Issuer: "experiments-test"},
		Users:   []datatypes.User{{ID: "u_1", Email: "ada@example.com", Name: "Ada"}},
		Worker:  jobs.WorkerConfig{RetryDelay: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	issuer, err := auth.NewJWTProvider(auth.JWTConfig{Secret: testSecret, Issuer: "experiments-test"})
	require.NoError(t, err)
	token, err := issuer.Issue(extensions.AuthInfo{
		UserID:         "u_1",
		Email:          "ada@example.com",
		Name:           "Ada",
		OrganizationID: "org_a",
		Role:           "admin",
	}, time.Hour)
	require.NoError(t, err)
	return svc.(*service), token
}

func call(t *testing.T, h http.Handler, method, path, token, body string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	out := map[string]any{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{})
	assert.Equal(t, 12220, cfg.Port)
	assert.Equal(t, gin.ReleaseMode, cfg.GinMode)
	assert.True(t, cfg.Store.InMemory)
	assert.Equal(t, 256, cfg.QueueSize)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 90, cfg.DefaultAnalysisDays)

	kept := applyConfigDefaults(Config{Port: 9000, DefaultAnalysisDays: 30})
	assert.Equal(t, 9000, kept.Port)
	assert.Equal(t, 30, kept.DefaultAnalysisDays)
}

func TestNew_Failures(t *testing.T) {
	_, err := New(Config{GinMode: gin.TestMode, Auth: auth.JWTConfig{Secret: "short"}})
	assert.ErrorContains(t, err, "auth")

	_, err = New(Config{GinMode: gin.TestMode, PolicyFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorContains(t, err, "role policy")

	_, err = New(Config{GinMode: gin.TestMode, Users: []datatypes.User{{Email: "no-id@example.com"}}})
	assert.ErrorContains(t, err, "without id")
}

func TestNew_PolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles:\n  viewer: []\n  admin: [\"*\"]\n"), 0o600))

	svc, err := New(Config{GinMode: gin.TestMode, PolicyFile: path})
	require.NoError(t, err)
	defer svc.Close()
	assert.NotNil(t, svc.(*service).watcher)
}

func TestService_Unauthenticated(t *testing.T) {
	s, _ := newTestService(t)

	code, body := call(t, s.Router(), "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["message"])

	code, _ = call(t, s.Router(), "GET", "/v1/metrics", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = call(t, s.Router(), "POST", "/event/sdk-1", "", `{"event_name":"signup"}`)
	assert.Equal(t, http.StatusOK, code)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aleutian_experiments_track_accepted_total")
	assert.Contains(t, w.Body.String(), "aleutian_experiments_http_requests_total")
}

func TestService_MetricLifecycle(t *testing.T) {
	s, token := newTestService(t)
	r := s.Router()

	code, body := call(t, r, "POST", "/v1/datasources", token,
		`{"name":"warehouse","type":"postgres","settings":{"host":"db","database":"events","user":"ro","password":"hunter2"}}`)
	require.Equal(t, http.StatusOK, code, body)
	ds := body["datasource"].(map[string]any)
	dsID := ds["id"].(string)
	assert.NotContains(t, ds["settings"].(map[string]any), "password")

	code, body = call(t, r, "POST", "/v1/metric", token,
		`{"name":"Signups","type":"binomial","datasource":"`+dsID+`","sql":"SELECT user_id, timestamp FROM signups","status":"archived","owner":"mallory"}`)
	require.Equal(t, http.StatusOK, code, body)
	metricID := body["metric"].(map[string]any)["id"].(string)

	code, _ = call(t, r, "PUT", "/v1/metric/"+metricID, token, `{"description":"All signups"}`)
	require.Equal(t, http.StatusOK, code)

	code, body = call(t, r, "GET", "/v1/metric/"+metricID, token, "")
	require.Equal(t, http.StatusOK, code)
	m := body["metric"].(map[string]any)
	assert.Equal(t, "Signups", m["name"])
	assert.Equal(t, "All signups", m["description"])
	assert.Equal(t, "Ada", m["owner"])
	assert.Equal(t, "active", m["status"])

	require.NoError(t, s.audit.Flush(context.Background()))
	code, body = call(t, r, "GET", "/v1/history/metric/"+metricID, token, "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["events"], 2)

	code, _ = call(t, r, "DELETE", "/v1/metric/"+metricID, token, "")
	require.Equal(t, http.StatusOK, code)
	code, body = call(t, r, "GET", "/v1/metric/"+metricID, token, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, float64(404), body["status"])
}

func TestService_AutoMetricsJob(t *testing.T) {
	s, token := newTestService(t)
	r := s.Router()

	code, body := call(t, r, "POST", "/v1/datasources", token,
		`{"name":"warehouse","type":"postgres","settings":{"host":"db","database":"events","user":"ro"}}`)
	require.Equal(t, http.StatusOK, code, body)
	dsID := body["datasource"].(map[string]any)["id"].(string)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.worker.Start(ctx))

	code, body = call(t, r, "POST", "/v1/auto-metrics", token,
		`{"datasourceId":"`+dsID+`","metricsToCreate":[`+
			`{"name":"Purchase","sql":"SELECT 1","type":"binomial"},`+
			`{"name":"Purchase Count","sql":"SELECT 2","type":"count"},`+
			`{"name":"Signup","sql":"SELECT 3","type":"binomial","exists":true}]}`)
	require.Equal(t, http.StatusOK, code, body)

	assert.Eventually(t, func() bool {
		_, body := call(t, r, "GET", "/v1/metrics", token, "")
		metrics, _ := body["metrics"].([]any)
		return len(metrics) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestService_RunStopsOnCancel(t *testing.T) {
	svc, err := New(Config{GinMode: gin.TestMode, Port: 18731})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
