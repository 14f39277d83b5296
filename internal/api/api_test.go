package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rfidgw/internal/ingest"
	"rfidgw/internal/metrics"
	"rfidgw/internal/state"
)

var testCreds = Credentials{Key: "reader-key", Secret: "s3cret"}

func newTestServer(t *testing.T) (*httptest.Server, *metrics.Registry) {
	t.Helper()
	m := metrics.NewRegistry()
	svc := ingest.NewService(state.NewInMemoryStore(), nil, nil, m, zap.NewNop())
	srv := httptest.NewServer(NewServer(svc, testCreds, 1024, m, zap.NewNop()).Routes())
	t.Cleanup(srv.Close)
	return srv, m
}

func do(t *testing.T, method, url, body string, auth func(*http.Request)) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if auth != nil {
		auth(req)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, []byte(buf.String())
}

func tokenAuth(key, secret string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "token "+key+":"+secret) }
}

func basicAuth(key, secret string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(key, secret) }
}

const readerPayload = `{"data": {"epc": "E2801160600002064C5A3F21", "timestamp": "2024-05-17T21:49:48.170Z", "antennaPort": 1, "peakRssiCdbm": -4000, "reader": {"hostname": "reader-01"}}}`

func TestIngest_TokenAuth(t *testing.T) {
	srv, m := newTestServer(t)
	resp, body := do(t, http.MethodPost, srv.URL+EventsPath, readerPayload, tokenAuth("reader-key", "s3cret"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var sum ingest.Summary
	require.NoError(t, json.Unmarshal(body, &sum))
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 0, sum.Duplicates)
	assert.Equal(t, 0, sum.Errors)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngressMessages.WithLabelValues(TransportHTTP)))

	resp, body = do(t, http.MethodPost, srv.URL+EventsPath, readerPayload, basicAuth("reader-key", "s3cret"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &sum))
	assert.Equal(t, 0, sum.Processed)
	assert.Equal(t, 1, sum.Duplicates)
}

func TestIngest_RejectsUnauthenticated(t *testing.T) {
	srv, m := newTestServer(t)
	for name, auth := range map[string]func(*http.Request){
		"none":         nil,
		"wrong secret": tokenAuth("reader-key", "nope"),
		"wrong key":    basicAuth("other", "s3cret"),
		"bearer":       func(r *http.Request) { r.Header.Set("Authorization", "Bearer reader-key:s3cret") },
	} {
		resp, _ := do(t, http.MethodPost, srv.URL+EventsPath, readerPayload, auth)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(m.IngestProcessed))
}

func TestIngest_UnsetKeyRejectsEverything(t *testing.T) {
	m := metrics.NewRegistry()
	svc := ingest.NewService(state.NewInMemoryStore(), nil, nil, m, zap.NewNop())
	srv := httptest.NewServer(NewServer(svc, Credentials{}, 0, m, zap.NewNop()).Routes())
	defer srv.Close()

	resp, _ := do(t, http.MethodPost, srv.URL+EventsPath, readerPayload, tokenAuth("", ""))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIngest_BadBodies(t *testing.T) {
	srv, m := newTestServer(t)
	for _, body := range []string{"", "{}", "[]", "not json", `{"epc":`} {
		resp, raw := do(t, http.MethodPost, srv.URL+EventsPath, body, tokenAuth("reader-key", "s3cret"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %q", body)
		assert.Contains(t, string(raw), "error")
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(m.IngestSkipped))

	big := `{"epc":"A","pad":"` + strings.Repeat("x", 2048) + `"}`
	resp, _ := do(t, http.MethodPost, srv.URL+EventsPath, big, tokenAuth("reader-key", "s3cret"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestAliasRoutesUseMessageEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := tokenAuth("reader-key", "s3cret")

	resp, body := do(t, http.MethodPost, srv.URL+EventsAliasPath, readerPayload, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ingested struct {
		Message ingest.Summary `json:"message"`
	}
	require.NoError(t, json.Unmarshal(body, &ingested))
	assert.Equal(t, 1, ingested.Message.Processed)

	resp, body = do(t, http.MethodGet, srv.URL+RaddecAliasPath+"?limit=5", "", auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Message []map[string]any `json:"message"`
	}
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed.Message, 1)
	assert.Equal(t, ingested.Message.ProcessedNames[0], listed.Message[0]["_docname"])
}

func TestRaddecQuery(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := tokenAuth("reader-key", "s3cret")
	_, _ = do(t, http.MethodPost, srv.URL+EventsPath, `[
		{"epc": "AA01", "timestamp": "2024-05-17T21:00:00Z", "reader": "r1"},
		{"epc": "AA02", "timestamp": "2024-05-17T21:10:00Z", "reader": "r1"},
		{"epc": "AA03", "timestamp": "2024-05-17T21:20:00Z", "reader": "r1"}
	]`, auth)

	resp, body := do(t, http.MethodGet, srv.URL+RaddecPath+"?limit=2", "", auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "aa03", got[0]["transmitterId"])
	assert.Equal(t, "aa02", got[1]["transmitterId"])

	resp, body = do(t, http.MethodGet, srv.URL+RaddecPath+"?since=2024-05-17+21:05:00", "", auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Len(t, got, 2)

	resp, _ = do(t, http.MethodGet, srv.URL+RaddecPath+"?limit=ten", "", auth)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+RaddecPath+"?since=yesterday", "", auth)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+RaddecPath, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOperationalEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "rfid_ingest_processed_total")
}

func TestRequestCredentials(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Token  k:s:x")
	key, secret, ok := requestCredentials(r)
	require.True(t, ok)
	assert.Equal(t, "k", key)
	assert.Equal(t, "s:x", secret)

	r.Header.Set("Authorization", "token keyonly")
	_, _, ok = requestCredentials(r)
	assert.False(t, ok)
}
