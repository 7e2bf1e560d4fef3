package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/programrules/internal/config"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		Metadata: config.MetadataConfig{FixturePath: "../../metadata/testdata/fixture.yaml"},
		Notification: config.NotificationConfig{
			LogBackend:            config.LogBackendMemory,
			TemplateCacheCapacity: 100,
			TemplateCacheTTL:      time.Minute,
		},
	}

	a, err := buildApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ts := httptest.NewServer(NewServer(a, 10*time.Second))
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(data)
		}
	}

	resp, err := http.Post(url, "application/json", reader)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestEvaluateEnrollment(t *testing.T) {
	ts := newTestServer(t)

	t.Run("matching rules produce effects and annotations", func(t *testing.T) {
		resp, body := post(t, ts.URL+"/api/v1/enrollments/EN1/evaluate", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var result EvaluateResponse
		require.NoError(t, json.Unmarshal(body, &result))

		require.Len(t, result.Effects, 2)
		assert.Equal(t, "R1", result.Effects[0].RuleUID)
		assert.Equal(t, "SENDMESSAGE", result.Effects[0].Action)
		assert.Equal(t, "R2", result.Effects[1].RuleUID)

		require.Len(t, result.Annotations, 1)
		assert.Equal(t, "SHOWWARNING", result.Annotations[0].Action)
		assert.Equal(t, "Enrolled in a pilot district", result.Annotations[0].Content)
		assert.Empty(t, result.Errors)
	})

	t.Run("repeat evaluation still succeeds", func(t *testing.T) {
		resp, body := post(t, ts.URL+"/api/v1/enrollments/EN1/evaluate", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	})

	t.Run("no matching rules", func(t *testing.T) {
		resp, body := post(t, ts.URL+"/api/v1/enrollments/EN2/evaluate", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result EvaluateResponse
		require.NoError(t, json.Unmarshal(body, &result))
		assert.Empty(t, result.Effects)
		assert.Empty(t, result.Annotations)
	})

	t.Run("unknown enrollment", func(t *testing.T) {
		resp, body := post(t, ts.URL+"/api/v1/enrollments/NOPE/evaluate", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)

		var errResp ErrorResponse
		require.NoError(t, json.Unmarshal(body, &errResp))
		assert.Equal(t, "target not found", errResp.Error)
	})
}

func TestEvaluateEvent(t *testing.T) {
	ts := newTestServer(t)

	resp, body := post(t, ts.URL+"/api/v1/events/EV1/evaluate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result EvaluateResponse
	require.NoError(t, json.Unmarshal(body, &result))

	require.Len(t, result.Effects, 2)
	assert.Equal(t, "SCHEDULEMESSAGE", result.Effects[0].Action)
	assert.Equal(t, "2024-06-01", result.Effects[0].Data)

	require.Len(t, result.Annotations, 1)
	assert.Equal(t, "SETMANDATORYFIELD", result.Annotations[0].Action)
	assert.Equal(t, "qrur9Dvnyt5", result.Annotations[0].Field)
	assert.Equal(t, []string{"qrur9Dvnyt5"}, result.MandatoryFields)
	assert.Empty(t, result.HiddenFields)
}

func TestDescribe(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name        string
		body        any
		status      int
		description string
		valid       bool
	}{
		{
			name:        "valid condition",
			body:        DescribeRequest{Condition: "A{height} > C{Gfd3ppDfq8E}", ProgramUID: "IpHINAT79UW"},
			status:      http.StatusOK,
			description: "Height > Height threshold",
			valid:       true,
		},
		{
			name:   "invalid condition",
			body:   DescribeRequest{Condition: "A{height} >", ProgramUID: "IpHINAT79UW"},
			status: http.StatusOK,
		},
		{
			name:   "missing program",
			body:   DescribeRequest{Condition: "true"},
			status: http.StatusBadRequest,
		},
		{
			name:   "malformed json",
			body:   "{not json",
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, ts.URL+"/api/v1/describe", tt.body)
			require.Equal(t, tt.status, resp.StatusCode, string(body))
			if tt.status != http.StatusOK {
				return
			}

			var result DescribeResponse
			require.NoError(t, json.Unmarshal(body, &result))
			assert.Equal(t, tt.valid, result.Valid)
			if tt.valid {
				assert.Equal(t, tt.description, result.Description)
				assert.Empty(t, result.Error)
			} else {
				assert.NotEmpty(t, result.Error)
			}
		})
	}
}

func TestHealthInvalidateAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = post(t, ts.URL+"/api/v1/rules/invalidate", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := post(t, ts.URL+"/api/v1/enrollments/EN1/evaluate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	metrics, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(metrics), "programrules_pipeline_snapshot_rebuilds_total")
}

func TestSplitErrors(t *testing.T) {
	joined := errors.Join(errors.New("rule R1 action A1: boom"), errors.New("rule R2 action A2: bang"))
	assert.Equal(t, []string{"rule R1 action A1: boom", "rule R2 action A2: bang"}, splitErrors(joined))
	assert.Equal(t, []string{"single"}, splitErrors(errors.New("single")))
}
