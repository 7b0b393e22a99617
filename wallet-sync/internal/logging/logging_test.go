package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLoggerRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&log.JSONFormatter{})

	h := RequestLogger(logger.WithField("component", "http"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "/health", line["path"])
	assert.EqualValues(t, http.StatusTeapot, line["status"])
	assert.Equal(t, "warning", line["level"])
	assert.Equal(t, "http", line["component"])
}

func TestSetupFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("nonsense", "json", &buf)
	t.Cleanup(func() {
		Setup("info", "text", os.Stderr)
	})
	assert.Equal(t, log.InfoLevel, logger.GetLevel())

	For("orchestrator").Info("hello")
	assert.Contains(t, buf.String(), `"component":"orchestrator"`)
}
