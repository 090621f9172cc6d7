package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Reconciled(PathID)
	m.SendFailed(ReasonSend)
	m.StaleResult("timeline")
	m.ChannelEvent("connect")
	m.SetUnread(3)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.Reconciled(PathContent)
	m.Reconciled(PathContent)
	m.Reconciled(PathAppend)
	m.SendFailed(ReasonUpload)
	m.StaleResult("directory")
	m.SetUnread(7)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			key := family.GetName()
			for _, label := range metric.GetLabel() {
				key += "/" + label.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				values[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[key] = metric.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 2.0, values["chatsync_reconciled_total/content"])
	assert.Equal(t, 1.0, values["chatsync_reconciled_total/append"])
	assert.Equal(t, 1.0, values["chatsync_send_failures_total/upload"])
	assert.Equal(t, 1.0, values["chatsync_stale_results_total/directory"])
	assert.Equal(t, 7.0, values["chatsync_unread_total"])
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ChannelEvent("message:received")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `chatsync_channel_events_total{event="message:received"} 1`), text)
	assert.Contains(t, text, "chatsync_unread_total 0")
}
