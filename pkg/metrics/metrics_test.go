package metrics

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tcpin/pkg/core"
)

func TestCollectorExportsEveryCounter(t *testing.T) {
	stats := &core.Stats{}
	c := NewCollector(stats)
	assert.Equal(t, len(core.Counters()), testutil.CollectAndCount(c))

	c.SetConns(map[string]int{"ESTABLISHED": 2, "TIME_WAIT": 1})
	assert.Equal(t, len(core.Counters())+2, testutil.CollectAndCount(c))
}

func TestCollectorValues(t *testing.T) {
	stats := &core.Stats{}
	stats.Add(core.RcvTotal, 3)
	stats.Inc(core.ChallengeAckLimited)
	c := NewCollector(stats)
	c.SetConns(map[string]int{"ESTABLISHED": 2})

	expected := `
# HELP tcpin_rcvtotal_total Engine counter rcvtotal.
# TYPE tcpin_rcvtotal_total counter
tcpin_rcvtotal_total 3
# HELP tcpin_challengeack_limited_total Engine counter challengeack_limited.
# TYPE tcpin_challengeack_limited_total counter
tcpin_challengeack_limited_total 1
# HELP tcpin_connections Connections by TCP state.
# TYPE tcpin_connections gauge
tcpin_connections{state="ESTABLISHED"} 2
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"tcpin_rcvtotal_total", "tcpin_challengeack_limited_total", "tcpin_connections")
	require.NoError(t, err)
}

func TestNilStatsReadsZero(t *testing.T) {
	c := NewCollector(nil)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, NewRegistry(c)))
	assert.Contains(t, buf.String(), "tcpin_pawsdrop_total 0")
}

func TestHandler(t *testing.T) {
	stats := &core.Stats{}
	stats.Inc(core.PredDat)
	reg := NewRegistry(NewCollector(stats))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "tcpin_preddat_total 1")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
