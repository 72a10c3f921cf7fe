package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vimeo/leaderwatch/entry"
	"github.com/vimeo/leaderwatch/metrics"
)

type fakeElection struct {
	leader  bool
	info    *entry.LeaderInfo
	session entry.SessionID
}

func (f *fakeElection) IsLeader() bool { return f.leader }

func (f *fakeElection) LeaderInfo() (entry.LeaderInfo, bool) {
	if f.info == nil {
		return entry.LeaderInfo{}, false
	}
	return *f.info, true
}

func (f *fakeElection) Session() (entry.SessionID, bool) {
	return f.session, f.session != ""
}

func (f *fakeElection) Leading() <-chan struct{} {
	ch := make(chan struct{})
	if f.leader {
		close(ch)
	}
	return ch
}

func serve(t *testing.T, el election, reg *prometheus.Registry, path string) *httptest.ResponseRecorder {
	t.Helper()
	router := newRouter(el, reg, zap.NewNop())
	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	router.ServeHTTP(w, req)
	return w
}

func TestGetLeader(t *testing.T) {
	reg := prometheus.NewRegistry()

	w := serve(t, &fakeElection{}, reg, "/leader")
	assert.Equal(t, http.StatusNotFound, w.Code)

	el := &fakeElection{info: &entry.LeaderInfo{ID: "api-2", Address: "10.1.2.3", Port: 9090, Service: "api"}}
	w = serve(t, el, reg, "/leader")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Leader   entry.LeaderInfo `json:"leader"`
		HostPort string           `json:"host_port"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "api-2", resp.Leader.ID)
	assert.Equal(t, "api", resp.Leader.Service)
	assert.Equal(t, "10.1.2.3:9090", resp.HostPort)
}

func TestGetLeadership(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, tbl := range []struct {
		name       string
		el         *fakeElection
		path       string
		wantCode   int
		wantLeader bool
	}{
		{name: "follower", el: &fakeElection{session: "s1"}, path: "/leadership", wantCode: http.StatusOK},
		{name: "leader", el: &fakeElection{leader: true, session: "s1"}, path: "/leadership", wantCode: http.StatusOK, wantLeader: true},
		{name: "follower_wait", el: &fakeElection{session: "s1"}, path: "/leadership?wait=10ms", wantCode: http.StatusOK},
		{name: "leader_wait", el: &fakeElection{leader: true}, path: "/leadership?wait=1h", wantCode: http.StatusOK, wantLeader: true},
		{name: "bad_wait", el: &fakeElection{}, path: "/leadership?wait=soon", wantCode: http.StatusBadRequest},
	} {
		tbl := tbl
		t.Run(tbl.name, func(t *testing.T) {
			w := serve(t, tbl.el, reg, tbl.path)
			require.Equal(t, tbl.wantCode, w.Code)
			if tbl.wantCode != http.StatusOK {
				return
			}
			var resp struct {
				Leader  bool   `json:"leader"`
				Session string `json:"session"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tbl.wantLeader, resp.Leader)
			assert.Equal(t, string(tbl.el.session), resp.Session)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, prometheus.Labels{"key": "service/api/leader"})
	m.SetLeader(true)
	m.Acquire(metrics.ResultWon)

	w := serve(t, &fakeElection{}, reg, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `leaderwatch_election_is_leader{key="service/api/leader"} 1`)
	assert.Contains(t, body, "leaderwatch_election_acquire_attempts_total")
}

func TestNewLogger(t *testing.T) {
	log, err := newLogger("debug", "console", "api")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))

	_, err = newLogger("loud", "json", "api")
	assert.Error(t, err)
}
