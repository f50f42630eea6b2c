package configuration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Cray-HPE/boa/lib/cfsclient"
	"github.com/Cray-HPE/boa/lib/httpclient"
	"github.com/Cray-HPE/boa/lib/inventory"
	"github.com/Cray-HPE/boa/lib/status"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T, mux *http.ServeMux) (*Driver, func()) {
	srv := httptest.NewServer(mux)
	hc, err := httpclient.New(srv.URL)
	require.NoError(t, err)
	return New(cfsclient.New(hc)), srv.Close
}

func TestResolveConfigurationUsesExplicitName(t *testing.T) {
	d, closeFn := newTestDriver(t, http.NewServeMux())
	defer closeFn()

	name, err := d.ResolveConfiguration(context.Background(), Spec{Configuration: "site-config"})
	require.NoError(t, err)
	require.Equal(t, "site-config", name)
}

func TestResolveConfigurationReusesExistingMatch(t *testing.T) {
	var created bool
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/configurations", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]cfsclient.Configuration{
			{Name: "boa-old", Layers: []cfsclient.ConfigLayer{{CloneURL: "u", Playbook: "p", Branch: "main"}}},
		})
	})
	mux.HandleFunc("/v1/configurations/", func(w http.ResponseWriter, r *http.Request) {
		created = true
	})
	d, closeFn := newTestDriver(t, mux)
	defer closeFn()

	name, err := d.ResolveConfiguration(context.Background(), Spec{CloneURL: "u", Playbook: "p", Branch: "main"})
	require.NoError(t, err)
	require.Equal(t, "boa-old", name)
	require.False(t, created)
}

func TestResolveConfigurationCreatesFreshWhenNoMatch(t *testing.T) {
	var createdName string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/configurations", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]cfsclient.Configuration{})
	})
	mux.HandleFunc("/v1/configurations/", func(w http.ResponseWriter, r *http.Request) {
		createdName = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})
	d, closeFn := newTestDriver(t, mux)
	defer closeFn()

	name, err := d.ResolveConfiguration(context.Background(), Spec{CloneURL: "u", Playbook: "p"})
	require.NoError(t, err)
	require.Contains(t, name, namePrefix)
	require.Contains(t, createdName, name)
}

func TestWaitForConfigurationAllSucceed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/components", func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query().Get("ids")
		var out []cfsclient.Component
		for _, id := range splitIDs(ids) {
			out = append(out, cfsclient.Component{ID: id, ConfigurationStatus: "configured"})
		}
		json.NewEncoder(w).Encode(out)
	})
	d, closeFn := newTestDriver(t, mux)
	defer closeFn()

	phase := testPhase(t)
	nodes := inventory.NewNodeSet("n1", "n2")
	failed, err := d.WaitForConfiguration(context.Background(), nodes, phase, WaitParams{
		MaximumDuration: time.Second, CheckInterval: time.Millisecond, SuccessThreshold: 1.0,
	})
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestWaitForConfigurationExhaustsRetriesOnFailures(t *testing.T) {
	orig := sleep
	sleep = func(time.Duration) {}
	defer func() { sleep = orig }()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/components", func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query().Get("ids")
		var out []cfsclient.Component
		for _, id := range splitIDs(ids) {
			out = append(out, cfsclient.Component{ID: id, ConfigurationStatus: "failed"})
		}
		json.NewEncoder(w).Encode(out)
	})
	d, closeFn := newTestDriver(t, mux)
	defer closeFn()

	phase := testPhase(t)
	nodes := inventory.NewNodeSet("n1", "n2")
	failed, err := d.WaitForConfiguration(context.Background(), nodes, phase, WaitParams{
		MaximumDuration: time.Second, CheckInterval: time.Millisecond, SuccessThreshold: 1.0,
	})
	require.Error(t, err)
	require.ElementsMatch(t, []string{"n1", "n2"}, failed.Slice())
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func testPhase(t *testing.T) *status.PhaseStatus {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	hc, err := httpclient.New(srv.URL)
	require.NoError(t, err)
	r := status.New(hc)
	session, err := r.CreateOrReferenceSession(context.Background(), "session-1", []string{"bs-1"})
	require.NoError(t, err)
	bootSet, err := session.CreateOrReferenceBootSet(context.Background(), "bs-1")
	require.NoError(t, err)
	phase, err := bootSet.CreateOrReferencePhase(context.Background(), "configure", []string{"n1", "n2"})
	require.NoError(t, err)
	return phase
}
