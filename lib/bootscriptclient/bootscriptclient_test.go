package bootscriptclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Cray-HPE/boa/lib/httpclient"
	"github.com/Cray-HPE/boa/lib/inventory"
	"github.com/stretchr/testify/require"
)

func TestRegisterSplitsKnownAndUnknown(t *testing.T) {
	var puts []bootParameters

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bootparameters", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			json.NewEncoder(w).Encode([]hostList{{Hosts: []string{"n1"}}})
		case http.MethodPut:
			var p bootParameters
			require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
			puts = append(puts, p)
			w.WriteHeader(http.StatusOK)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := httpclient.New(srv.URL)
	require.NoError(t, err)

	reg := New(client)
	nodes := inventory.NewNodeSet("n1", "n2")
	err = reg.Register(context.Background(), nodes, "quiet", "kernel-url", "initrd-url")
	require.NoError(t, err)

	require.Len(t, puts, 2)
	var sawKnown, sawUnknown bool
	for _, p := range puts {
		if len(p.Hosts) == 1 && p.Hosts[0] == "n1" {
			sawKnown = true
		}
		if len(p.Hosts) == 1 && p.Hosts[0] == "n2" {
			sawUnknown = true
		}
		require.Equal(t, "quiet", p.Params)
		require.Equal(t, "kernel-url", p.Kernel)
		require.Equal(t, "initrd-url", p.Initrd)
	}
	require.True(t, sawKnown)
	require.True(t, sawUnknown)
}

func TestRegisterTreats404AsNoneKnown(t *testing.T) {
	var puts []bootParameters

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bootparameters", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			var p bootParameters
			require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
			puts = append(puts, p)
			w.WriteHeader(http.StatusOK)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := httpclient.New(srv.URL)
	require.NoError(t, err)

	reg := New(client)
	nodes := inventory.NewNodeSet("n1", "n2")
	err = reg.Register(context.Background(), nodes, "quiet", "kernel-url", "initrd-url")
	require.NoError(t, err)

	require.Len(t, puts, 1)
	require.ElementsMatch(t, []string{"n1", "n2"}, puts[0].Hosts)
}
