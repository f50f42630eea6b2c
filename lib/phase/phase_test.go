package phase

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Cray-HPE/boa/lib/artifact"
	"github.com/Cray-HPE/boa/lib/boaconfig"
	"github.com/Cray-HPE/boa/lib/boaerror"
	"github.com/Cray-HPE/boa/lib/bootscriptclient"
	"github.com/Cray-HPE/boa/lib/cfsclient"
	"github.com/Cray-HPE/boa/lib/configuration"
	"github.com/Cray-HPE/boa/lib/httpclient"
	"github.com/Cray-HPE/boa/lib/inventory"
	"github.com/Cray-HPE/boa/lib/power"
	"github.com/Cray-HPE/boa/lib/powerclient"
	"github.com/Cray-HPE/boa/lib/session"
	"github.com/Cray-HPE/boa/lib/statewaiter"
	"github.com/Cray-HPE/boa/lib/status"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/require"
)

// stateHandler serves the hardware state service's bulk {State,
// Enabled} query, reporting every requested node as Enabled and in
// state "Ready" (the fixture scenarios don't exercise Empty nodes).
func stateHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ComponentIDs []string `json:"ComponentIDs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		type comp struct {
			ID      string `json:"ID"`
			State   string `json:"State"`
			Enabled bool   `json:"Enabled"`
		}
		var resp struct {
			Components []comp `json:"Components"`
		}
		for _, id := range req.ComponentIDs {
			resp.Components = append(resp.Components, comp{ID: id, State: "Ready", Enabled: true})
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func baseConfig() *boaconfig.Config {
	return &boaconfig.Config{
		NodeStateCheckSleepInterval:   time.Millisecond,
		NodeStateCheckNumberOfRetries: 5,
		GracefulShutdownTimeout:       5 * time.Millisecond,
		ForcefulShutdownTimeout:       5 * time.Millisecond,
		GracefulShutdownPrewait:       time.Millisecond,
		PowerStatusFrequency:          time.Millisecond,
		CfsCompletionSleepInterval:    time.Millisecond,
		ConfigurationSuccessThreshold: 1.0,
		ConfigurationTimeout:          time.Second,
		ReadyDrainDuration:            5 * time.Millisecond,
		ReadyDrainInterval:            time.Millisecond,
		ReadyDrainSuccessThreshold:    1.0,
	}
}

func TestRunConfigureAllSucceed(t *testing.T) {
	statusMux := http.NewServeMux()
	statusMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	statusSrv := httptest.NewServer(statusMux)
	defer statusSrv.Close()
	statusHC, err := httpclient.New(statusSrv.URL)
	require.NoError(t, err)
	recorder := status.New(statusHC)

	hsmMux := http.NewServeMux()
	hsmMux.HandleFunc("/v1/State/Components/Query", stateHandler(t))
	hsmSrv := httptest.NewServer(hsmMux)
	defer hsmSrv.Close()
	hsmHC, err := httpclient.New(hsmSrv.URL)
	require.NoError(t, err)
	inv := inventory.New(hsmHC, "")

	cfsMux := http.NewServeMux()
	cfsMux.HandleFunc("/v1/components", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			ids := r.URL.Query().Get("ids")
			var out []cfsclient.Component
			for _, id := range splitCommaIDs(ids) {
				out = append(out, cfsclient.Component{ID: id, ConfigurationStatus: "configured"})
			}
			json.NewEncoder(w).Encode(out)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	cfsSrv := httptest.NewServer(cfsMux)
	defer cfsSrv.Close()
	cfsHC, err := httpclient.New(cfsSrv.URL)
	require.NoError(t, err)
	cfsDriver := configuration.New(cfsclient.New(cfsHC))

	sess, err := recorder.CreateOrReferenceSession(context.Background(), "sess-1", []string{"bs-1"})
	require.NoError(t, err)
	bootSetStatus, err := sess.CreateOrReferenceBootSet(context.Background(), "bs-1")
	require.NoError(t, err)

	sessionObj := &session.Session{
		SessionID: "sess-1",
		Operation: boaconfig.OperationConfigure,
		EnableCfs: true,
		Cfs:       &session.CfsSpec{Configuration: "site-config"},
		BootSets: map[string]session.BootSet{
			"bs-1": {NodeList: []string{"n1", "n2"}},
		},
	}

	exec := New(Deps{Inventory: inv, Configuration: cfsDriver}, baseConfig(), sessionObj, "bs-1", bootSetStatus)
	err = exec.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, exec.RerunCommand())
}

func TestRunShutdownAllNodesFailedIsNontransient(t *testing.T) {
	statusMux := http.NewServeMux()
	statusMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	statusSrv := httptest.NewServer(statusMux)
	defer statusSrv.Close()
	statusHC, err := httpclient.New(statusSrv.URL)
	require.NoError(t, err)
	recorder := status.New(statusHC)

	hsmMux := http.NewServeMux()
	hsmMux.HandleFunc("/v1/State/Components/Query", stateHandler(t))
	hsmSrv := httptest.NewServer(hsmMux)
	defer hsmSrv.Close()
	hsmHC, err := httpclient.New(hsmSrv.URL)
	require.NoError(t, err)
	inv := inventory.New(hsmHC, "")

	powerMux := http.NewServeMux()
	powerMux.HandleFunc("/v1/get_xname_status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(powerclient.Response{})
	})
	powerMux.HandleFunc("/v1/xname_off", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(powerclient.Response{})
	})
	powerSrv := httptest.NewServer(powerMux)
	defer powerSrv.Close()
	powerHC, err := httpclient.New(powerSrv.URL)
	require.NoError(t, err)
	powerCtl := power.New(powerclient.New(powerHC))

	sess, err := recorder.CreateOrReferenceSession(context.Background(), "sess-2", []string{"bs-1"})
	require.NoError(t, err)
	bootSetStatus, err := sess.CreateOrReferenceBootSet(context.Background(), "bs-1")
	require.NoError(t, err)

	sessionObj := &session.Session{
		SessionID:         "sess-2",
		SessionTemplateID: "tmpl-1",
		Operation:         boaconfig.OperationShutdown,
		BootSets: map[string]session.BootSet{
			"bs-1": {NodeList: []string{"nA", "nB"}},
		},
	}

	exec := New(Deps{Inventory: inv, Power: powerCtl}, baseConfig(), sessionObj, "bs-1", bootSetStatus)
	err = exec.Run(context.Background())
	require.Error(t, err)
	require.True(t, boaerror.IsNontransient(err))
	require.Contains(t, exec.RerunCommand(), "boa --session-template tmpl-1 --limit")
	require.Contains(t, exec.RerunCommand(), "nA")
	require.Contains(t, exec.RerunCommand(), "nB")
}

func TestRunRebootReadyDrainFailureStopsBeforeBoot(t *testing.T) {
	statusMux := http.NewServeMux()
	statusMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	statusSrv := httptest.NewServer(statusMux)
	defer statusSrv.Close()
	statusHC, err := httpclient.New(statusSrv.URL)
	require.NoError(t, err)
	recorder := status.New(statusHC)

	hsmMux := http.NewServeMux()
	// Every node reports Ready at every poll, so ready_drain's
	// invert-true wait for nodes to leave Ready never converges.
	hsmMux.HandleFunc("/v1/State/Components/Query", stateHandler(t))
	hsmSrv := httptest.NewServer(hsmMux)
	defer hsmSrv.Close()
	hsmHC, err := httpclient.New(hsmSrv.URL)
	require.NoError(t, err)
	inv := inventory.New(hsmHC, "")

	powerMux := http.NewServeMux()
	powerMux.HandleFunc("/v1/get_xname_status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(powerclient.Response{Off: []string{"nA"}})
	})
	powerMux.HandleFunc("/v1/xname_off", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(powerclient.Response{})
	})
	powerSrv := httptest.NewServer(powerMux)
	defer powerSrv.Close()
	powerHC, err := httpclient.New(powerSrv.URL)
	require.NoError(t, err)
	powerCtl := power.New(powerclient.New(powerHC))

	sess, err := recorder.CreateOrReferenceSession(context.Background(), "sess-reboot", []string{"bs-1"})
	require.NoError(t, err)
	bootSetStatus, err := sess.CreateOrReferenceBootSet(context.Background(), "bs-1")
	require.NoError(t, err)

	sessionObj := &session.Session{
		SessionID:         "sess-reboot",
		SessionTemplateID: "tmpl-reboot",
		Operation:         boaconfig.OperationReboot,
		BootSets: map[string]session.BootSet{
			"bs-1": {NodeList: []string{"nA"}},
		},
	}

	exec := New(Deps{Inventory: inv, Power: powerCtl, Waiter: statewaiter.New(inv)}, baseConfig(), sessionObj, "bs-1", bootSetStatus)
	err = exec.Run(context.Background())
	require.Error(t, err)
}

// fakeS3 embeds s3iface.S3API so it only needs to override the two
// calls the Resolver actually issues, mirroring
// lib/artifact/artifact_test.go's fake.
type fakeS3 struct {
	s3iface.S3API
	manifest []byte
}

func (f *fakeS3) HeadObject(*s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
	return &s3.HeadObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func (f *fakeS3) GetObject(*s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{Body: ioutil.NopCloser(bytes.NewReader(f.manifest))}, nil
}

func manifestJSON(t *testing.T) []byte {
	data, err := json.Marshal(map[string]interface{}{
		"artifacts": []map[string]interface{}{
			{"type": artifact.ContentTypeKernel, "link": map[string]string{"path": "s3://boot-images/img/kernel"}},
			{"type": artifact.ContentTypeInitrd, "link": map[string]string{"path": "s3://boot-images/img/initrd"}},
			{"type": artifact.ContentTypeRootfs, "link": map[string]string{"path": "s3://boot-images/img/rootfs", "etag": "r-etag"}},
		},
	})
	require.NoError(t, err)
	return data
}

func TestRunBootAllSucceed(t *testing.T) {
	statusMux := http.NewServeMux()
	statusMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	statusSrv := httptest.NewServer(statusMux)
	defer statusSrv.Close()
	statusHC, err := httpclient.New(statusSrv.URL)
	require.NoError(t, err)
	recorder := status.New(statusHC)

	hsmMux := http.NewServeMux()
	hsmMux.HandleFunc("/v1/State/Components/Query", stateHandler(t))
	hsmSrv := httptest.NewServer(hsmMux)
	defer hsmSrv.Close()
	hsmHC, err := httpclient.New(hsmSrv.URL)
	require.NoError(t, err)
	inv := inventory.New(hsmHC, "")

	powerMux := http.NewServeMux()
	powerMux.HandleFunc("/v1/get_xname_status", func(w http.ResponseWriter, r *http.Request) {
		// Nothing reported off: every target is already on, so boot
		// skips the power-on action entirely (spec.md §4.10).
		json.NewEncoder(w).Encode(powerclient.Response{})
	})
	powerSrv := httptest.NewServer(powerMux)
	defer powerSrv.Close()
	powerHC, err := httpclient.New(powerSrv.URL)
	require.NoError(t, err)
	powerCtl := power.New(powerclient.New(powerHC))

	bssMux := http.NewServeMux()
	bssMux.HandleFunc("/v1/bootparameters", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	bssSrv := httptest.NewServer(bssMux)
	defer bssSrv.Close()
	bssHC, err := httpclient.New(bssSrv.URL)
	require.NoError(t, err)
	bootScript := bootscriptclient.New(bssHC)

	artifacts, err := artifact.New(artifact.Config{S3: &fakeS3{manifest: manifestJSON(t)}})
	require.NoError(t, err)

	sess, err := recorder.CreateOrReferenceSession(context.Background(), "sess-3", []string{"bs-1"})
	require.NoError(t, err)
	bootSetStatus, err := sess.CreateOrReferenceBootSet(context.Background(), "bs-1")
	require.NoError(t, err)

	sessionObj := &session.Session{
		SessionID: "sess-3",
		Operation: boaconfig.OperationBoot,
		EnableCfs: false,
		BootSets: map[string]session.BootSet{
			"bs-1": {
				NodeList:       []string{"n1"},
				Path:           "s3://boot-images/img/manifest.json",
				Etag:           "etag",
				RootfsProvider: "cpss3",
			},
		},
	}

	exec := New(Deps{
		Inventory:  inv,
		Power:      powerCtl,
		Waiter:     statewaiter.New(inv),
		BootScript: bootScript,
		Artifacts:  artifacts,
	}, baseConfig(), sessionObj, "bs-1", bootSetStatus)

	err = exec.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, exec.RerunCommand())
}

func splitCommaIDs(s string) []string {
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
