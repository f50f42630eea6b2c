// Package cfsclient is the thin HTTP binding to the configuration
// service described in spec.md §4.9: batched desired-state PATCHes,
// component status GETs, configuration lookup/creation, and the
// service's clone-url/playbook defaults.
//
// Grounded on original_source/src/cray/boa/cfsclient.py's CfsClient
// (PATCH_BATCH_SIZE batching, get_components/get_default_clone_url),
// rewritten against lib/httpclient.Client.
package cfsclient

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/Cray-HPE/boa/lib/httpclient"
	"github.com/gravitational/trace"
)

// PatchBatchSize is the maximum number of component desired-state
// entries sent per PATCH (spec.md §4.9).
const PatchBatchSize = 1000

// ChunkSize is the maximum number of component IDs requested per
// status GET, to stay below the service's request-size limit
// (spec.md §4.9).
const ChunkSize = 25

// DesiredState is one component's desired configuration.
type DesiredState struct {
	CloneURL string `json:"cloneUrl,omitempty"`
	Playbook string `json:"playbook,omitempty"`
	Commit   string `json:"commit,omitempty"`
	Branch   string `json:"branch,omitempty"`
}

// ComponentPatch is one entry of the batched desired-state PATCH.
type ComponentPatch struct {
	ID           string       `json:"id"`
	Enabled      bool         `json:"enabled"`
	DesiredState DesiredState `json:"desiredState"`
	Tags         []string     `json:"tags,omitempty"`
}

// Component is the subset of a component status GET response BOA
// consumes.
type Component struct {
	ID                  string `json:"id"`
	ConfigurationStatus string `json:"configurationStatus"`
}

// Configuration is a single-layer configuration document.
type Configuration struct {
	Name   string        `json:"name"`
	Layers []ConfigLayer `json:"layers"`
}

// ConfigLayer is one layer of a Configuration.
type ConfigLayer struct {
	CloneURL string `json:"cloneUrl"`
	Playbook string `json:"playbook"`
	Commit   string `json:"commit,omitempty"`
	Branch   string `json:"branch,omitempty"`
}

// Options are the configuration service's operator-set defaults.
type Options struct {
	DefaultCloneURL string `json:"defaultCloneUrl"`
	DefaultPlaybook string `json:"defaultPlaybook"`
}

// Client talks to the configuration service's components/
// configurations/options endpoints.
type Client struct {
	client *httpclient.Client
}

// New returns a Client backed by client.
func New(client *httpclient.Client) *Client {
	return &Client{client: client}
}

// PatchDesiredState batches node IDs into PatchBatchSize-sized PATCH
// calls setting desiredState/enabled. It stops at the first batch that
// fails and returns that error; later batches are not sent.
func (c *Client) PatchDesiredState(ctx context.Context, nodeIDs []string, desired DesiredState, enabled bool) error {
	endpoint := c.client.Endpoint("components")
	for start := 0; start < len(nodeIDs); start += PatchBatchSize {
		end := start + PatchBatchSize
		if end > len(nodeIDs) {
			end = len(nodeIDs)
		}
		batch := make([]ComponentPatch, 0, end-start)
		for _, id := range nodeIDs[start:end] {
			batch = append(batch, ComponentPatch{ID: id, Enabled: enabled, DesiredState: desired})
		}
		if _, err := c.client.PatchJSON(ctx, endpoint, batch); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// GetComponents fetches the status of exactly the given IDs.
func (c *Client) GetComponents(ctx context.Context, ids []string) ([]Component, error) {
	params := url.Values{}
	params.Set("ids", strings.Join(ids, ","))
	out, err := c.client.Get(ctx, c.client.Endpoint("components"), params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var components []Component
	if err := json.Unmarshal(out.Bytes(), &components); err != nil {
		return nil, trace.Wrap(err)
	}
	return components, nil
}

// GetComponentsChunked fetches status for all of ids, split into
// ChunkSize-sized requests (spec.md §4.9 step 1).
func (c *Client) GetComponentsChunked(ctx context.Context, ids []string) ([]Component, error) {
	var all []Component
	for start := 0; start < len(ids); start += ChunkSize {
		end := start + ChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk, err := c.GetComponents(ctx, ids[start:end])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		all = append(all, chunk...)
	}
	return all, nil
}

// Options returns the configuration service's clone-url/playbook
// defaults.
func (c *Client) Options(ctx context.Context) (*Options, error) {
	out, err := c.client.Get(ctx, c.client.Endpoint("options"), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var opts Options
	if err := json.Unmarshal(out.Bytes(), &opts); err != nil {
		return nil, trace.Wrap(err)
	}
	return &opts, nil
}

// ListConfigurations returns every configuration known to the
// service, used by the reuse-if-possible search (spec.md §4.9).
func (c *Client) ListConfigurations(ctx context.Context) ([]Configuration, error) {
	out, err := c.client.Get(ctx, c.client.Endpoint("configurations"), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var configs []Configuration
	if err := json.Unmarshal(out.Bytes(), &configs); err != nil {
		return nil, trace.Wrap(err)
	}
	return configs, nil
}

// CreateConfiguration creates a new single-layer configuration.
func (c *Client) CreateConfiguration(ctx context.Context, config Configuration) error {
	endpoint := c.client.Endpoint("configurations", config.Name)
	_, err := c.client.PutJSON(ctx, endpoint, config)
	return trace.Wrap(err)
}
