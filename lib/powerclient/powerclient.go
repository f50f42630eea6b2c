// Package powerclient is the thin HTTP binding to the vendor power
// controller (CAPMC-like) described in spec.md §4.7: a status query
// and an on/off action, each returning a vendor response subject to
// parse_response.
//
// Grounded on original_source/src/cray/boa/capmcclient.py's status/
// call functions, rewritten against lib/httpclient.Client.
package powerclient

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/Cray-HPE/boa/lib/boaerror"
	"github.com/Cray-HPE/boa/lib/httpclient"
	"github.com/Cray-HPE/boa/lib/inventory"
	"github.com/gravitational/trace"
)

// legacyNumericNodeName matches a bare NID-style numeric node name,
// which this controller refuses to operate on directly (spec.md
// §4.7: "refuses operation on legacy numeric node names").
var legacyNumericNodeName = regexp.MustCompile(`^[0-9]+$`)

// XnameError is one per-node error entry in a vendor response.
type XnameError struct {
	Xname  string `json:"xname"`
	Code   int    `json:"e"`
	ErrMsg string `json:"err_msg"`
}

// Response is the vendor power-action/status response shape (spec.md
// §4.7's parse_response input).
type Response struct {
	Code      int          `json:"e"`
	ErrMsg    string       `json:"err_msg"`
	Xnames    []XnameError `json:"xnames"`
	On        []string     `json:"on"`
	Off       []string     `json:"off"`
	Undefined []string     `json:"undefined"`
}

// Client talks to the power controller's get_xname_status and
// {prefix}_on/{prefix}_off endpoints.
type Client struct {
	client *httpclient.Client
}

// New returns a Client backed by client.
func New(client *httpclient.Client) *Client {
	return &Client{client: client}
}

// Status buckets nodes by power state, filtered by filterType (default
// "show_all" is the caller's responsibility).
func (c *Client) Status(ctx context.Context, nodes inventory.NodeSet, filterType string) (*Response, error) {
	body := map[string]interface{}{
		"filter": filterType,
		"xnames": nodes.Slice(),
	}
	out, err := c.client.PostJSON(ctx, c.client.Endpoint("get_xname_status"), body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	return &resp, nil
}

// Power issues the on/off action for nodes. force only applies to the
// off action; reason is carried through to the vendor payload for
// audit purposes.
func (c *Client) Power(ctx context.Context, nodes inventory.NodeSet, on bool, force bool, reason string) (*Response, error) {
	if len(nodes) == 0 {
		return &Response{}, nil
	}
	for _, id := range nodes.Slice() {
		if legacyNumericNodeName.MatchString(id) {
			return nil, boaerror.Nontransient("refusing power action on legacy numeric node name %q", id)
		}
	}

	action := "on"
	if !on {
		action = "off"
	}
	endpoint := c.client.Endpoint(strings.Join([]string{"xname", action}, "_"))

	body := map[string]interface{}{
		"reason": reason,
		"xnames": nodes.Slice(),
	}
	if !on {
		body["force"] = force
	}

	out, err := c.client.PostJSON(ctx, endpoint, body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	return &resp, nil
}
