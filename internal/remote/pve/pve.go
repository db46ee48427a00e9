// Package pve implements remote.Client for Proxmox VE clusters.
//
// Importing the package registers the client for remote.TypePVE:
//
//	import _ "github.com/tasksync/tasksync/internal/remote/pve"
package pve

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"

	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/upid"
)

func init() {
	remote.Register(remote.TypePVE, New)
}

// Client is a PVE API client.
type Client struct {
	api *remote.HTTPClient
}

// New creates a client with the default transport settings.
func New(r remote.Remote) (remote.Client, error) {
	return NewWithConfig(r, remote.DefaultHTTPConfig())
}

// NewWithConfig creates a client with custom transport settings.
func NewWithConfig(r remote.Remote, config remote.HTTPConfig) (*Client, error) {
	if r.Type != remote.TypePVE {
		return nil, fmt.Errorf("%w: pve client for %s remote", remote.ErrUnsupportedType, r.Type)
	}

	auth := fmt.Sprintf("PVEAPIToken=%s=%s", r.AuthID, r.Token)
	api, err := remote.NewHTTPClient(r, auth, config)
	if err != nil {
		return nil, err
	}
	return &Client{api: api}, nil
}

type nodeIndexEntry struct {
	Node   string `json:"node"`
	Status string `json:"status,omitempty"`
}

// Nodes lists the cluster nodes, sorted by name.
func (c *Client) Nodes(ctx context.Context) ([]string, error) {
	var entries []nodeIndexEntry
	if err := c.api.Get(ctx, "/nodes", nil, &entries); err != nil {
		return nil, err
	}

	nodes := make([]string, 0, len(entries))
	for _, e := range entries {
		nodes = append(nodes, e.Node)
	}
	slices.Sort(nodes)
	return nodes, nil
}

// ListTasks lists archived (finished) tasks of node.
func (c *Client) ListTasks(ctx context.Context, node string, opts remote.ListOptions) ([]remote.Task, error) {
	query := map[string]string{
		"source": "archive",
		"since":  strconv.FormatInt(opts.Since, 10),
	}
	if opts.Limit > 0 {
		query["limit"] = strconv.Itoa(opts.Limit)
	}

	var tasks []remote.Task
	if err := c.api.Get(ctx, "/nodes/"+url.PathEscape(node)+"/tasks", query, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskStatus returns the status of a task. The node is taken from the UPID.
func (c *Client) TaskStatus(ctx context.Context, nativeUPID string) (*remote.TaskStatus, error) {
	native, err := upid.ParseNative(nativeUPID)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(native.Node), url.PathEscape(nativeUPID))
	var status remote.TaskStatus
	if err := c.api.Get(ctx, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
