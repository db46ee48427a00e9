// Package pbs implements remote.Client for Proxmox Backup Server.
//
// A PBS remote is a single host; it is represented as one node named
// localhost. Importing the package registers the client for remote.TypePBS.
package pbs

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/tasksync/tasksync/internal/remote"
	"github.com/tasksync/tasksync/internal/upid"
)

func init() {
	remote.Register(remote.TypePBS, New)
}

// Client is a PBS API client.
type Client struct {
	api *remote.HTTPClient
}

// New creates a client with the default transport settings.
func New(r remote.Remote) (remote.Client, error) {
	return NewWithConfig(r, remote.DefaultHTTPConfig())
}

// NewWithConfig creates a client with custom transport settings.
func NewWithConfig(r remote.Remote, config remote.HTTPConfig) (*Client, error) {
	if r.Type != remote.TypePBS {
		return nil, fmt.Errorf("%w: pbs client for %s remote", remote.ErrUnsupportedType, r.Type)
	}

	auth := fmt.Sprintf("PBSAPIToken=%s:%s", r.AuthID, r.Token)
	api, err := remote.NewHTTPClient(r, auth, config)
	if err != nil {
		return nil, err
	}
	return &Client{api: api}, nil
}

// Nodes returns the single pseudo node of a PBS remote.
func (c *Client) Nodes(context.Context) ([]string, error) {
	return []string{upid.PBSNode}, nil
}

// ListTasks lists finished tasks. Running tasks reported by the server are
// dropped; they are picked up through tracking once they finish.
func (c *Client) ListTasks(ctx context.Context, _ string, opts remote.ListOptions) ([]remote.Task, error) {
	query := map[string]string{
		"since": strconv.FormatInt(opts.Since, 10),
	}
	if opts.Limit > 0 {
		query["limit"] = strconv.Itoa(opts.Limit)
	}

	var tasks []remote.Task
	if err := c.api.Get(ctx, "/nodes/"+upid.PBSNode+"/tasks", query, &tasks); err != nil {
		return nil, err
	}

	finished := tasks[:0]
	for _, t := range tasks {
		if t.Finished() {
			finished = append(finished, t)
		}
	}
	return finished, nil
}

// TaskStatus returns the status of a task.
func (c *Client) TaskStatus(ctx context.Context, nativeUPID string) (*remote.TaskStatus, error) {
	if _, err := upid.ParseNative(nativeUPID); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", upid.PBSNode, url.PathEscape(nativeUPID))
	var status remote.TaskStatus
	if err := c.api.Get(ctx, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
