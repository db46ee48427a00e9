package remote

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tasksync/tasksync/internal/upid"
)

// Type is the kind of a remote.
type Type string

const (
	// TypePVE is a Proxmox VE cluster.
	TypePVE Type = "pve"

	// TypePBS is a Proxmox Backup Server.
	TypePBS Type = "pbs"
)

// String returns the string representation of the remote type.
func (t Type) String() string {
	return string(t)
}

// ParseType parses a remote type name.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypePVE, TypePBS:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// DefaultPort returns the API port of the remote type.
func (t Type) DefaultPort() string {
	if t == TypePBS {
		return "8007"
	}
	return "8006"
}

// Remote is a configured remote.
type Remote struct {
	// ID is the unique name of the remote, used as prefix of remote UPIDs.
	ID string `toml:"id"`

	// Type is pve or pbs.
	Type Type `toml:"type"`

	// Nodes lists host URLs of the remote. The first one is used.
	Nodes []string `toml:"nodes"`

	// AuthID is the API token id, e.g. root@pam!tasksync.
	AuthID string `toml:"authid"`

	// Token is the API token secret.
	Token string `toml:"token"`

	// Fingerprint pins the SHA-256 fingerprint of the TLS certificate.
	Fingerprint string `toml:"fingerprint"`

	// RequestsPerSecond limits the request rate. Zero means unlimited.
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// Validate checks a remote entry for consistency.
func (r Remote) Validate() error {
	if !upid.ValidRemoteID(r.ID) {
		return fmt.Errorf("%w: invalid remote id %q", ErrInvalidConfig, r.ID)
	}
	if r.Type != TypePVE && r.Type != TypePBS {
		return fmt.Errorf("remote %s: %w: %q", r.ID, ErrUnsupportedType, r.Type)
	}
	if len(r.Nodes) == 0 {
		return fmt.Errorf("%w: remote %s has no nodes", ErrInvalidConfig, r.ID)
	}
	if r.AuthID == "" || r.Token == "" {
		return fmt.Errorf("%w: remote %s needs authid and token", ErrInvalidConfig, r.ID)
	}
	if r.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: remote %s has negative request rate", ErrInvalidConfig, r.ID)
	}
	if _, err := r.BaseURL(); err != nil {
		return err
	}
	return nil
}

// BaseURL returns the API root of the first node, e.g.
// https://pve1.example.com:8006/api2/json. Bare host names get the https
// scheme and the default port of the remote type.
func (r Remote) BaseURL() (string, error) {
	if len(r.Nodes) == 0 {
		return "", fmt.Errorf("%w: remote %s has no nodes", ErrInvalidConfig, r.ID)
	}

	raw := strings.TrimSpace(r.Nodes[0])
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: remote %s has invalid node url %q", ErrInvalidConfig, r.ID, r.Nodes[0])
	}
	if u.Port() == "" {
		u.Host = u.Host + ":" + r.Type.DefaultPort()
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api2/json"
	return u.String(), nil
}

// Task is an entry of a remote task list.
type Task struct {
	UPID      string `json:"upid"`
	StartTime int64  `json:"starttime"`
	EndTime   *int64 `json:"endtime,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Finished reports whether the remote reported an end time.
func (t Task) Finished() bool {
	return t.EndTime != nil
}

// TaskStatus is the status of a single remote task.
type TaskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus,omitempty"`
}

// Finished reports whether the task has an exit status.
func (s TaskStatus) Finished() bool {
	return s.ExitStatus != ""
}

// ListOptions restricts a task list request.
type ListOptions struct {
	// Since only returns tasks started at or after this epoch second.
	Since int64

	// Limit caps the number of returned tasks. Remotes return 50 tasks if
	// no limit is given.
	Limit int
}

// Client talks to the API of one remote.
type Client interface {
	// Nodes lists the nodes of the remote. PBS remotes have the single
	// node localhost.
	Nodes(ctx context.Context) ([]string, error)

	// ListTasks lists finished tasks of a node.
	ListTasks(ctx context.Context, node string, opts ListOptions) ([]Task, error)

	// TaskStatus returns the status of a task given its native UPID.
	TaskStatus(ctx context.Context, nativeUPID string) (*TaskStatus, error)
}
