// Package upid handles remote-qualified task identifiers.
//
// A UPID identifies one task execution on a remote. The remote encodes the
// originating node, process id, process start time and task start time into
// the UPID string. Two native formats exist:
//
//	PVE: UPID:<node>:<pid>:<pstart>:<starttime>:<type>:<id>:<user>:
//	PBS: UPID:<node>:<pid>:<pstart>:<taskid>:<starttime>:<type>:<id>:<user>:
//
// Numeric fields are hexadecimal. A RemoteUPID prefixes the native UPID with
// the remote id, separated by '!'.
package upid

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidUPID is returned when a native UPID cannot be parsed.
	ErrInvalidUPID = errors.New("invalid UPID")

	// ErrInvalidRemoteUPID is returned when a remote UPID is malformed or
	// carries an invalid remote id.
	ErrInvalidRemoteUPID = errors.New("invalid remote UPID")
)

// PBSNode is the node key used for all tasks of a PBS remote. PBS remotes
// are queried as a single pseudo node.
const PBSNode = "localhost"

var safeIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._\-]*$`)

// ValidRemoteID reports whether id is usable as a remote id.
func ValidRemoteID(id string) bool {
	return safeIDRegexp.MatchString(id)
}

// Kind is the flavour of a native UPID.
type Kind string

const (
	KindPVE Kind = "pve"
	KindPBS Kind = "pbs"
)

// RemoteUPID is a native UPID qualified with the remote it belongs to.
// The zero value is not a valid RemoteUPID. RemoteUPID is comparable and can
// be used as a map key.
type RemoteUPID struct {
	remote string
	upid   string
}

// New builds a RemoteUPID from a remote id and a native UPID string.
func New(remote, nativeUPID string) (RemoteUPID, error) {
	if !ValidRemoteID(remote) {
		return RemoteUPID{}, fmt.Errorf("%w: bad remote id %q", ErrInvalidRemoteUPID, remote)
	}
	if nativeUPID == "" {
		return RemoteUPID{}, fmt.Errorf("%w: empty UPID", ErrInvalidRemoteUPID)
	}
	return RemoteUPID{remote: remote, upid: nativeUPID}, nil
}

// MustNew is like New but panics on error. Intended for tests and constants.
func MustNew(remote, nativeUPID string) RemoteUPID {
	u, err := New(remote, nativeUPID)
	if err != nil {
		panic(err)
	}
	return u
}

// Parse parses the "<remote>!<upid>" text form.
func Parse(s string) (RemoteUPID, error) {
	remote, native, ok := strings.Cut(s, "!")
	if !ok {
		return RemoteUPID{}, fmt.Errorf("%w: missing '!' separator", ErrInvalidRemoteUPID)
	}
	return New(remote, native)
}

// Remote returns the remote id.
func (u RemoteUPID) Remote() string { return u.remote }

// UPID returns the native UPID string.
func (u RemoteUPID) UPID() string { return u.upid }

// IsZero reports whether u is the zero value.
func (u RemoteUPID) IsZero() bool { return u.remote == "" && u.upid == "" }

func (u RemoteUPID) String() string {
	return u.remote + "!" + u.upid
}

// MarshalText implements encoding.TextMarshaler.
func (u RemoteUPID) MarshalText() ([]byte, error) {
	if u.IsZero() {
		return nil, fmt.Errorf("%w: zero value", ErrInvalidRemoteUPID)
	}
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *RemoteUPID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Native parses the native part of the UPID.
func (u RemoteUPID) Native() (Native, error) {
	return ParseNative(u.upid)
}

// NodeKey returns the node name used to key per-node fetch state. For PVE
// this is the node embedded in the UPID; PBS remotes always use PBSNode.
func (u RemoteUPID) NodeKey() (string, error) {
	n, err := u.Native()
	if err != nil {
		return "", err
	}
	if n.Kind == KindPBS {
		return PBSNode, nil
	}
	return n.Node, nil
}

// Native is a parsed native UPID.
type Native struct {
	Kind       Kind
	Node       string
	PID        uint32
	PStart     uint64
	TaskID     uint32 // PBS only
	StartTime  int64
	WorkerType string
	WorkerID   string
	AuthID     string
}

// ParseNative parses a PVE or PBS UPID. The flavour is detected by the
// number of fields.
func ParseNative(s string) (Native, error) {
	if !strings.HasPrefix(s, "UPID:") || !strings.HasSuffix(s, ":") {
		return Native{}, fmt.Errorf("%w: %q", ErrInvalidUPID, s)
	}
	fields := strings.Split(strings.TrimSuffix(strings.TrimPrefix(s, "UPID:"), ":"), ":")

	var n Native
	var hex []string
	var rest []string
	switch len(fields) {
	case 7:
		n.Kind = KindPVE
		hex = fields[1:4]
		rest = fields[4:]
	case 8:
		n.Kind = KindPBS
		hex = fields[1:5]
		rest = fields[5:]
	default:
		return Native{}, fmt.Errorf("%w: unexpected field count %d in %q", ErrInvalidUPID, len(fields), s)
	}

	n.Node = fields[0]
	if n.Node == "" {
		return Native{}, fmt.Errorf("%w: empty node in %q", ErrInvalidUPID, s)
	}

	pid, err := strconv.ParseUint(hex[0], 16, 32)
	if err != nil {
		return Native{}, fmt.Errorf("%w: bad pid: %v", ErrInvalidUPID, err)
	}
	n.PID = uint32(pid)

	n.PStart, err = strconv.ParseUint(hex[1], 16, 64)
	if err != nil {
		return Native{}, fmt.Errorf("%w: bad pstart: %v", ErrInvalidUPID, err)
	}

	startHex := hex[2]
	if n.Kind == KindPBS {
		taskID, err := strconv.ParseUint(hex[2], 16, 32)
		if err != nil {
			return Native{}, fmt.Errorf("%w: bad task id: %v", ErrInvalidUPID, err)
		}
		n.TaskID = uint32(taskID)
		startHex = hex[3]
	}

	start, err := strconv.ParseInt(startHex, 16, 64)
	if err != nil {
		return Native{}, fmt.Errorf("%w: bad starttime: %v", ErrInvalidUPID, err)
	}
	n.StartTime = start

	n.WorkerType = rest[0]
	n.WorkerID = rest[1]
	n.AuthID = rest[2]
	if n.WorkerType == "" || n.AuthID == "" {
		return Native{}, fmt.Errorf("%w: missing worker type or user in %q", ErrInvalidUPID, s)
	}

	return n, nil
}

// String formats the native UPID back into its text form.
func (n Native) String() string {
	if n.Kind == KindPBS {
		return fmt.Sprintf("UPID:%s:%08X:%08X:%08X:%08X:%s:%s:%s:",
			n.Node, n.PID, n.PStart, n.TaskID, n.StartTime, n.WorkerType, n.WorkerID, n.AuthID)
	}
	return fmt.Sprintf("UPID:%s:%08X:%08X:%08X:%s:%s:%s:",
		n.Node, n.PID, n.PStart, n.StartTime, n.WorkerType, n.WorkerID, n.AuthID)
}
