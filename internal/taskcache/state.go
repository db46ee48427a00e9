package taskcache

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/tasksync/tasksync/internal/upid"
)

// NodeState is the persisted state of one node of a remote.
type NodeState struct {
	// Cutoff is the most recent start time recorded for this node. It is the
	// lower bound for the next fetch.
	Cutoff int64 `json:"cutoff"`
}

// RemoteState is the persisted state of one remote.
type RemoteState struct {
	NodeState map[string]NodeState `json:"node-state"`
}

// State is the content of the state file: per-node cutoffs and the set of
// tracked tasks.
type State struct {
	remoteState  map[string]RemoteState
	trackedTasks map[upid.RemoteUPID]struct{}
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		remoteState:  make(map[string]RemoteState),
		trackedTasks: make(map[upid.RemoteUPID]struct{}),
	}
}

type stateFile struct {
	RemoteState  map[string]RemoteState `json:"remote-state"`
	TrackedTasks []upid.RemoteUPID      `json:"tracked-tasks"`
}

// MarshalJSON implements json.Marshaler. Tracked tasks are written as a
// sorted list.
func (s *State) MarshalJSON() ([]byte, error) {
	tracked := s.TrackedTasks()
	if tracked == nil {
		tracked = []upid.RemoteUPID{}
	}
	return json.Marshal(stateFile{
		RemoteState:  s.remoteState,
		TrackedTasks: tracked,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}

	*s = *NewState()
	for remote, rs := range f.RemoteState {
		if rs.NodeState == nil {
			rs.NodeState = make(map[string]NodeState)
		}
		s.remoteState[remote] = rs
	}
	for _, u := range f.TrackedTasks {
		s.trackedTasks[u] = struct{}{}
	}
	return nil
}

// TrackedTasks returns the tracked tasks sorted by their text form.
func (s *State) TrackedTasks() []upid.RemoteUPID {
	tasks := slices.Collect(maps.Keys(s.trackedTasks))
	slices.SortFunc(tasks, func(a, b upid.RemoteUPID) int {
		return strings.Compare(a.String(), b.String())
	})
	return tasks
}

// IsTracked reports whether u is in the tracked set.
func (s *State) IsTracked(u upid.RemoteUPID) bool {
	_, ok := s.trackedTasks[u]
	return ok
}

// Cutoff returns the cutoff timestamp of a node, if one was recorded.
func (s *State) Cutoff(remote, node string) (int64, bool) {
	rs, ok := s.remoteState[remote]
	if !ok {
		return 0, false
	}
	ns, ok := rs.NodeState[node]
	if !ok {
		return 0, false
	}
	return ns.Cutoff, true
}

// Remotes returns the ids of all remotes with recorded state.
func (s *State) Remotes() []string {
	return slices.Sorted(maps.Keys(s.remoteState))
}

// Nodes returns the recorded nodes of remote.
func (s *State) Nodes(remote string) []string {
	return slices.Sorted(maps.Keys(s.remoteState[remote].NodeState))
}

func (s *State) addTrackedTask(u upid.RemoteUPID) {
	s.trackedTasks[u] = struct{}{}
}

func (s *State) removeTrackedTask(u upid.RemoteUPID) {
	delete(s.trackedTasks, u)
}

// updateCutoff raises the cutoff of a node to starttime. It never lowers it.
func (s *State) updateCutoff(remote, node string, starttime int64) {
	rs, ok := s.remoteState[remote]
	if !ok {
		rs = RemoteState{NodeState: make(map[string]NodeState)}
		s.remoteState[remote] = rs
	}
	ns, ok := rs.NodeState[node]
	if !ok || starttime > ns.Cutoff {
		ns.Cutoff = starttime
	}
	rs.NodeState[node] = ns
}

type nodeKey struct {
	remote string
	node   string
}

// NodeFetchSuccessMap records whether fetching a node of a remote succeeded
// in the current round. Only successful nodes get their cutoff advanced.
type NodeFetchSuccessMap struct {
	results map[nodeKey]bool
}

// NewNodeFetchSuccessMap returns an empty map.
func NewNodeFetchSuccessMap() *NodeFetchSuccessMap {
	return &NodeFetchSuccessMap{results: make(map[nodeKey]bool)}
}

// SetSuccess marks a node of a remote as successfully fetched.
func (m *NodeFetchSuccessMap) SetSuccess(remote, node string) {
	m.results[nodeKey{remote, node}] = true
}

// SetFailure marks a node of a remote as failed.
func (m *NodeFetchSuccessMap) SetFailure(remote, node string) {
	m.results[nodeKey{remote, node}] = false
}

// Successful reports whether a node was marked successful. Unknown nodes are
// not successful. A nil map has no successful nodes.
func (m *NodeFetchSuccessMap) Successful(remote, node string) bool {
	if m == nil {
		return false
	}
	return m.results[nodeKey{remote, node}]
}

// Merge copies all entries of other into m, overwriting existing ones.
func (m *NodeFetchSuccessMap) Merge(other *NodeFetchSuccessMap) {
	if other == nil {
		return
	}
	maps.Copy(m.results, other.results)
}

// Len returns the number of recorded nodes.
func (m *NodeFetchSuccessMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.results)
}
