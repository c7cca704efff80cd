package replica

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotLeader = errors.New("replica: not the leader")
)

// State is the consensus role of a replica.
type State int32

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Config carries the identity and timing parameters of one replica.
type Config struct {
	NodeID               string   `json:"node_id"`
	Peers                []string `json:"peers"`
	ElectionTimeoutMinMs int      `json:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs int      `json:"election_timeout_max_ms"`
	HeartbeatIntervalMs  int      `json:"heartbeat_interval_ms"`
}

func DefaultConfig() Config {
	return Config{
		NodeID:               uuid.New().String(),
		ElectionTimeoutMinMs: 150,
		ElectionTimeoutMaxMs: 300,
		HeartbeatIntervalMs:  50,
	}
}

func (c *Config) fillDefaults() {
	if c.NodeID == "" {
		c.NodeID = uuid.New().String()
	}
	if c.ElectionTimeoutMinMs <= 0 {
		c.ElectionTimeoutMinMs = 150
	}
	if c.ElectionTimeoutMaxMs <= c.ElectionTimeoutMinMs {
		c.ElectionTimeoutMaxMs = c.ElectionTimeoutMinMs * 2
	}
	if c.HeartbeatIntervalMs <= 0 {
		c.HeartbeatIntervalMs = 50
	}
}

// ReplicaSet is the per-node consensus state machine. It is purely reactive:
// it never spawns goroutines or touches the network. A Driver (or a test)
// feeds it messages and timer events; every method is safe for concurrent use
// under the single internal mutex.
type ReplicaSet struct {
	mu     sync.RWMutex
	config Config
	log    *logrus.Logger

	state       State
	currentTerm uint64
	votedFor    string
	entries     []LogEntry

	commitIndex uint64
	lastApplied uint64

	// leader bookkeeping, valid only while state == Leader
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	// candidate bookkeeping, cleared whenever the term changes
	votesGranted map[string]bool

	leaderID        string
	lastHeartbeat   time.Time
	electionTimeout time.Duration
	rnd             *rand.Rand

	persister *Persister
}

// NewReplicaSet builds a replica in the Follower state. persister may be nil,
// in which case term and vote survive only for the process lifetime. If the
// persister holds a previous hard state it is restored before any message is
// handled.
func NewReplicaSet(config Config, persister *Persister, logger *logrus.Logger) *ReplicaSet {
	config.fillDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rs := &ReplicaSet{
		config:       config,
		log:          logger,
		state:        Follower,
		nextIndex:    make(map[string]uint64),
		matchIndex:   make(map[string]uint64),
		votesGranted: make(map[string]bool),
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
		persister:    persister,
	}
	if persister != nil {
		if term, votedFor, ok := persister.ReadHardState(); ok {
			rs.currentTerm = term
			rs.votedFor = votedFor
			logger.Infof("replica %s restored hard state: term=%d votedFor=%q",
				config.NodeID, term, votedFor)
		}
	}
	rs.resetElectionClockLocked()
	return rs
}

func (rs *ReplicaSet) NodeID() string { return rs.config.NodeID }

func (rs *ReplicaSet) State() State {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.state
}

func (rs *ReplicaSet) Term() uint64 {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.currentTerm
}

func (rs *ReplicaSet) IsLeader() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.state == Leader
}

// Leader returns the node id of the last known leader, or "" if unknown.
func (rs *ReplicaSet) Leader() string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.leaderID
}

func (rs *ReplicaSet) CommitIndex() uint64 {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.commitIndex
}

func (rs *ReplicaSet) clusterSize() int { return len(rs.config.Peers) + 1 }

func (rs *ReplicaSet) majority() int { return rs.clusterSize()/2 + 1 }

func (rs *ReplicaSet) lastLogInfoLocked() (index, term uint64) {
	if n := len(rs.entries); n > 0 {
		return rs.entries[n-1].Index, rs.entries[n-1].Term
	}
	return 0, 0
}

// adoptTermLocked steps into a newer term as a follower, forgetting any vote
// and tally from the old one.
func (rs *ReplicaSet) adoptTermLocked(term uint64) {
	rs.currentTerm = term
	rs.votedFor = ""
	rs.votesGranted = make(map[string]bool)
	rs.state = Follower
	rs.persistLocked()
}

// persistLocked saves term and vote before any response that reflects them
// leaves this node.
func (rs *ReplicaSet) persistLocked() {
	if rs.persister == nil {
		return
	}
	if err := rs.persister.SaveHardState(rs.currentTerm, rs.votedFor); err != nil {
		rs.log.Errorf("replica %s: persist hard state: %v", rs.config.NodeID, err)
	}
}

func (rs *ReplicaSet) resetElectionClockLocked() {
	rs.lastHeartbeat = time.Now()
	min := rs.config.ElectionTimeoutMinMs
	max := rs.config.ElectionTimeoutMaxMs
	rs.electionTimeout = time.Duration(min+rs.rnd.Intn(max-min)) * time.Millisecond
}

// ElectionTimeoutElapsed reports whether this replica has gone without valid
// leader contact for longer than its randomized election timeout. Leaders
// never time out.
func (rs *ReplicaSet) ElectionTimeoutElapsed() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.state == Leader {
		return false
	}
	return time.Since(rs.lastHeartbeat) > rs.electionTimeout
}

// StartElection moves to Candidate in a fresh term, votes for itself, and
// returns the RequestVote arguments to broadcast.
func (rs *ReplicaSet) StartElection() *RequestVoteArgs {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.currentTerm++
	rs.state = Candidate
	rs.votedFor = rs.config.NodeID
	rs.votesGranted = map[string]bool{rs.config.NodeID: true}
	rs.persistLocked()
	rs.resetElectionClockLocked()

	// a single-node cluster wins on its own vote
	if len(rs.votesGranted) >= rs.majority() {
		rs.becomeLeaderLocked()
	}

	lastIndex, lastTerm := rs.lastLogInfoLocked()
	rs.log.Infof("replica %s: starting election for term %d", rs.config.NodeID, rs.currentTerm)
	return &RequestVoteArgs{
		Term:         rs.currentTerm,
		CandidateID:  rs.config.NodeID,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
}

// HandleRequestVote applies the vote rules: one vote per term, granted only
// to candidates whose log is at least as up to date as ours.
func (rs *ReplicaSet) HandleRequestVote(args *RequestVoteArgs) *VoteResponse {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if args.Term > rs.currentTerm {
		rs.adoptTermLocked(args.Term)
	}

	granted := false
	if args.Term == rs.currentTerm && (rs.votedFor == "" || rs.votedFor == args.CandidateID) {
		lastIndex, lastTerm := rs.lastLogInfoLocked()
		upToDate := args.LastLogTerm > lastTerm ||
			(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)
		if upToDate {
			rs.votedFor = args.CandidateID
			rs.persistLocked()
			rs.resetElectionClockLocked()
			granted = true
		}
	}
	rs.log.Debugf("replica %s: vote request from %s term=%d granted=%v",
		rs.config.NodeID, args.CandidateID, args.Term, granted)
	return &VoteResponse{Term: rs.currentTerm, VoteGranted: granted}
}

// RecordVote tallies one VoteResponse from peer. It returns true exactly when
// this response completed a majority and the replica became leader. Stale and
// duplicate responses are ignored; a response from a newer term demotes us.
func (rs *ReplicaSet) RecordVote(peer string, resp *VoteResponse) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if resp.Term > rs.currentTerm {
		rs.adoptTermLocked(resp.Term)
		return false
	}
	if rs.state != Candidate || resp.Term < rs.currentTerm || !resp.VoteGranted {
		return false
	}
	rs.votesGranted[peer] = true
	if len(rs.votesGranted) >= rs.majority() {
		rs.becomeLeaderLocked()
		return true
	}
	return false
}

func (rs *ReplicaSet) becomeLeaderLocked() {
	rs.state = Leader
	rs.leaderID = rs.config.NodeID
	last, _ := rs.lastLogInfoLocked()
	for _, peer := range rs.config.Peers {
		rs.nextIndex[peer] = last + 1
		rs.matchIndex[peer] = 0
	}
	rs.log.Infof("replica %s: became leader for term %d", rs.config.NodeID, rs.currentTerm)
}

// AppendCommand appends a command to the leader's log and returns its index
// and the term it was proposed in. The entry is replicated by subsequent
// MakeAppendEntries rounds and is only committed once a majority
// acknowledges it. A caller waiting for the command to commit must also
// verify, via CommittedEntryTerm, that the entry at the returned index still
// carries the returned term: a deposed leader's slot can be overwritten by a
// newer leader, in which case the original command was discarded.
func (rs *ReplicaSet) AppendCommand(cmd Command) (uint64, uint64, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.state != Leader {
		return 0, 0, ErrNotLeader
	}
	index := uint64(len(rs.entries)) + 1
	rs.entries = append(rs.entries, LogEntry{Term: rs.currentTerm, Index: index, Command: cmd})
	return index, rs.currentTerm, nil
}

// CommittedEntryTerm returns the term of the committed entry at index, or
// ok=false when index is not yet committed.
func (rs *ReplicaSet) CommittedEntryTerm(index uint64) (uint64, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if index == 0 || index > rs.commitIndex {
		return 0, false
	}
	return rs.entries[index-1].Term, true
}

// MakeAppendEntries builds the replication (or heartbeat) message for peer,
// carrying every entry from the peer's nextIndex onward. Returns nil when not
// leader.
func (rs *ReplicaSet) MakeAppendEntries(peer string) *AppendEntriesArgs {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.state != Leader {
		return nil
	}
	next := rs.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	var prevTerm uint64
	if prevIndex > 0 && prevIndex <= uint64(len(rs.entries)) {
		prevTerm = rs.entries[prevIndex-1].Term
	}
	var entries []LogEntry
	if next <= uint64(len(rs.entries)) {
		entries = make([]LogEntry, len(rs.entries[next-1:]))
		copy(entries, rs.entries[next-1:])
	}
	return &AppendEntriesArgs{
		Term:         rs.currentTerm,
		LeaderID:     rs.config.NodeID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: rs.commitIndex,
	}
}

// HandleAppendEntries applies a leader's replication message. A message from
// the current or a newer term is authoritative: it resets the election clock
// and demotes a candidate. The continuity check rejects entries whose
// predecessor is missing or disagrees on term; the reported MatchIndex then
// tells the leader where to back up to.
func (rs *ReplicaSet) HandleAppendEntries(args *AppendEntriesArgs) *AppendResponse {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if args.Term < rs.currentTerm {
		return &AppendResponse{Term: rs.currentTerm, Success: false, MatchIndex: 0}
	}
	if args.Term > rs.currentTerm {
		rs.adoptTermLocked(args.Term)
	}
	rs.state = Follower
	rs.leaderID = args.LeaderID
	rs.resetElectionClockLocked()

	logLen := uint64(len(rs.entries))
	if args.PrevLogIndex > 0 {
		if args.PrevLogIndex > logLen {
			return &AppendResponse{Term: rs.currentTerm, Success: false, MatchIndex: logLen}
		}
		if rs.entries[args.PrevLogIndex-1].Term != args.PrevLogTerm {
			rs.entries = rs.entries[:args.PrevLogIndex-1]
			return &AppendResponse{
				Term: rs.currentTerm, Success: false, MatchIndex: uint64(len(rs.entries)),
			}
		}
	}

	for _, e := range args.Entries {
		if e.Index <= uint64(len(rs.entries)) {
			if rs.entries[e.Index-1].Term == e.Term {
				continue
			}
			rs.entries = rs.entries[:e.Index-1]
		}
		rs.entries = append(rs.entries, e)
	}

	if args.LeaderCommit > rs.commitIndex {
		rs.commitIndex = minU64(args.LeaderCommit, uint64(len(rs.entries)))
	}
	return &AppendResponse{
		Term: rs.currentTerm, Success: true, MatchIndex: uint64(len(rs.entries)),
	}
}

// HandleAppendResponse updates the leader's per-peer bookkeeping and advances
// the commit index when a majority of match indexes cover an entry from the
// current term.
func (rs *ReplicaSet) HandleAppendResponse(peer string, resp *AppendResponse) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if resp.Term > rs.currentTerm {
		rs.adoptTermLocked(resp.Term)
		return
	}
	if rs.state != Leader || resp.Term < rs.currentTerm {
		return
	}

	if !resp.Success {
		rs.nextIndex[peer] = resp.MatchIndex + 1
		return
	}
	if resp.MatchIndex > rs.matchIndex[peer] {
		rs.matchIndex[peer] = resp.MatchIndex
	}
	rs.nextIndex[peer] = rs.matchIndex[peer] + 1

	for n := uint64(len(rs.entries)); n > rs.commitIndex; n-- {
		if rs.entries[n-1].Term != rs.currentTerm {
			break
		}
		count := 1
		for _, m := range rs.matchIndex {
			if m >= n {
				count++
			}
		}
		if count >= rs.majority() {
			rs.commitIndex = n
			break
		}
	}
}

// ProcessMessage dispatches a tagged consensus message and returns the reply
// to send back, or nil for messages that produce none.
func (rs *ReplicaSet) ProcessMessage(msg *Message) *Message {
	switch msg.Type {
	case MsgRequestVote:
		resp := rs.HandleRequestVote(msg.RequestVote)
		return &Message{Type: MsgVoteResponse, From: rs.config.NodeID, Vote: resp}
	case MsgAppendEntries:
		resp := rs.HandleAppendEntries(msg.Append)
		return &Message{Type: MsgAppendResponse, From: rs.config.NodeID, AppendResp: resp}
	case MsgVoteResponse:
		rs.RecordVote(msg.From, msg.Vote)
		return nil
	case MsgAppendResponse:
		rs.HandleAppendResponse(msg.From, msg.AppendResp)
		return nil
	default:
		rs.log.Warnf("replica %s: unknown message type %d", rs.config.NodeID, msg.Type)
		return nil
	}
}

// GetUnappliedEntries returns a copy of the committed entries that have not
// yet been handed to the state machine.
func (rs *ReplicaSet) GetUnappliedEntries() []LogEntry {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.lastApplied >= rs.commitIndex {
		return nil
	}
	out := make([]LogEntry, rs.commitIndex-rs.lastApplied)
	copy(out, rs.entries[rs.lastApplied:rs.commitIndex])
	return out
}

// MarkApplied records that entries up to and including index have been
// applied. It never moves past the commit index or backwards.
func (rs *ReplicaSet) MarkApplied(index uint64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if index > rs.lastApplied && index <= rs.commitIndex {
		rs.lastApplied = index
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
