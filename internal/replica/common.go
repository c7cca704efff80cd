package replica

// CommandOp tags a replicated command. Commands are opaque to the consensus
// machinery; the ops mirror the mutations the storage layer journals.
type CommandOp uint8

const (
	OpNop CommandOp = iota
	OpInsertNode
	OpUpdateNode
	OpDeleteNode
	OpInsertEdge
	OpDeleteEdge
)

// Command is one opaque replicated command.
type Command struct {
	Op   CommandOp
	Data []byte
}

// LogEntry is one slot of the replicated log. Entries are never reordered
// once appended.
type LogEntry struct {
	Term    uint64
	Index   uint64
	Command Command
}

// Consensus wire messages. They are transport-agnostic: the rpcx transport
// in this package is one carrier, tests deliver them in-process.

type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

type VoteResponse struct {
	Term        uint64
	VoteGranted bool
}

type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

type AppendResponse struct {
	Term    uint64
	Success bool
	// MatchIndex reports the follower's log length. On success the leader
	// advances the peer's bookkeeping to it; on failure it is the hint to
	// back up and retry from.
	MatchIndex uint64
}

// MessageType discriminates Message payloads.
type MessageType uint8

const (
	MsgRequestVote MessageType = iota + 1
	MsgVoteResponse
	MsgAppendEntries
	MsgAppendResponse
)

// Message is the tagged union used when consensus traffic flows through a
// single channel. Exactly one payload field is set, per Type. From carries
// the sender's node id so responses can be attributed for vote tallying and
// per-peer replication bookkeeping.
type Message struct {
	Type MessageType
	From string

	RequestVote *RequestVoteArgs
	Vote        *VoteResponse
	Append      *AppendEntriesArgs
	AppendResp  *AppendResponse
}
