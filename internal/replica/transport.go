package replica

import (
	"context"
	"sync"

	rpcx_client "github.com/smallnest/rpcx/client"
	"github.com/smallnest/rpcx/log"
	"github.com/smallnest/rpcx/protocol"
	"github.com/smallnest/rpcx/server"
)

func init() {
	log.SetDummyLogger()
}

// ServiceName is the rpcx service under which consensus handlers register.
const ServiceName = "Replica"

// Transport carries consensus messages to peers. An RPC failure is reported
// as ok=false and treated like a dropped packet.
type Transport interface {
	SendRequestVote(peer string, args *RequestVoteArgs) (*VoteResponse, bool)
	SendAppendEntries(peer string, args *AppendEntriesArgs) (*AppendResponse, bool)
	Close()
}

// ConsensusService exposes a ReplicaSet's handlers over rpcx.
type ConsensusService struct {
	rs *ReplicaSet
}

func NewConsensusService(rs *ReplicaSet) *ConsensusService {
	return &ConsensusService{rs: rs}
}

func (s *ConsensusService) RequestVote(ctx context.Context, args *RequestVoteArgs, reply *VoteResponse) error {
	*reply = *s.rs.HandleRequestVote(args)
	return nil
}

func (s *ConsensusService) AppendEntries(ctx context.Context, args *AppendEntriesArgs, reply *AppendResponse) error {
	*reply = *s.rs.HandleAppendEntries(args)
	return nil
}

type RpcxServer struct {
	Addr string
	serv *server.Server
}

func MakeRpcxServer(addr string) *RpcxServer {
	return &RpcxServer{
		Addr: addr,
		serv: server.NewServer(),
	}
}

func (s *RpcxServer) Register(obj interface{}) error {
	return s.serv.RegisterName(ServiceName, obj, "")
}

// RegisterService exposes an additional rpcx service on the same listener.
func (s *RpcxServer) RegisterService(name string, obj interface{}) error {
	return s.serv.RegisterName(name, obj, "")
}

// Start serves until Stop is called. It blocks.
func (s *RpcxServer) Start() error {
	return s.serv.Serve("tcp", s.Addr)
}

func (s *RpcxServer) Stop() {
	_ = s.serv.Close()
}

// ClientEnd is one outgoing rpcx connection to a peer replica.
type ClientEnd struct {
	Addr   string
	client rpcx_client.XClient
}

func MakeClientEnd(addr string) *ClientEnd {
	d, err := rpcx_client.NewPeer2PeerDiscovery("tcp@"+addr, "")
	if err != nil {
		return nil
	}
	option := rpcx_client.DefaultOption
	option.SerializeType = protocol.MsgPack
	cli := rpcx_client.NewXClient(ServiceName, rpcx_client.Failfast, rpcx_client.RoundRobin, d, option)
	return &ClientEnd{Addr: addr, client: cli}
}

func (ce *ClientEnd) Call(method string, args interface{}, reply interface{}) bool {
	if err := ce.client.Call(context.Background(), method, args, reply); err != nil {
		return false
	}
	return true
}

func (ce *ClientEnd) Close() {
	if ce.client != nil {
		ce.client.Close()
	}
}

// RPCTransport reaches peers over rpcx client ends, creating them lazily and
// caching them per address.
type RPCTransport struct {
	mu   sync.Mutex
	ends map[string]*ClientEnd
}

func NewRPCTransport() *RPCTransport {
	return &RPCTransport{ends: make(map[string]*ClientEnd)}
}

func (t *RPCTransport) end(peer string) *ClientEnd {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ce, ok := t.ends[peer]; ok {
		return ce
	}
	ce := MakeClientEnd(peer)
	if ce != nil {
		t.ends[peer] = ce
	}
	return ce
}

func (t *RPCTransport) SendRequestVote(peer string, args *RequestVoteArgs) (*VoteResponse, bool) {
	ce := t.end(peer)
	if ce == nil {
		return nil, false
	}
	reply := &VoteResponse{}
	if !ce.Call("RequestVote", args, reply) {
		return nil, false
	}
	return reply, true
}

func (t *RPCTransport) SendAppendEntries(peer string, args *AppendEntriesArgs) (*AppendResponse, bool) {
	ce := t.end(peer)
	if ce == nil {
		return nil, false
	}
	reply := &AppendResponse{}
	if !ce.Call("AppendEntries", args, reply) {
		return nil, false
	}
	return reply, true
}

func (t *RPCTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ce := range t.ends {
		ce.Close()
	}
	t.ends = make(map[string]*ClientEnd)
}
