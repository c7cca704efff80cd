package replica

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Driver owns the clocks of one replica: it watches the election timeout,
// runs elections, and broadcasts replication rounds while the replica leads.
// The ReplicaSet itself stays free of goroutines so it can be driven
// deterministically in tests.
type Driver struct {
	rs        *ReplicaSet
	transport Transport
	log       *logrus.Logger

	dead   int32
	stopCh chan struct{}
}

func NewDriver(rs *ReplicaSet, transport Transport, logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Driver{
		rs:        rs,
		transport: transport,
		log:       logger,
		stopCh:    make(chan struct{}),
	}
}

// Run starts the election and heartbeat loops. It returns immediately.
func (d *Driver) Run() {
	go d.electionLoop()
	go d.heartbeatLoop()
}

func (d *Driver) Kill() {
	if atomic.CompareAndSwapInt32(&d.dead, 0, 1) {
		close(d.stopCh)
	}
}

func (d *Driver) killed() bool {
	return atomic.LoadInt32(&d.dead) == 1
}

func (d *Driver) electionLoop() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !d.killed() {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if d.rs.ElectionTimeoutElapsed() {
				d.runElection()
			}
		}
	}
}

func (d *Driver) runElection() {
	args := d.rs.StartElection()
	for _, peer := range d.rs.config.Peers {
		go func(peer string) {
			resp, ok := d.transport.SendRequestVote(peer, args)
			if !ok || d.killed() {
				return
			}
			if d.rs.RecordVote(peer, resp) {
				// Won: assert leadership before any follower times out.
				d.broadcastAppends()
			}
		}(peer)
	}
}

func (d *Driver) heartbeatLoop() {
	interval := time.Duration(d.rs.config.HeartbeatIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for !d.killed() {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if d.rs.IsLeader() {
				d.broadcastAppends()
			}
		}
	}
}

// broadcastAppends sends one replication round to every peer. Heartbeats are
// just rounds with no outstanding entries.
func (d *Driver) broadcastAppends() {
	for _, peer := range d.rs.config.Peers {
		go func(peer string) {
			args := d.rs.MakeAppendEntries(peer)
			if args == nil {
				return
			}
			resp, ok := d.transport.SendAppendEntries(peer, args)
			if !ok || d.killed() {
				return
			}
			d.rs.HandleAppendResponse(peer, resp)
		}(peer)
	}
}
