// Package downstream implements the Downstream LDM-7 session of
// spec.md §4.I: the Idle→Connecting→Subscribed→Running→Stopping→Idle
// state machine and its four concurrent tasks, composed via
// internal/supervisor over internal/executor.
package downstream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ldm7/ldm7"
	"github.com/ldm7/ldm7/internal/executor"
	"github.com/ldm7/ldm7/internal/logging"
	"github.com/ldm7/ldm7/internal/mcast"
	"github.com/ldm7/ldm7/internal/missedq"
	"github.com/ldm7/ldm7/internal/pq"
	"github.com/ldm7/ldm7/internal/sessionmem"
	"github.com/ldm7/ldm7/internal/supervisor"
	"github.com/ldm7/ldm7/internal/wire"
)

// State is the session's position in §4.I's state machine.
type State int32

const (
	Idle State = iota
	Connecting
	Subscribed
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Dialer opens the control connection to the upstream server.
type Dialer func(ctx context.Context) (net.Conn, error)

// ReceiverFactory joins the multicast group described by info and
// returns a receiver for it.
type ReceiverFactory func(info wire.McastInfo) (mcast.Receiver, error)

// Config configures a Session.
type Config struct {
	Feed       ldm7.FeedType
	PeerName   string
	SessionDir string

	PQ *pq.PQ

	Dial          Dialer
	JoinMulticast ReceiverFactory

	MissedCapacity int
	RestartNap     time.Duration

	Logger  *logging.Logger
	Metrics *ldm7.Metrics
}

// Session is one downstream peer's connection to a single upstream
// feed, driving the full restart-capable state machine.
type Session struct {
	cfg Config
	log *logging.Logger

	mu    sync.Mutex
	state State
}

// New creates a Session from cfg, applying documented defaults:
// MissedCapacity 1024, RestartNap 60s.
func New(cfg Config) *Session {
	if cfg.MissedCapacity == 0 {
		cfg.MissedCapacity = 1024
	}
	if cfg.RestartNap == 0 {
		cfg.RestartNap = 60 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ldm7.NewMetrics()
	}
	return &Session{cfg: cfg, log: log.With("peer", cfg.PeerName)}
}

// State reports the session's current state machine position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session until ctx is cancelled: Idle→...→Stopping→Idle,
// retrying after RestartNap (interruptible by ctx) on any failure.
func (s *Session) Run(ctx context.Context) error {
	for {
		s.setState(Idle)
		if ctx.Err() != nil {
			return nil
		}

		err := s.runOnce(ctx)
		s.setState(Idle)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Warn("session cycle ended", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.RestartNap):
		}
	}
}

func (s *Session) runOnce(ctx context.Context) error {
	s.setState(Connecting)

	conn, err := s.cfg.Dial(ctx)
	if err != nil {
		return ldm7.WrapError("downstream.runOnce", ldm7.Refused, err)
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, wire.Subscribe{FeedType: uint32(s.cfg.Feed)}); err != nil {
		return ldm7.WrapError("downstream.runOnce", ldm7.IO, err)
	}
	op, msg, err := wire.ReadMessage(conn)
	if err != nil {
		return ldm7.WrapError("downstream.runOnce", ldm7.IO, err)
	}
	if op != wire.OpSubscriptionReply {
		return ldm7.NewError("downstream.runOnce", ldm7.Invalid, "expected subscription reply")
	}
	reply := msg.(wire.SubscriptionReply)
	if reply.Status != 0 {
		return ldm7.NewError("downstream.runOnce", ldm7.Refused, fmt.Sprintf("subscribe rejected, status=%d", reply.Status))
	}

	s.setState(Subscribed)
	receiver, err := s.cfg.JoinMulticast(reply.McastInfo)
	if err != nil {
		return ldm7.WrapError("downstream.runOnce", ldm7.IO, err)
	}
	defer receiver.Stop()

	feedName := s.cfg.Feed.String()
	mem, err := sessionmem.Open(s.cfg.SessionDir, s.cfg.PeerName, feedName)
	if err != nil {
		return ldm7.WrapError("downstream.runOnce", ldm7.IO, err)
	}
	defer mem.Close()

	prevLastMcast, havePrev := mem.GetLastMcast()

	missed := missedq.New(s.cfg.MissedCapacity)
	requested := missedq.New(s.cfg.MissedCapacity)
	defer missed.Shutdown()
	defer requested.Shutdown()

	rt := &runtime{
		sess:          s,
		conn:          conn,
		receiver:      receiver,
		mem:           mem,
		missed:        missed,
		requested:     requested,
		prevLastMcast: prevLastMcast,
		havePrev:      havePrev,
		firstMcastCh:  make(chan ldm7.Signature, 1),
		endBacklogCh:  make(chan struct{}),
	}

	s.setState(Running)
	sup := supervisor.New()
	handles := sup.StartTasks([]supervisor.Task{
		{Fn: rt.multicastReceiver, Halt: func() { receiver.Stop() }},
		{Fn: rt.missedRequester},
		{Fn: rt.unicastReceiver, Halt: func() { conn.Close() }},
		{Fn: rt.backlogRequester},
	})
	backlogHandle := handles[3]

	defer func() {
		s.setState(Stopping)
		sup.TerminateTasks()
	}()

	for {
		completionCh := make(chan executor.Future, 1)
		go func() { completionCh <- sup.WaitOnTasks() }()

		select {
		case <-ctx.Done():
			return nil
		case f := <-completionCh:
			if f.Handle == backlogHandle && f.Err == nil {
				continue
			}
			if f.Err != nil {
				return f.Err
			}
			return nil
		}
	}
}

// runtime holds the mutable, per-cycle state the four concurrent tasks
// share; it is discarded at the end of runOnce.
type runtime struct {
	sess      *Session
	conn      net.Conn
	receiver  mcast.Receiver
	mem       *sessionmem.Memory
	missed    *missedq.Queue
	requested *missedq.Queue

	prevLastMcast ldm7.Signature
	havePrev      bool

	writeMu sync.Mutex

	firstOnce    sync.Once
	firstMcastCh chan ldm7.Signature

	endBacklogOnce sync.Once
	endBacklogCh   chan struct{}
}

func (rt *runtime) write(v any) error {
	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	return wire.WriteMessage(rt.conn, v)
}

// multicastReceiver consumes FMTP-like deliveries, reserves a PQ region
// per product, streams the payload in, commits, records session
// memory, and reports any index gap to the missed queue.
func (rt *runtime) multicastReceiver(ctx context.Context) error {
	log := rt.sess.log

	onDeliver := func(d mcast.Delivery) {
		product, err := wire.UnmarshalProduct(d.Data)
		if err != nil {
			log.Warn("malformed multicast delivery", "idx", d.ProductIndex, "err", err)
			return
		}
		domain := product.ToDomain()

		region, err := rt.sess.cfg.PQ.Reserve(uint64(len(domain.Payload)))
		if err != nil {
			log.Warn("pq reserve failed", "idx", d.ProductIndex, "err", err)
			return
		}
		copy(region.Bytes(), domain.Payload)
		if err := region.Commit(domain.Info); err != nil {
			if !ldm7.IsCode(err, ldm7.Duplicate) {
				log.Warn("pq commit failed", "idx", d.ProductIndex, "err", err)
			}
			return
		}

		if err := rt.mem.SetLastMcast(domain.Info.Signature); err != nil {
			log.Warn("session memory update failed", "err", err)
		}

		rt.firstOnce.Do(func() { rt.firstMcastCh <- domain.Info.Signature })
	}

	onMissed := func(idx uint32) {
		if err := rt.missed.Push(idx); err != nil {
			log.Warn("missed queue push failed", "idx", idx, "err", err)
		}
	}

	if err := rt.receiver.Start(ctx, onDeliver, onMissed); err != nil {
		return ldm7.WrapError("downstream.multicastReceiver", ldm7.IO, err)
	}

	<-ctx.Done()
	return nil
}

// missedRequester pops a missed product-index, moves it to requested,
// and asks the upstream for it by unicast. Ordering across missed →
// requested is strict FIFO (spec.md §5).
func (rt *runtime) missedRequester(ctx context.Context) error {
	for {
		idx, err := rt.missed.PeekWait(ctx)
		if err != nil {
			if ldm7.IsCode(err, ldm7.Shutdown) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := rt.requested.Push(idx); err != nil {
			return err
		}
		if err := rt.missed.Remove(idx); err != nil {
			return err
		}

		if err := rt.write(wire.RequestProduct{ProductIndex: idx}); err != nil {
			return ldm7.WrapError("downstream.missedRequester", ldm7.IO, err)
		}
	}
}

// unicastReceiver reads deliver_missed_product / deliver_backlog_product
// / end_backlog frames off the control connection and installs them
// into the PQ, ignoring Duplicate.
func (rt *runtime) unicastReceiver(ctx context.Context) error {
	log := rt.sess.log
	for {
		op, msg, err := wire.ReadMessage(rt.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return ldm7.WrapError("downstream.unicastReceiver", ldm7.IO, err)
		}

		switch op {
		case wire.OpDeliverMissedProduct:
			m := msg.(wire.DeliverMissedProduct)
			head, ok := rt.requested.PeekedHead()
			if !ok || head != m.ProductIndex {
				return ldm7.NewError("downstream.unicastReceiver", ldm7.Logic, "missed delivery out of order, reconnecting")
			}
			_ = rt.requested.Remove(m.ProductIndex)
			if _, err := rt.sess.cfg.PQ.Insert(m.Product.ToDomain()); err != nil && !ldm7.IsCode(err, ldm7.Duplicate) {
				log.Warn("insert missed product failed", "idx", m.ProductIndex, "err", err)
			}
		case wire.OpDeliverBacklogProduct:
			m := msg.(wire.DeliverBacklogProduct)
			if _, err := rt.sess.cfg.PQ.Insert(m.Product.ToDomain()); err != nil && !ldm7.IsCode(err, ldm7.Duplicate) {
				log.Warn("insert backlog product failed", "err", err)
			}
		case wire.OpNotFound:
			m := msg.(wire.NotFound)
			if head, ok := rt.requested.PeekedHead(); ok && head == m.ProductIndex {
				_ = rt.requested.Remove(m.ProductIndex)
			}
			log.Notice("requested product not found upstream", "idx", m.ProductIndex)
		case wire.OpEndBacklog:
			rt.endBacklogOnce.Do(func() { close(rt.endBacklogCh) })
		default:
			log.Warn("unexpected opcode from upstream", "opcode", op)
		}
	}
}

// backlogRequester is a one-shot task: it waits for the first
// multicast-received product, builds the backlog window, and asks the
// upstream to replay it.
func (rt *runtime) backlogRequester(ctx context.Context) error {
	var firstSig ldm7.Signature
	select {
	case firstSig = <-rt.firstMcastCh:
	case <-ctx.Done():
		return nil
	}

	spec := wire.BacklogSpec{
		Before:            firstSig,
		TimeOffsetSeconds: uint32(3600),
	}
	if rt.havePrev {
		spec.HasAfter = true
		spec.After = rt.prevLastMcast
	}

	if err := rt.write(wire.RequestBacklog{Spec: spec}); err != nil {
		return ldm7.WrapError("downstream.backlogRequester", ldm7.IO, err)
	}

	select {
	case <-rt.endBacklogCh:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Handle identifies a supervised task; re-exported for callers that
// need to correlate a supervisor.Supervisor's futures externally.
type Handle = executor.Handle
