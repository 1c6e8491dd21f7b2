// Package upstream implements the Upstream LDM-7 request/response server
// of spec.md §4.H: per-client subscribe/request_product/request_backlog/
// test_connection handling over a reliable byte stream, plus product
// publication onto the multicast group and the product-index map.
//
// Connection handling follows the teacher's accept-loop-plus-per-client-
// goroutine shape; cmd/ldm7-send calls Serve directly. The wire codec
// itself is internal/wire.
package upstream

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ldm7/ldm7"
	"github.com/ldm7/ldm7/internal/logging"
	"github.com/ldm7/ldm7/internal/mcast"
	"github.com/ldm7/ldm7/internal/pq"
	"github.com/ldm7/ldm7/internal/wire"
)

// ACL decides whether a client may subscribe to feed. Per-host ACL
// matching itself is an out-of-scope external collaborator (spec.md
// §1); this interface is the seam the upstream state machine calls
// into, per §4.H's "checks ACL" step.
type ACL interface {
	Allowed(clientAddr string, feed ldm7.FeedType) bool
}

// AllowAll is an ACL that admits every client to every feed, useful for
// tests and single-tenant deployments.
type AllowAll struct{}

// Allowed always returns true.
func (AllowAll) Allowed(string, ldm7.FeedType) bool { return true }

// clientState tracks one client connection's place in the §4.H state
// machine: Connected until a successful subscribe, Streaming after.
type clientState int32

const (
	stateConnected clientState = iota
	stateStreaming
)

// Server answers upstream LDM-7 RPCs for a single product queue and
// publishes products onto one multicast feed.
type Server struct {
	pq     *pq.PQ
	idxMap *pq.IndexMap
	sender mcast.Sender
	acl    ACL
	log    *logging.Logger

	mcastInfo  wire.McastInfo
	vcEndPoint wire.VcEndPoint

	// sendMu serializes multicast sends, matching §4.H's "multicast
	// send is a single writer".
	sendMu    sync.Mutex
	nextIndex atomic.Uint32

	metrics *ldm7.Metrics
}

// Config configures a new Server.
type Config struct {
	PQ            *pq.PQ
	IndexMap      *pq.IndexMap
	Sender        mcast.Sender
	ACL           ACL
	Logger        *logging.Logger
	MulticastInfo wire.McastInfo
	VCEndPoint    wire.VcEndPoint
	Metrics       *ldm7.Metrics
}

// NewServer constructs a Server from cfg, defaulting ACL to AllowAll and
// Logger to the package default if unset.
func NewServer(cfg Config) *Server {
	acl := cfg.ACL
	if acl == nil {
		acl = AllowAll{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = ldm7.NewMetrics()
	}
	return &Server{
		pq:         cfg.PQ,
		idxMap:     cfg.IndexMap,
		sender:     cfg.Sender,
		acl:        acl,
		log:        log,
		mcastInfo:  cfg.MulticastInfo,
		vcEndPoint: cfg.VCEndPoint,
		metrics:    metrics,
	}
}

// PublishProduct assigns the next product-index in send order, binds it
// to product's signature in the index map, and multicasts it. Matching
// §5's "the sender's product-index → signature map is updated in send
// order" ordering guarantee, the index bump, the map Put, and the send
// all happen under sendMu.
func (s *Server) PublishProduct(ctx context.Context, product ldm7.Product) (uint32, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	idx := s.nextIndex.Add(1) - 1
	if err := s.idxMap.Put(idx, product.Info.FeedType, product.Info.Signature); err != nil {
		return idx, err
	}
	frame := wire.MarshalProduct(wire.FromDomain(product))
	if err := s.sender.Send(ctx, idx, product.Info.FeedType, frame); err != nil {
		return idx, ldm7.WrapError("upstream.PublishProduct", ldm7.IO, err)
	}
	return idx, nil
}

// Serve accepts connections on ln until ctx is cancelled or Close is
// called on ln by the caller, handling each on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return ldm7.WrapError("upstream.Serve", ldm7.IO, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

type client struct {
	conn     net.Conn
	writeMu  sync.Mutex
	state    clientState
	feed     ldm7.FeedType
	addr     string
	firstSig ldm7.Signature
	haveSig  bool
}

func (c *client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteMessage(c.conn, v)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	c := &client{conn: conn, addr: conn.RemoteAddr().String(), state: stateConnected}
	log := s.log.With("peer", c.addr)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		op, msg, err := wire.ReadMessage(conn)
		if err != nil {
			log.Debug("connection closed", "err", err)
			return
		}

		switch op {
		case wire.OpSubscribe:
			s.handleSubscribe(c, msg.(wire.Subscribe), log)
		case wire.OpRequestProduct:
			if c.state != stateStreaming {
				log.Warn("request_product before subscribe")
				continue
			}
			s.handleRequestProduct(c, msg.(wire.RequestProduct), log)
		case wire.OpRequestBacklog:
			if c.state != stateStreaming {
				log.Warn("request_backlog before subscribe")
				continue
			}
			wg.Add(1)
			spec := msg.(wire.RequestBacklog)
			go func() {
				defer wg.Done()
				s.handleRequestBacklog(ctx, c, spec, log)
			}()
		case wire.OpTestConnection:
			if err := c.write(wire.TestConnection{}); err != nil {
				log.Debug("test_connection ack failed", "err", err)
				return
			}
		default:
			log.Warn("unexpected opcode from client", "opcode", op)
		}
	}
}

func (s *Server) handleSubscribe(c *client, sub wire.Subscribe, log *logging.Logger) {
	feed := ldm7.FeedType(sub.FeedType)
	if !s.acl.Allowed(c.addr, feed) {
		_ = c.write(wire.SubscriptionReply{Status: 1})
		log.Notice("subscribe rejected by ACL", "feed", feed)
		return
	}

	c.feed = feed
	c.state = stateStreaming

	reply := wire.SubscriptionReply{
		Status: 0,
		McastInfo: wire.McastInfo{
			Feed:         uint32(feed),
			GroupAddr:    s.mcastInfo.GroupAddr,
			FMTPSrvrAddr: s.mcastInfo.FMTPSrvrAddr,
		},
		VcEndPoint: s.vcEndPoint,
	}
	if err := c.write(reply); err != nil {
		log.Debug("subscription reply failed", "err", err)
		return
	}
	log.Info("client subscribed", "feed", feed)
}

func (s *Server) handleRequestProduct(c *client, req wire.RequestProduct, log *logging.Logger) {
	feed, sig, ok, err := s.idxMap.Get(req.ProductIndex)
	if err != nil {
		log.Warn("index map lookup failed", "idx", req.ProductIndex, "err", err)
		_ = c.write(wire.NotFound{ProductIndex: req.ProductIndex})
		return
	}
	if !ok || feed&c.feed == 0 {
		_ = c.write(wire.NotFound{ProductIndex: req.ProductIndex})
		return
	}

	product, found := s.pq.FindBySignature(sig)
	if !found {
		_ = c.write(wire.NotFound{ProductIndex: req.ProductIndex})
		return
	}

	msg := wire.DeliverMissedProduct{ProductIndex: req.ProductIndex, Product: wire.FromDomain(product)}
	if err := c.write(msg); err != nil {
		log.Debug("missed-product delivery failed", "err", err)
	}
}

// resolveWindowTime returns the arrival time of sig, or zero if sig is
// the zero signature or not currently in the queue. PQ.ForEach treats a
// zero bound as open, so an edge that has aged out of the queue leaves
// that side of the window unbounded rather than raising an error.
func (s *Server) resolveWindowTime(sig ldm7.Signature) time.Time {
	if sig.IsZero() {
		return time.Time{}
	}
	product, ok := s.pq.FindBySignature(sig)
	if !ok {
		return time.Time{}
	}
	return product.Info.ArrivalTime
}

func (s *Server) handleRequestBacklog(ctx context.Context, c *client, req wire.RequestBacklog, log *logging.Logger) {
	spec := req.Spec

	var after time.Time
	if spec.HasAfter {
		after = s.resolveWindowTime(spec.After)
	} else {
		after = time.Now().Add(-time.Duration(spec.TimeOffsetSeconds) * time.Second)
	}
	before := s.resolveWindowTime(spec.Before)

	class := ldm7.MatchClass{Feed: c.feed}
	n := 0
	outcome := s.pq.ForEach(class, after, before, func(info ldm7.ProductInfo, payload []byte) bool {
		if ctx.Err() != nil {
			return false
		}
		product := ldm7.Product{Info: info, Payload: payload}
		msg := wire.DeliverBacklogProduct{Product: wire.FromDomain(product)}
		if err := c.write(msg); err != nil {
			log.Debug("backlog product delivery failed", "err", err)
			return false
		}
		n++
		s.metrics.RecordBacklog()
		return true
	})
	if outcome == pq.OutcomeCorrupt {
		log.Error("backlog request against corrupt queue")
	}

	if err := c.write(wire.EndBacklog{}); err != nil {
		log.Debug("end_backlog failed", "err", err)
		return
	}
	log.Info("backlog delivered", "count", n)
}
