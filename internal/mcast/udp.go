package mcast

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/ldm7/ldm7"
)

// frameHeaderSize is [product-index uint32][feed uint32][payload length uint32].
const frameHeaderSize = 12

// maxDatagramSize bounds a single UDP multicast datagram; products
// larger than this are expected to already have been fragmented by the
// caller using distinct product-indices per fragment, matching §4.G's
// "each product-index is delivered at most once per session" contract
// rather than requiring this transport to fragment internally.
const maxDatagramSize = 1 << 16

// UDPSender multicasts products over a UDP socket joined to a
// multicast group address.
type UDPSender struct {
	conn        *net.UDPConn
	retxTimeout time.Duration
}

// NewUDPSender dials a UDP socket toward groupAddr ("ip:port"). The ttl
// argument is accepted but not applied to the socket: datagrams go out
// with the operating system's default multicast time-to-live.
func NewUDPSender(groupAddr string, ttl int, retxTimeout time.Duration) (*UDPSender, error) {
	addr, err := net.ResolveUDPAddr("udp", groupAddr)
	if err != nil {
		return nil, ldm7.WrapError("mcast.NewUDPSender", ldm7.Invalid, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, ldm7.WrapError("mcast.NewUDPSender", ldm7.IO, err)
	}
	// Per-packet TTL is normally set via golang.org/x/net/ipv4's
	// PacketConn, which is outside this retrieval pack's stack; ttl is
	// accepted here as a documented extension point for that binding.
	_ = ttl
	return &UDPSender{conn: conn, retxTimeout: retxTimeout}, nil
}

// Send writes one framed datagram: [idx][feed][len][payload].
func (s *UDPSender) Send(ctx context.Context, idx uint32, feed ldm7.FeedType, data []byte) error {
	if len(data) > maxDatagramSize-frameHeaderSize {
		return ldm7.NewError("mcast.UDPSender.Send", ldm7.TooBig, "payload exceeds one datagram")
	}
	buf := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[0:4], idx)
	binary.BigEndian.PutUint32(buf[4:8], uint32(feed))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(data)))
	copy(buf[frameHeaderSize:], data)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.retxTimeout)
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if _, err := s.conn.Write(buf); err != nil {
		return ldm7.WrapError("mcast.UDPSender.Send", ldm7.IO, err)
	}
	return nil
}

// Close closes the underlying socket.
func (s *UDPSender) Close() error {
	if err := s.conn.Close(); err != nil {
		return ldm7.WrapError("mcast.UDPSender.Close", ldm7.IO, err)
	}
	return nil
}

// UDPReceiver joins a multicast group and decodes framed deliveries,
// reporting a gap in product-indices as missed.
type UDPReceiver struct {
	conn     *net.UDPConn
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewUDPReceiver joins groupAddr on the given interface (nil selects
// the default).
func NewUDPReceiver(groupAddr string, iface *net.Interface) (*UDPReceiver, error) {
	addr, err := net.ResolveUDPAddr("udp", groupAddr)
	if err != nil {
		return nil, ldm7.WrapError("mcast.NewUDPReceiver", ldm7.Invalid, err)
	}
	conn, err := net.ListenMulticastUDP("udp", iface, addr)
	if err != nil {
		return nil, ldm7.WrapError("mcast.NewUDPReceiver", ldm7.IO, err)
	}
	_ = conn.SetReadBuffer(4 << 20)
	return &UDPReceiver{conn: conn, stopCh: make(chan struct{}), doneCh: make(chan struct{})}, nil
}

// Start begins the receive loop on a new goroutine. onDeliver and
// onMissed are invoked from that goroutine, never concurrently.
func (r *UDPReceiver) Start(ctx context.Context, onDeliver DeliveryFunc, onMissed MissedFunc) error {
	go r.loop(ctx, onDeliver, onMissed)
	return nil
}

func (r *UDPReceiver) loop(ctx context.Context, onDeliver DeliveryFunc, onMissed MissedFunc) {
	defer close(r.doneCh)
	var lastIdx uint32
	haveLast := false
	buf := make([]byte, maxDatagramSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := r.conn.Read(buf)
		if err != nil {
			continue // read timeout or transient error; re-check stop/ctx
		}
		if n < frameHeaderSize {
			continue
		}
		idx := binary.BigEndian.Uint32(buf[0:4])
		feed := ldm7.FeedType(binary.BigEndian.Uint32(buf[4:8]))
		length := int(binary.BigEndian.Uint32(buf[8:12]))
		if frameHeaderSize+length > n {
			continue
		}
		payload := make([]byte, length)
		copy(payload, buf[frameHeaderSize:frameHeaderSize+length])

		if haveLast && idx > lastIdx+1 {
			for missed := lastIdx + 1; missed < idx; missed++ {
				onMissed(missed)
			}
		}
		lastIdx = idx
		haveLast = true

		onDeliver(Delivery{ProductIndex: idx, FeedType: feed, Data: payload, IsStart: true, IsEnd: true})
	}
}

// Stop signals the receive loop to exit and waits for it to finish.
func (r *UDPReceiver) Stop() error {
	close(r.stopCh)
	<-r.doneCh
	if err := r.conn.Close(); err != nil {
		return ldm7.WrapError("mcast.UDPReceiver.Stop", ldm7.IO, err)
	}
	return nil
}

var (
	_ Sender   = (*UDPSender)(nil)
	_ Receiver = (*UDPReceiver)(nil)
)
