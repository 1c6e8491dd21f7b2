package downstream

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ldm7/ldm7"
	"github.com/ldm7/ldm7/internal/mcast"
	"github.com/ldm7/ldm7/internal/pq"
	"github.com/ldm7/ldm7/internal/upstream"
	"github.com/ldm7/ldm7/internal/wire"
	"github.com/stretchr/testify/require"
)

func makeProduct(identifier string, size int) ldm7.Product {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i + len(identifier))
	}
	info := ldm7.ProductInfo{
		Signature:   ldm7.DigestSignature(payload),
		ArrivalTime: time.Now().UTC(),
		OriginHost:  "upstream.example.org",
		FeedType:    ldm7.FeedEXP,
		Identifier:  identifier,
		Size:        uint32(size),
	}
	return ldm7.Product{Info: info, Payload: payload}
}

type harness struct {
	upQ, downQ *pq.PQ
	idxMap     *pq.IndexMap
	srv        *upstream.Server
	sess       *Session
	ln         net.Listener
	stub       *mcast.StubTransport
}

func newHarness(t *testing.T, lossFraction float64, seed int64) *harness {
	t.Helper()
	dir := t.TempDir()

	upQ, err := pq.Create(filepath.Join(dir, "up.pq"), 64, 1<<20, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { upQ.Close() })

	downQ, err := pq.Create(filepath.Join(dir, "down.pq"), 64, 1<<20, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { downQ.Close() })

	idxMap, err := pq.CreateIndexMap(filepath.Join(dir, "index.map"), 256)
	require.NoError(t, err)
	t.Cleanup(func() { idxMap.Close() })

	stub := mcast.NewStubTransport(lossFraction, seed)
	t.Cleanup(func() { stub.Stop() })

	srv := upstream.NewServer(upstream.Config{
		PQ:       upQ,
		IndexMap: idxMap,
		Sender:   stub,
		MulticastInfo: wire.McastInfo{
			GroupAddr: wire.InetSockAddr{Host: "224.0.1.1", Port: 9000},
		},
		VCEndPoint: wire.VcEndPoint{Addr: wire.InetSockAddr{Host: "127.0.0.1", Port: 9001}},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sess := New(Config{
		Feed:       ldm7.FeedEXP,
		PeerName:   "peer-a",
		SessionDir: dir,
		PQ:         downQ,
		Dial: func(ctx context.Context) (net.Conn, error) {
			return net.Dial("tcp", ln.Addr().String())
		},
		JoinMulticast: func(info wire.McastInfo) (mcast.Receiver, error) {
			return stub, nil
		},
		RestartNap: 50 * time.Millisecond,
	})

	return &harness{upQ: upQ, downQ: downQ, idxMap: idxMap, srv: srv, sess: sess, ln: ln, stub: stub}
}

func TestDownstreamSingleProductRoundTrip(t *testing.T) {
	h := newHarness(t, 0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.srv.Serve(ctx, h.ln)
	go h.sess.Run(ctx)

	require.Eventually(t, func() bool {
		return h.sess.State() == Running
	}, time.Second, time.Millisecond)

	product := makeProduct("prod-a", 256)
	_, err := h.upQ.Insert(product)
	require.NoError(t, err)
	_, err = h.srv.PublishProduct(ctx, product)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := h.downQ.FindBySignature(product.Info.Signature)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDownstreamBackstopRecoversLostProduct(t *testing.T) {
	h := newHarness(t, 0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.srv.Serve(ctx, h.ln)
	go h.sess.Run(ctx)

	require.Eventually(t, func() bool {
		return h.sess.State() == Running
	}, time.Second, time.Millisecond)

	// Publish product-index 5 upstream but never multicast it, standing
	// in for a frame true multicast loss would have dropped (spec.md
	// §4.I's "deterministically delete a just-received product, then
	// request it by index" backstop test technique).
	product := makeProduct("prod-lost", 256)
	_, err := h.upQ.Insert(product)
	require.NoError(t, err)

	const lostIdx = 5
	require.NoError(t, h.idxMap.Put(lostIdx, product.Info.FeedType, product.Info.Signature))

	// Frame 0 establishes the receiver's last-seen index; frame 6
	// arriving next makes indices 1..5 look missing, exactly as if
	// frames 1..5 (including the one at lostIdx) had been lost in
	// transit.
	require.NoError(t, h.stub.Send(ctx, 0, ldm7.FeedEXP, []byte{}))
	require.NoError(t, h.stub.Send(ctx, 6, ldm7.FeedEXP, []byte{}))

	require.Eventually(t, func() bool {
		_, ok := h.downQ.FindBySignature(product.Info.Signature)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}
