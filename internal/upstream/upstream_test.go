package upstream

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ldm7/ldm7"
	"github.com/ldm7/ldm7/internal/mcast"
	"github.com/ldm7/ldm7/internal/pq"
	"github.com/ldm7/ldm7/internal/wire"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *pq.PQ) {
	t.Helper()
	dir := t.TempDir()

	q, err := pq.Create(filepath.Join(dir, "queue.pq"), 64, 1<<20, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	idxMap, err := pq.CreateIndexMap(filepath.Join(dir, "index.map"), 256)
	require.NoError(t, err)
	t.Cleanup(func() { idxMap.Close() })

	sender := mcast.NewStubTransport(0, 1)
	t.Cleanup(func() { sender.Stop() })

	srv := NewServer(Config{
		PQ:       q,
		IndexMap: idxMap,
		Sender:   sender,
		MulticastInfo: wire.McastInfo{
			GroupAddr: wire.InetSockAddr{Host: "224.0.1.1", Port: 9000},
		},
		VCEndPoint: wire.VcEndPoint{Addr: wire.InetSockAddr{Host: "127.0.0.1", Port: 9001}},
	})
	return srv, q
}

func makeProduct(identifier string, size int) ldm7.Product {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
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

func dial(t *testing.T, srv *Server) (net.Conn, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	return conn, func() {
		conn.Close()
		cancel()
		ln.Close()
	}
}

func TestSubscribeGrantsStreaming(t *testing.T) {
	srv, _ := newTestServer(t)
	conn, done := dial(t, srv)
	defer done()

	require.NoError(t, wire.WriteMessage(conn, wire.Subscribe{FeedType: uint32(ldm7.FeedEXP)}))
	op, msg, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, wire.OpSubscriptionReply, op)
	reply := msg.(wire.SubscriptionReply)
	require.Equal(t, uint32(0), reply.Status)
	require.Equal(t, "224.0.1.1", reply.McastInfo.GroupAddr.Host)
}

func TestSubscribeRejectedByACL(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.acl = denyAll{}
	conn, done := dial(t, srv)
	defer done()

	require.NoError(t, wire.WriteMessage(conn, wire.Subscribe{FeedType: uint32(ldm7.FeedEXP)}))
	op, msg, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, wire.OpSubscriptionReply, op)
	require.NotEqual(t, uint32(0), msg.(wire.SubscriptionReply).Status)
}

type denyAll struct{}

func (denyAll) Allowed(string, ldm7.FeedType) bool { return false }

func TestRequestProductFoundAndNotFound(t *testing.T) {
	srv, q := newTestServer(t)
	conn, done := dial(t, srv)
	defer done()

	require.NoError(t, wire.WriteMessage(conn, wire.Subscribe{FeedType: uint32(ldm7.FeedEXP)}))
	_, _, err := wire.ReadMessage(conn)
	require.NoError(t, err)

	product := makeProduct("prod-a", 128)
	_, err = q.Insert(product)
	require.NoError(t, err)

	idx, err := srv.PublishProduct(context.Background(), product)
	require.NoError(t, err)

	require.NoError(t, wire.WriteMessage(conn, wire.RequestProduct{ProductIndex: idx}))
	op, msg, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, wire.OpDeliverMissedProduct, op)
	delivered := msg.(wire.DeliverMissedProduct)
	require.Equal(t, product.Info.Signature, delivered.Product.Info.Signature)

	require.NoError(t, wire.WriteMessage(conn, wire.RequestProduct{ProductIndex: idx + 1}))
	op, _, err = wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, wire.OpNotFound, op)
}

func TestRequestBacklogStreamsWindowAndEnds(t *testing.T) {
	srv, q := newTestServer(t)
	conn, done := dial(t, srv)
	defer done()

	require.NoError(t, wire.WriteMessage(conn, wire.Subscribe{FeedType: uint32(ldm7.FeedEXP)}))
	_, _, err := wire.ReadMessage(conn)
	require.NoError(t, err)

	var sigs []ldm7.Signature
	for i := 0; i < 3; i++ {
		p := makeProduct("prod", 64+i)
		_, err := q.Insert(p)
		require.NoError(t, err)
		sigs = append(sigs, p.Info.Signature)
		time.Sleep(2 * time.Millisecond)
	}

	req := wire.RequestBacklog{Spec: wire.BacklogSpec{TimeOffsetSeconds: 3600}}
	require.NoError(t, wire.WriteMessage(conn, req))

	var got []ldm7.Signature
	for {
		op, msg, err := wire.ReadMessage(conn)
		require.NoError(t, err)
		if op == wire.OpEndBacklog {
			break
		}
		require.Equal(t, wire.OpDeliverBacklogProduct, op)
		got = append(got, msg.(wire.DeliverBacklogProduct).Product.Info.Signature)
	}
	require.Equal(t, sigs, got)
}

func TestTestConnectionAcks(t *testing.T) {
	srv, _ := newTestServer(t)
	conn, done := dial(t, srv)
	defer done()

	require.NoError(t, wire.WriteMessage(conn, wire.TestConnection{}))
	op, _, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, wire.OpTestConnection, op)
}
