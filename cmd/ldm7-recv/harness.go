package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/ldm7/ldm7"
	"github.com/ldm7/ldm7/internal/downstream"
	"github.com/ldm7/ldm7/internal/logging"
	"github.com/ldm7/ldm7/internal/mcast"
	"github.com/ldm7/ldm7/internal/pq"
	"github.com/ldm7/ldm7/internal/upstream"
	"github.com/ldm7/ldm7/internal/wire"
)

// scenario is one spec.md §8 end-to-end scenario, run in-process
// against a throwaway temp directory.
type scenario struct {
	name string
	run  func(dir string) error
}

// runHarness runs the built-in scenario set and reports pass/fail per
// spec.md §6: exit 0 on full success, else the count of failures.
func runHarness(log *logging.Logger) int {
	scenarios := []scenario{
		{"single-product-round-trip", scenarioSingleProductRoundTrip},
		{"duplicate-delivery-is-noop", scenarioDuplicateDeliveryIsNoop},
	}

	failures := 0
	for _, s := range scenarios {
		dir, err := os.MkdirTemp("", "ldm7-harness-*")
		if err != nil {
			log.Error("scenario setup FAILED", "name", s.name, "err", err)
			fmt.Printf("FAIL  %s: %v\n", s.name, err)
			failures++
			continue
		}

		if err := s.run(dir); err != nil {
			failures++
			log.Error("scenario FAILED", "name", s.name, "err", err)
			fmt.Printf("FAIL  %s: %v\n", s.name, err)
		} else {
			log.Info("scenario PASSED", "name", s.name)
			fmt.Printf("PASS  %s\n", s.name)
		}

		os.RemoveAll(dir)
	}
	return failures
}

type harnessRig struct {
	upQ, downQ *pq.PQ
	idxMap     *pq.IndexMap
	srv        *upstream.Server
	sess       *downstream.Session
	ln         net.Listener
	stub       *mcast.StubTransport
}

func newHarnessRig(dir string, lossFraction float64, seed int64) (*harnessRig, error) {
	upQ, err := pq.Create(filepath.Join(dir, "up.pq"), 64, 1<<20, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create upstream pq: %w", err)
	}
	downQ, err := pq.Create(filepath.Join(dir, "down.pq"), 64, 1<<20, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create downstream pq: %w", err)
	}
	idxMap, err := pq.CreateIndexMap(filepath.Join(dir, "index.map"), 256)
	if err != nil {
		return nil, fmt.Errorf("create index map: %w", err)
	}

	stub := mcast.NewStubTransport(lossFraction, seed)

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
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	sess := downstream.New(downstream.Config{
		Feed:       ldm7.FeedEXP,
		PeerName:   "harness-peer",
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

	return &harnessRig{upQ: upQ, downQ: downQ, idxMap: idxMap, srv: srv, sess: sess, ln: ln, stub: stub}, nil
}

func (h *harnessRig) close() {
	h.ln.Close()
	h.stub.Stop()
	h.upQ.Close()
	h.downQ.Close()
	h.idxMap.Close()
}

func makeHarnessProduct(identifier string, size int) ldm7.Product {
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

func waitUntil(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// scenarioSingleProductRoundTrip is spec.md §8 scenario 1.
func scenarioSingleProductRoundTrip(dir string) error {
	h, err := newHarnessRig(dir, 0, 1)
	if err != nil {
		return err
	}
	defer h.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.srv.Serve(ctx, h.ln)
	go h.sess.Run(ctx)

	if !waitUntil(func() bool { return h.sess.State() == downstream.Running }, time.Second) {
		return errors.New("session never reached Running")
	}

	product := makeHarnessProduct("prod-a", 100000)
	if _, err := h.upQ.Insert(product); err != nil {
		return fmt.Errorf("insert upstream: %w", err)
	}
	if _, err := h.srv.PublishProduct(ctx, product); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	ok := waitUntil(func() bool {
		got, found := h.downQ.FindBySignature(product.Info.Signature)
		return found && len(got.Payload) == len(product.Payload)
	}, 2*time.Second)
	if !ok {
		return errors.New("product never arrived at downstream PQ")
	}
	return nil
}

// scenarioDuplicateDeliveryIsNoop is spec.md §8 scenario 6.
func scenarioDuplicateDeliveryIsNoop(dir string) error {
	q, err := pq.Create(filepath.Join(dir, "dup.pq"), 64, 1<<20, 0o644)
	if err != nil {
		return fmt.Errorf("create pq: %w", err)
	}
	defer q.Close()

	product := makeHarnessProduct("prod-dup", 4096)

	if _, err := q.Insert(product); err != nil {
		return fmt.Errorf("first insert: %w", err)
	}
	_, err = q.Insert(product)
	if !ldm7.IsCode(err, ldm7.Duplicate) {
		return fmt.Errorf("second insert: expected Duplicate, got %v", err)
	}

	stats := q.Stats()
	if stats.NProducts != 1 {
		return fmt.Errorf("expected NProducts == 1, got %d", stats.NProducts)
	}
	return nil
}
