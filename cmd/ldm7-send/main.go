// Command ldm7-send runs an upstream LDM-7 peer: it serves the RPC
// control channel (subscribe, request_product, request_backlog,
// test_connection) and multicasts products inserted into its product
// queue. See spec.md §6 for the CLI surface and exit codes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ldm7/ldm7"
	"github.com/ldm7/ldm7/internal/config"
	"github.com/ldm7/ldm7/internal/constants"
	"github.com/ldm7/ldm7/internal/logging"
	"github.com/ldm7/ldm7/internal/mcast"
	"github.com/ldm7/ldm7/internal/pq"
	"github.com/ldm7/ldm7/internal/upstream"
	"github.com/ldm7/ldm7/internal/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		verbose  = flag.Bool("v", false, "info-level logging")
		debug    = flag.Bool("x", false, "debug-level logging")
		logDest  = flag.String("l", string(config.LogDestinationStderr), "log destination: path, - for stderr, empty for system log")
		queuePath = flag.String("queue", "", "product queue file path (required)")
		port     = flag.Int("port", constants.DefaultLDMPort, "RPC listen port")
		groupAddr = flag.String("group", "224.0.1.1:9000", "multicast group address (ip:port)")
		vcAddr   = flag.String("vc", "", "unicast backstop/backlog endpoint advertised to clients (host:port)")
		feed     = flag.Uint("feed", uint(ldm7.FeedAny), "feed-type bitmask carried on this multicast group")
	)
	flag.Parse()

	if *queuePath == "" {
		fmt.Fprintln(os.Stderr, "usage: ldm7-send -queue <path> [-port N] [-group ip:port] [-vc host:port] [-v|-x] [-l dest]")
		return 1
	}

	log := logging.NewLogger(&logging.Config{
		Level:  config.LevelFromFlags(*verbose, *debug),
		Output: logOutput(*logDest),
	})
	logging.SetDefault(log)

	q, err := openOrCreateQueue(*queuePath)
	if err != nil {
		log.Error("failed to open product queue", "path", *queuePath, "err", err)
		return 1
	}
	defer q.Close()

	idxMap, err := openOrCreateIndexMap(*queuePath + ".idx")
	if err != nil {
		log.Error("failed to open index map", "err", err)
		return 1
	}
	defer idxMap.Close()

	sender, err := mcast.NewUDPSender(*groupAddr, 1, constants.DefaultRPCTimeout)
	if err != nil {
		log.Error("failed to create multicast sender", "err", err)
		return 1
	}
	defer sender.Close()

	ln, err := newListener(*port)
	if err != nil {
		log.Error("failed to listen", "port", *port, "err", err)
		return 1
	}
	defer ln.Close()

	vc := *vcAddr
	if vc == "" {
		vc = fmt.Sprintf("127.0.0.1:%d", *port+1)
	}
	vcHost, vcPort := splitHostPort(vc)

	groupHost, groupPort := splitHostPort(*groupAddr)

	srv := upstream.NewServer(upstream.Config{
		PQ:       q,
		IndexMap: idxMap,
		Sender:   sender,
		Logger:   log,
		MulticastInfo: wire.McastInfo{
			Feed:      uint32(*feed),
			GroupAddr: wire.InetSockAddr{Host: groupHost, Port: groupPort},
		},
		VCEndPoint: wire.VcEndPoint{Addr: wire.InetSockAddr{Host: vcHost, Port: vcPort}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Notice("received shutdown signal")
		cancel()
	}()

	log.Info("ldm7-send listening", "port", *port, "group", *groupAddr)
	if err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
		log.Error("serve exited with error", "err", err)
		return 1
	}
	return 0
}

func logOutput(dest string) io.Writer {
	switch config.LogDestination(dest) {
	case config.LogDestinationStderr, config.LogDestinationSyslog:
		return os.Stderr
	default:
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return os.Stderr
		}
		return f
	}
}

func newListener(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%d", port))
}

func openOrCreateQueue(path string) (*pq.PQ, error) {
	if _, err := os.Stat(path); err == nil {
		return pq.Open(path, pq.ModeExclusive)
	}
	return pq.Create(path, constants.DefaultQueueSlots, constants.DefaultQueueBytes, 0o644)
}

func openOrCreateIndexMap(path string) (*pq.IndexMap, error) {
	if _, err := os.Stat(path); err == nil {
		return pq.OpenIndexMap(path, constants.DefaultQueueSlots)
	}
	return pq.CreateIndexMap(path, constants.DefaultQueueSlots)
}

func splitHostPort(addr string) (string, uint16) {
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok {
		return addr, 0
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
