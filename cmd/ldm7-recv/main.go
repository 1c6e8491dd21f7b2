// Command ldm7-recv runs a downstream LDM-7 peer, or — with -harness —
// acts as the receiver test-harness named in spec.md §6, running a
// subset of the end-to-end scenarios from spec.md §8 in-process and
// exiting with a code equal to the number of failed scenarios.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ldm7/ldm7"
	"github.com/ldm7/ldm7/internal/config"
	"github.com/ldm7/ldm7/internal/constants"
	"github.com/ldm7/ldm7/internal/downstream"
	"github.com/ldm7/ldm7/internal/logging"
	"github.com/ldm7/ldm7/internal/mcast"
	"github.com/ldm7/ldm7/internal/pq"
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
		harness  = flag.Bool("harness", false, "run the built-in end-to-end scenario harness and exit")
		queuePath = flag.String("queue", "", "product queue file path (required outside -harness)")
		server   = flag.String("server", "", "upstream RPC address host:port (required outside -harness)")
		peer     = flag.String("peer", "ldm7-recv", "peer name, used for session-memory file naming")
		sessDir  = flag.String("sessiondir", ".", "directory for per-(peer,feed) session memory files")
		feed     = flag.Uint("feed", uint(0xFFFFFFFF), "feed-type bitmask to subscribe to")
		iface    = flag.String("iface", "", "network interface name for multicast join (default: system choice)")
	)
	flag.Parse()

	log := logging.NewLogger(&logging.Config{
		Level:  config.LevelFromFlags(*verbose, *debug),
		Output: logOutput(*logDest),
	})
	logging.SetDefault(log)

	if *harness {
		return runHarness(log)
	}

	if *queuePath == "" || *server == "" {
		fmt.Fprintln(os.Stderr, "usage: ldm7-recv -queue <path> -server host:port [-peer name] [-sessiondir dir] [-feed N] [-iface name] [-v|-x] [-l dest]")
		return 1
	}

	q, err := openOrCreateQueue(*queuePath)
	if err != nil {
		log.Error("failed to open product queue", "path", *queuePath, "err", err)
		return 1
	}
	defer q.Close()

	serverAddr := *server
	ifc, err := resolveInterface(*iface)
	if err != nil {
		log.Error("failed to resolve multicast interface", "iface", *iface, "err", err)
		return 1
	}

	sess := downstream.New(downstream.Config{
		Feed:       ldm7.FeedType(*feed),
		PeerName:   *peer,
		SessionDir: *sessDir,
		PQ:         q,
		Dial: func(ctx context.Context) (net.Conn, error) {
			d := net.Dialer{Timeout: constants.DefaultRPCTimeout}
			return d.DialContext(ctx, "tcp", serverAddr)
		},
		JoinMulticast: func(info wire.McastInfo) (mcast.Receiver, error) {
			addr := fmt.Sprintf("%s:%d", info.GroupAddr.Host, info.GroupAddr.Port)
			return mcast.NewUDPReceiver(addr, ifc)
		},
		Logger: log,
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

	log.Info("ldm7-recv starting", "server", serverAddr, "peer", *peer)
	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("session exited with error", "err", err)
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

func openOrCreateQueue(path string) (*pq.PQ, error) {
	if _, err := os.Stat(path); err == nil {
		return pq.Open(path, pq.ModeExclusive)
	}
	return pq.Create(path, constants.DefaultQueueSlots, constants.DefaultQueueBytes, 0o644)
}

func resolveInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	return net.InterfaceByName(name)
}

