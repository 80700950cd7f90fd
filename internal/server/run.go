// Package server wires the components together and runs the process.
package server

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/opsboard/opsboard/internal/boardsm"
	"github.com/opsboard/opsboard/internal/httpapi"
	"github.com/opsboard/opsboard/internal/raft"
	"github.com/opsboard/opsboard/internal/raft/raftlog"
	"github.com/opsboard/opsboard/internal/raft/transporthttp"
	"github.com/opsboard/opsboard/internal/types"
)

// Run parses flags, wires the node, and serves until interrupted.
func Run() error {
	port := flag.Int("port", 8080, "HTTP listen port")
	nodeID := flag.String("id", "node1", "Node ID")
	peersFlag := flag.String("peers", "", "Comma-separated list of peer_id=addr pairs (e.g. node2=http://localhost:8081)")
	flag.Parse()

	log.Printf("starting node %s on port %d", *nodeID, *port)

	addr := fmt.Sprintf("http://localhost:%d", *port)

	peerMap := make(map[types.NodeID]string)
	var peerIDs []types.NodeID
	if *peersFlag != "" {
		for _, p := range strings.Split(*peersFlag, ",") {
			parts := strings.SplitN(strings.TrimSpace(p), "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("invalid peer format: %q (expected id=addr)", p)
			}
			id := types.NodeID(parts[0])
			peerMap[id] = parts[1]
			peerIDs = append(peerIDs, id)
		}
	}

	board := boardsm.New(boardsm.WithListener(func(u boardsm.Update) {
		// Push point for a UI state store; the core makes no assumption
		// about what the consumer does with updates.
		switch {
		case u.Entity != nil:
			log.Printf("board: entity %s updated", u.Entity.ID)
		case u.Record != nil:
			log.Printf("board: activity %s", u.Record.ID)
		}
	}))

	resolver := transporthttp.NewPeerResolver(peerMap)
	tp := transporthttp.NewHTTPTransport(resolver)

	node, err := raft.NewNode(raft.Config{
		ID:    types.NodeID(*nodeID),
		Peers: peerIDs,
		Addr:  addr,
	}, raftlog.New(), tp, board)
	if err != nil {
		return err
	}

	api := httpapi.New(node, board)

	// Combine API + consensus RPC handlers.
	mux := http.NewServeMux()
	mux.Handle("/raft/", node.RPCServer().Handler())
	mux.Handle("/", api.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("shutting down...")
		node.Stop(context.Background())
		return srv.Shutdown(context.Background())
	}
}
