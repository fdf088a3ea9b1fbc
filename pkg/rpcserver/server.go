// Package rpcserver exposes a running node over JSON-RPC and pushes block
// notifications to websocket clients.
package rpcserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/luxfi/express/pkg/chain"
	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/node"
)

const (
	// UserAgent is reported by getversion
	UserAgent = "/express:1.0.0/"

	pingPeriod    = 30 * time.Second
	writeWait     = 10 * time.Second
	clientBacklog = 16
	shutdownWait  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Config controls the server
type Config struct {
	Topology  *core.ChainTopology
	NodeIndex int
	// RateLimit is requests per second across all clients, zero disables
	RateLimit float64
}

// BlockNotification is pushed to websocket clients for every new block
type BlockNotification struct {
	Index        uint32      `json:"index"`
	Hash         common.Hash `json:"hash"`
	Timestamp    uint64      `json:"timestamp"`
	Transactions int         `json:"tx-count"`
}

// Server serves one node
type Server struct {
	log      log.Logger
	node     *node.OfflineNode
	cn       core.ConsensusNode
	rpc      *rpc.Server
	registry *prometheus.Registry
	limiter  *rate.Limiter

	mu      sync.Mutex
	clients map[chan BlockNotification]struct{}
	blocks  chan *chain.Block
	stop    chan struct{}
	done    chan struct{}
}

// New builds the server and starts following the node's blocks
func New(n *node.OfflineNode, cfg Config, logger log.Logger, registry *prometheus.Registry) (*Server, error) {
	if cfg.Topology == nil {
		return nil, core.ErrInvalid("topology required")
	}
	if cfg.NodeIndex < 0 || cfg.NodeIndex >= len(cfg.Topology.Nodes) {
		return nil, core.ErrInvalidf("node index %d out of range", cfg.NodeIndex)
	}
	cn := cfg.Topology.Nodes[cfg.NodeIndex]

	service := &Service{
		node:     n,
		topology: cfg.Topology,
		version: VersionReply{
			TCPPort:   cn.P2PPort,
			WSPort:    cn.WebSocketPort,
			UserAgent: UserAgent,
			Protocol: ProtocolInfo{
				Network:                     cfg.Topology.Magic,
				AddressVersion:              cfg.Topology.AddressVersion,
				MaxValidUntilBlockIncrement: chain.MaxValidUntilBlockIncrement,
			},
		},
	}
	server := rpc.NewServer()
	server.RegisterCodec(newCodec(), "application/json")
	if err := server.RegisterService(service, serviceName); err != nil {
		return nil, err
	}

	s := &Server{
		log:      logger,
		node:     n,
		cn:       cn,
		rpc:      server,
		registry: registry,
		clients:  make(map[chan BlockNotification]struct{}),
		blocks:   make(chan *chain.Block, clientBacklog),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	go s.broadcast(n.Chain().SubscribeBlocks(s.blocks))
	return s, nil
}

// Handler routes JSON-RPC on "/", websocket notifications on "/ws" and
// metrics on "/metrics"
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", s.limit(s.rpc))
	mux.HandleFunc("/ws", s.serveWS)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// broadcast fans blocks out to clients. Slow clients miss notifications
// rather than stall block production.
func (s *Server) broadcast(sub subscription) {
	defer close(s.done)
	defer sub.Unsubscribe()
	for {
		select {
		case <-s.stop:
			return
		case <-sub.Err():
			return
		case b := <-s.blocks:
			note := BlockNotification{
				Index:        b.Index,
				Hash:         b.Hash(),
				Timestamp:    b.Timestamp,
				Transactions: len(b.Transactions),
			}
			s.mu.Lock()
			for ch := range s.clients {
				select {
				case ch <- note:
				default:
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) subscribe() chan BlockNotification {
	ch := make(chan BlockNotification, clientBacklog)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan BlockNotification) {
	s.mu.Lock()
	delete(s.clients, ch)
	s.mu.Unlock()
}

type wsMessage struct {
	JSONRPC string              `json:"jsonrpc"`
	Method  string              `json:"method"`
	Params  []BlockNotification `json:"params"`
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	// drain reads so close frames are noticed
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case <-s.stop:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case note := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := wsMessage{JSONRPC: "2.0", Method: "block_added", Params: []BlockNotification{note}}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve runs the RPC and websocket listeners plus the block producer until
// ctx is done
func (s *Server) Serve(ctx context.Context, rpcAddr, wsAddr string, blockInterval time.Duration) error {
	handler := s.Handler()
	servers := []*http.Server{{Addr: rpcAddr, Handler: handler}}
	if wsAddr != "" && wsAddr != rpcAddr {
		servers = append(servers, &http.Server{Addr: wsAddr, Handler: handler})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		srv.BaseContext = func(net.Listener) context.Context { return gctx }
		g.Go(func() error {
			s.log.Info("Listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		return s.node.Run(gctx, blockInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	err := g.Wait()
	s.log.Info("Node stopped", "port", s.cn.RPCPort)
	return err
}

// Close stops websocket notifications
func (s *Server) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}
