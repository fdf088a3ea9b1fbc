package rpcserver_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/express/pkg/chain"
	"github.com/luxfi/express/pkg/checkpoint"
	"github.com/luxfi/express/pkg/core"
	"github.com/luxfi/express/pkg/database"
	"github.com/luxfi/express/pkg/keys"
	"github.com/luxfi/express/pkg/node"
	"github.com/luxfi/express/pkg/rpcserver"
)

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func post(url, body string) (int, rpcReply) {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	var reply rpcReply
	if resp.StatusCode == http.StatusOK {
		Expect(json.Unmarshal(raw, &reply)).To(Succeed())
	}
	return resp.StatusCode, reply
}

var _ = Describe("Server", func() {
	var (
		ctx      context.Context
		topo     *core.ChainTopology
		wallet   core.Wallet
		genesis  core.Account
		alice    core.Account
		registry *prometheus.Registry
		offline  *node.OfflineNode
		srv      *rpcserver.Server
		ts       *httptest.Server
		online   *node.OnlineNode
		limit    float64
	)

	JustBeforeEach(func() {
		ctx = context.Background()
		var err error
		topo, err = core.NewTopology(core.TopologyOptions{Nodes: 1})
		Expect(err).NotTo(HaveOccurred())
		wallet, genesis, err = topo.ConsensusAccount()
		Expect(err).NotTo(HaveOccurred())
		k, err := keys.GenerateKey()
		Expect(err).NotTo(HaveOccurred())
		alice = core.NewSignatureAccount(k, "alice")

		registry = prometheus.NewRegistry()
		logger := log.NewLogger("rpcserver-test")
		offline, err = node.OpenOffline(node.Options{
			Topology: topo,
			DataDir:  GinkgoT().TempDir(),
			Engine:   database.PebbleDB,
			Log:      logger,
			Registry: registry,
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(offline.Close)

		srv, err = rpcserver.New(offline, rpcserver.Config{Topology: topo, RateLimit: limit}, logger, registry)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(srv.Close)

		ts = httptest.NewServer(srv.Handler())
		DeferCleanup(ts.Close)

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = offline.Run(runCtx, 50*time.Millisecond)
		}()
		DeferCleanup(func() {
			cancel()
			<-done
		})

		online, err = node.DialOnline(ctx, ts.URL, topo, prometheus.NewRegistry())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(online.Close)
	})

	Context("without a rate limit", func() {
		BeforeEach(func() { limit = 0 })

		It("should execute a transfer through the running node", func() {
			script := chain.NewScriptBuilder().
				Transfer(genesis.ScriptHash, alice.ScriptHash, uint256.NewInt(900)).
				Script()
			txid, err := online.Execute(ctx, wallet, genesis, script, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(txid).NotTo(Equal(common.Hash{}))

			balance, err := online.Balance(ctx, alice.ScriptHash)
			Expect(err).NotTo(HaveOccurred())
			Expect(balance.Uint64()).To(Equal(uint64(900)))

			appLog, err := online.GetApplicationLog(ctx, txid)
			Expect(err).NotTo(HaveOccurred())
			Expect(appLog.State).To(Equal(chain.Halt))

			height, err := online.Height(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(height).To(BeNumerically(">=", appLog.BlockIndex))
		})

		It("should fail a faulting script the same way offline does", func() {
			script := chain.NewScriptBuilder().Abort("boom").Script()
			onlineID, onlineErr := online.Execute(ctx, wallet, genesis, script, 0)
			offlineID, offlineErr := offline.Execute(ctx, wallet, genesis, script, 0)

			Expect(onlineID).To(Equal(common.Hash{}))
			Expect(offlineID).To(Equal(common.Hash{}))
			Expect(onlineErr).To(MatchError(core.ErrScriptFault))
			Expect(offlineErr).To(MatchError(core.ErrScriptFault))
			Expect(onlineErr.Error()).To(Equal(offlineErr.Error()))
		})

		It("should report insufficient funds with both amounts", func() {
			script := chain.NewScriptBuilder().BalanceOf(alice.ScriptHash).Script()
			_, err := online.Execute(ctx, core.Wallet{}, alice, script, 0)
			Expect(err).To(MatchError(core.ErrInsufficientFunds))
		})

		It("should map unknown transactions onto not found", func() {
			_, err := online.GetApplicationLog(ctx, common.Hash{1})
			Expect(err).To(MatchError(core.ErrNotFound))
		})

		It("should return error codes over the wire", func() {
			status, reply := post(ts.URL, `{"jsonrpc":"2.0","id":1,"method":"sendrawtransaction","params":["AAAA"]}`)
			Expect(status).To(Equal(http.StatusOK))
			Expect(reply.Error).NotTo(BeNil())
			Expect(reply.Error.Code).To(Equal(core.RPCCodeValidation))

			status, reply = post(ts.URL, `{"jsonrpc":"2.0","id":2,"method":"getblockcount","params":[]}`)
			Expect(status).To(Equal(http.StatusOK))
			Expect(reply.Error).To(BeNil())
			var count uint32
			Expect(json.Unmarshal(reply.Result, &count)).To(Succeed())
			Expect(count).To(BeNumerically(">=", 1))
		})

		It("should report the network in getversion", func() {
			_, reply := post(ts.URL, `{"jsonrpc":"2.0","id":1,"method":"getversion"}`)
			Expect(reply.Error).To(BeNil())
			var version rpcserver.VersionReply
			Expect(json.Unmarshal(reply.Result, &version)).To(Succeed())
			Expect(version.Protocol.Network).To(Equal(topo.Magic))
			Expect(version.UserAgent).To(Equal(rpcserver.UserAgent))
		})

		It("should fast forward and list storage remotely", func() {
			before, err := online.Height(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(online.FastForward(ctx, 10, time.Hour)).To(Succeed())
			after, err := online.Height(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(after).To(BeNumerically(">=", before+10))

			entries, err := online.ContractStorage(ctx, "nothing")
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})

		It("should checkpoint the running node", func() {
			archive := filepath.Join(GinkgoT().TempDir(), "live"+checkpoint.Extension)
			written, err := online.CreateCheckpoint(ctx, archive)
			Expect(err).NotTo(HaveOccurred())
			Expect(written).To(Equal(archive))
			_, err = os.Stat(archive)
			Expect(err).NotTo(HaveOccurred())

			_, err = online.CreateCheckpoint(ctx, archive)
			Expect(err).To(MatchError(core.ErrConflict))
		})

		It("should push new blocks to websocket clients", func() {
			url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
			var msg struct {
				Method string                        `json:"method"`
				Params []rpcserver.BlockNotification `json:"params"`
			}
			Expect(conn.ReadJSON(&msg)).To(Succeed())
			Expect(msg.Method).To(Equal("block_added"))
			Expect(msg.Params).To(HaveLen(1))
			Expect(msg.Params[0].Index).To(BeNumerically(">", 0))
		})

		It("should expose node metrics", func() {
			_, err := online.Invoke(ctx, chain.NewScriptBuilder().BalanceOf(alice.ScriptHash).Script())
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Get(ts.URL + "/metrics")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("express_invocations_total"))
			Expect(string(body)).To(ContainSubstring("express_blocks_produced_total"))
		})
	})

	Context("with a rate limit", func() {
		BeforeEach(func() { limit = 1 })

		It("should answer 429 once the budget is spent", func() {
			body := `{"jsonrpc":"2.0","id":1,"method":"getblockcount"}`
			statuses := make([]int, 0, 3)
			for i := 0; i < 3; i++ {
				status, _ := post(ts.URL, body)
				statuses = append(statuses, status)
			}
			Expect(statuses).To(ContainElement(http.StatusTooManyRequests))
		})
	})
})
