package faucet_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/cppla/surveyreward/faucet"
)

const (
	wallet = "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1"
	sender = "0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0"
	txHash = "0x6f1f7f5c0e7d8a3c4b2a19e8d7c6b5a4f3e2d1c0b9a8f7e6d5c4b3a291807060"
)

// fakeNode is a minimal JSON-RPC 2.0 endpoint emulating the virtual network.
type fakeNode struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	calls    []string
	sent     map[string]any
	failWith string
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	t.Helper()

	node := &fakeNode{balances: map[string]*big.Int{}}
	srv := httptest.NewServer(http.HandlerFunc(node.serveHTTP))
	t.Cleanup(srv.Close)
	return node, srv
}

func (n *fakeNode) serveHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls = append(n.calls, req.Method)
	result, rpcErr := n.handle(req.Method, req.Params)
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != "" {
		resp["error"] = map[string]any{"code": -32000, "message": rpcErr}
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) handle(method string, params []json.RawMessage) (any, string) {
	if n.failWith != "" {
		return nil, n.failWith
	}

	var addr string
	if len(params) > 0 {
		_ = json.Unmarshal(params[0], &addr)
	}

	switch method {
	case "eth_getBalance":
		bal, ok := n.balances[strings.ToLower(addr)]
		if !ok {
			bal = new(big.Int)
		}
		return hexutil.EncodeBig(bal), ""

	case "tenderly_setBalance":
		var raw string
		_ = json.Unmarshal(params[1], &raw)
		v, err := hexutil.DecodeBig(raw)
		if err != nil {
			return nil, "bad amount"
		}
		n.balances[strings.ToLower(addr)] = v
		return raw, ""

	case "eth_sendTransaction":
		var tx map[string]any
		_ = json.Unmarshal(params[0], &tx)
		n.sent = tx
		return txHash, ""
	}
	return nil, "method not found"
}

func (n *fakeNode) balance(addr string) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.balances[strings.ToLower(addr)]
}

func (n *fakeNode) sentTx() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

func (n *fakeNode) methods() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func newClient(t *testing.T, url, mode string) *faucet.Client {
	t.Helper()

	c, err := faucet.New(context.Background(), faucet.Config{
		RPCURL:        url,
		Mode:          mode,
		SenderAddress: sender,
		Timeout:       5 * time.Second,
	}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("Should be able to construct the faucet client: %s", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestEthToWei(t *testing.T) {
	got := faucet.EthToWei(30)
	exp, _ := new(big.Int).SetString("30000000000000000000", 10)
	if got.Cmp(exp) != 0 {
		t.Fatalf("Should convert 30 ETH to wei, got %s", got)
	}
	if s := faucet.WeiToEth(exp); s != "30" {
		t.Fatalf("Should render 30 ETH, got %s", s)
	}
}

func TestBalanceAndAddBalance(t *testing.T) {
	node, srv := newFakeNode(t)
	node.balances[strings.ToLower(wallet)] = faucet.EthToWei(2)
	c := newClient(t, srv.URL, faucet.ModeMint)
	ctx := context.Background()

	bal, err := c.Balance(ctx, wallet)
	if err != nil {
		t.Fatalf("Should read the balance: %s", err)
	}
	if bal.Cmp(faucet.EthToWei(2)) != 0 {
		t.Fatalf("Should read 2 ETH, got %s wei", bal)
	}

	next, err := c.AddBalance(ctx, strings.ToLower(wallet), 5)
	if err != nil {
		t.Fatalf("Should add to the balance: %s", err)
	}
	if next.Cmp(faucet.EthToWei(7)) != 0 {
		t.Fatalf("Should end at 7 ETH, got %s wei", next)
	}
	if stored := node.balance(wallet); stored.Cmp(faucet.EthToWei(7)) != 0 {
		t.Fatalf("Should have written 7 ETH to the node, got %s", stored)
	}

	got := strings.Join(node.methods(), ",")
	if got != "eth_getBalance,eth_getBalance,tenderly_setBalance" {
		t.Fatalf("Should call get then set, got %s", got)
	}
}

func TestSendTransaction(t *testing.T) {
	node, srv := newFakeNode(t)
	c := newClient(t, srv.URL, faucet.ModeSend)

	hash, err := c.Fund(context.Background(), wallet, 3)
	if err != nil {
		t.Fatalf("Should send the transaction: %s", err)
	}
	if hash != txHash {
		t.Logf("got: %s", hash)
		t.Logf("exp: %s", txHash)
		t.Fatalf("Should return the node's transaction hash.")
	}

	tests := map[string]string{
		"from":     strings.ToLower(sender),
		"to":       strings.ToLower(wallet),
		"gas":      "0x76c0",
		"gasPrice": "0x9184e72a000",
		"value":    hexutil.EncodeBig(faucet.EthToWei(3)),
	}
	sent := node.sentTx()
	for field, exp := range tests {
		got, _ := sent[field].(string)
		if !strings.EqualFold(got, exp) {
			t.Errorf("Should send %s=%s, got %s", field, exp, got)
		}
	}
}

func TestFundSimulateMakesNoCalls(t *testing.T) {
	node, srv := newFakeNode(t)
	c := newClient(t, srv.URL, faucet.ModeSimulate)

	hash, err := c.Fund(context.Background(), wallet, 10)
	if err != nil {
		t.Fatalf("Should simulate funding: %s", err)
	}
	if len(hash) != 66 || !strings.HasPrefix(hash, "0x") {
		t.Fatalf("Should return a 32 byte hex hash, got %s", hash)
	}
	if calls := node.methods(); len(calls) != 0 {
		t.Fatalf("Should not call the node in simulate mode, got %v", calls)
	}

	other, _ := c.Fund(context.Background(), wallet, 10)
	if other == hash {
		t.Fatalf("Should generate a fresh hash per call.")
	}
}

func TestFundErrors(t *testing.T) {
	node, srv := newFakeNode(t)
	node.failWith = "insufficient funds"
	c := newClient(t, srv.URL, faucet.ModeMint)

	_, err := c.Fund(context.Background(), wallet, 1)
	if err == nil || !strings.Contains(err.Error(), "insufficient funds") {
		t.Fatalf("Should surface the rpc error object, got %v", err)
	}

	if _, err := c.Fund(context.Background(), wallet, 0); !errors.Is(err, faucet.ErrInvalidAmount) {
		t.Fatalf("Should reject a zero amount, got %v", err)
	}
	if _, err := c.Fund(context.Background(), "0x123", 1); err == nil {
		t.Fatalf("Should reject a malformed address.")
	}
}

func TestNewRequiresURLOutsideSimulate(t *testing.T) {
	log := zap.NewNop().Sugar()

	if _, err := faucet.New(context.Background(), faucet.Config{Mode: faucet.ModeMint}, log); !errors.Is(err, faucet.ErrNotConfigured) {
		t.Fatalf("Should require an rpc url in mint mode, got %v", err)
	}
	if _, err := faucet.New(context.Background(), faucet.Config{Mode: "airdrop"}, log); !errors.Is(err, faucet.ErrUnknownMode) {
		t.Fatalf("Should reject an unknown mode, got %v", err)
	}

	c, err := faucet.New(context.Background(), faucet.Config{}, log)
	if err != nil {
		t.Fatalf("Should default to simulate mode without an rpc url: %s", err)
	}
	if _, err := c.Balance(context.Background(), wallet); !errors.Is(err, faucet.ErrNotConfigured) {
		t.Fatalf("Should report the missing rpc url on balance reads, got %v", err)
	}
}
