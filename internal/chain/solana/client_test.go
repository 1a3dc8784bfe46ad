package solana

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blocto/solana-go-sdk/common"
	"github.com/blocto/solana-go-sdk/program/system"
	"github.com/blocto/solana-go-sdk/types"

	"OpenMCP-Solana/internal/chain"
	xerrors "OpenMCP-Solana/internal/errors"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode is a minimal Solana JSON-RPC endpoint.
type fakeNode struct {
	mu           sync.Mutex
	accounts     map[string]map[string]any
	statusCalls  atomic.Int32
	failOnChain  bool
	transactions map[string]map[string]any
	methods      []string
	configs      map[string]map[string]any
}

func (n *fakeNode) handle(req rpcRequest) (any, map[string]any) {
	n.mu.Lock()
	n.methods = append(n.methods, req.Method)
	if cfg := lastObject(req.Params); cfg != nil {
		if n.configs == nil {
			n.configs = make(map[string]map[string]any)
		}
		n.configs[req.Method] = cfg
	}
	n.mu.Unlock()

	switch req.Method {
	case "getLatestBlockhash":
		return map[string]any{
			"context": map[string]any{"slot": 10},
			"value":   map[string]any{"blockhash": "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N", "lastValidBlockHeight": 200},
		}, nil
	case "getMinimumBalanceForRentExemption":
		return 2039280, nil
	case "sendTransaction":
		return "3xZ8sendSignature", nil
	case "getSignatureStatuses":
		call := n.statusCalls.Add(1)
		if n.failOnChain {
			return map[string]any{"context": map[string]any{"slot": 11}, "value": []any{map[string]any{"confirmationStatus": "processed", "err": map[string]any{"InstructionError": []any{0, "Custom"}}}}}, nil
		}
		if call < 2 {
			return map[string]any{"context": map[string]any{"slot": 11}, "value": []any{nil}}, nil
		}
		return map[string]any{"context": map[string]any{"slot": 12}, "value": []any{map[string]any{"confirmationStatus": "confirmed", "err": nil}}}, nil
	case "getAccountInfo":
		var addr string
		_ = json.Unmarshal(req.Params[0], &addr)
		account, ok := n.accounts[addr]
		if !ok {
			return map[string]any{"context": map[string]any{"slot": 12}, "value": nil}, nil
		}
		return map[string]any{"context": map[string]any{"slot": 12}, "value": account}, nil
	case "getTransaction":
		var sig string
		_ = json.Unmarshal(req.Params[0], &sig)
		if tx, ok := n.transactions[sig]; ok {
			return tx, nil
		}
		return nil, nil
	}
	return nil, map[string]any{"code": -32601, "message": "method not found"}
}

// lastObject decodes the trailing config object of a request, if any.
func lastObject(params []json.RawMessage) map[string]any {
	if len(params) == 0 {
		return nil
	}
	var cfg map[string]any
	if err := json.Unmarshal(params[len(params)-1], &cfg); err != nil {
		return nil
	}
	return cfg
}

func (n *fakeNode) config(method string) map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.configs[method]
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	respond := func(req rpcRequest) map[string]any {
		result, rpcErr := n.handle(req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		return resp
	}
	w.Header().Set("Content-Type", "application/json")
	if len(body) > 0 && body[0] == '[' {
		var reqs []rpcRequest
		_ = json.Unmarshal(body, &reqs)
		out := make([]map[string]any, 0, len(reqs))
		for _, req := range reqs {
			out = append(out, respond(req))
		}
		_ = json.NewEncoder(w).Encode(out)
		return
	}
	var req rpcRequest
	_ = json.Unmarshal(body, &req)
	_ = json.NewEncoder(w).Encode(respond(req))
}

func newTestClient(t *testing.T, node *fakeNode) *Client {
	t.Helper()
	server := httptest.NewServer(node)
	t.Cleanup(server.Close)

	client, err := NewClient(context.Background(), Config{
		Network:      chain.Network{Name: "test", RPCURL: server.URL},
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func signedTransfer(t *testing.T, blockhash string) types.Transaction {
	t.Helper()
	payer := types.NewAccount()
	tx, err := types.NewTransaction(types.NewTransactionParam{
		Signers: []types.Account{payer},
		Message: types.NewMessage(types.NewMessageParam{
			FeePayer:        payer.PublicKey,
			RecentBlockhash: blockhash,
			Instructions: []types.Instruction{
				system.Transfer(system.TransferParam{From: payer.PublicKey, To: types.NewAccount().PublicKey, Amount: 1}),
			},
		}),
	})
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}
	return tx
}

func TestSendAndConfirmWaitsForCommitment(t *testing.T) {
	node := &fakeNode{}
	client := newTestClient(t, node)
	ctx := context.Background()

	blockhash, err := client.LatestBlockhash(ctx)
	if err != nil {
		t.Fatalf("blockhash: %v", err)
	}
	lamports, err := client.MinimumBalanceForRentExemption(ctx, 82)
	if err != nil || lamports != 2039280 {
		t.Fatalf("rent: %d %v", lamports, err)
	}

	sig, err := client.SendAndConfirm(ctx, signedTransfer(t, blockhash))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sig != "3xZ8sendSignature" {
		t.Fatalf("unexpected signature %s", sig)
	}
	if node.statusCalls.Load() < 2 {
		t.Fatalf("expected polling until confirmed, got %d status calls", node.statusCalls.Load())
	}
	if got := node.config("getLatestBlockhash")["commitment"]; got != "confirmed" {
		t.Fatalf("blockhash commitment = %v, want confirmed", got)
	}
	if got := node.config("sendTransaction")["preflightCommitment"]; got != "confirmed" {
		t.Fatalf("preflight commitment = %v, want confirmed", got)
	}
}

func TestSendAndConfirmUsesConfiguredCommitment(t *testing.T) {
	node := &fakeNode{}
	server := httptest.NewServer(node)
	t.Cleanup(server.Close)
	client, err := NewClient(context.Background(), Config{
		Network:      chain.Network{Name: "test", RPCURL: server.URL},
		Commitment:   "Finalized",
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	blockhash, err := client.LatestBlockhash(context.Background())
	if err != nil {
		t.Fatalf("blockhash: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// the fake node never reports finalized, only the request shape matters here
	_, _ = client.SendAndConfirm(ctx, signedTransfer(t, blockhash))

	if got := node.config("getLatestBlockhash")["commitment"]; got != "finalized" {
		t.Fatalf("blockhash commitment = %v, want finalized", got)
	}
	if got := node.config("sendTransaction")["preflightCommitment"]; got != "finalized" {
		t.Fatalf("preflight commitment = %v, want finalized", got)
	}
}

func TestSendAndConfirmReportsOnChainFailure(t *testing.T) {
	node := &fakeNode{failOnChain: true}
	client := newTestClient(t, node)

	_, err := client.SendAndConfirm(context.Background(), signedTransfer(t, "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N"))
	if xerrors.CodeOf(err) != chain.CodeTransactionFailed {
		t.Fatalf("expected transaction failure, got %v", err)
	}
}

func TestSendAndConfirmTimesOut(t *testing.T) {
	node := &fakeNode{}
	node.statusCalls.Store(-1000)
	client := newTestClient(t, node)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	sig, err := client.SendAndConfirm(ctx, signedTransfer(t, "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N"))
	if xerrors.CodeOf(err) != chain.CodeConfirmationTimeout {
		t.Fatalf("expected confirmation timeout, got %v", err)
	}
	if sig == "" {
		t.Fatalf("submitted signature should be returned with the timeout")
	}
}

func TestGetAccountsBatchesAndMarksMissing(t *testing.T) {
	mint := types.NewAccount().PublicKey.ToBase58()
	data := make([]byte, 82)
	binary.LittleEndian.PutUint64(data[36:44], 5)
	node := &fakeNode{accounts: map[string]map[string]any{
		mint: {
			"owner":      "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb",
			"lamports":   1461600,
			"executable": false,
			"data":       []any{base64.StdEncoding.EncodeToString(data), "base64"},
		},
	}}
	client := newTestClient(t, node)

	missing := common.PublicKey{}.ToBase58()
	accounts, err := client.GetAccounts(context.Background(), mint, missing)
	if err != nil {
		t.Fatalf("get accounts: %v", err)
	}
	if len(accounts) != 2 || accounts[1] != nil {
		t.Fatalf("expected missing account to be nil: %+v", accounts)
	}
	if accounts[0].Owner != "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb" || len(accounts[0].Data) != 82 || accounts[0].Lamports != 1461600 {
		t.Fatalf("unexpected account: %+v", accounts[0])
	}
}

func TestGetAccountsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(context.Background(), Config{Network: chain.Network{RPCURL: server.URL}})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	_, err = client.GetAccounts(context.Background(), "x")
	if xerrors.CodeOf(err) != xerrors.CodeUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestGetTransaction(t *testing.T) {
	node := &fakeNode{transactions: map[string]map[string]any{
		"sig-ok": {
			"slot":      99,
			"blockTime": 1700000000,
			"meta":      map[string]any{"fee": 5000, "err": nil, "logMessages": []any{"Program log: ok"}},
		},
	}}
	client := newTestClient(t, node)

	info, err := client.GetTransaction(context.Background(), "sig-ok")
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if info.Slot != 99 || info.Fee != 5000 || !info.Succeeded() || info.BlockTime == nil || len(info.LogMessages) != 1 {
		t.Fatalf("unexpected info: %+v", info)
	}

	missing, err := client.GetTransaction(context.Background(), "sig-missing")
	if err != nil || missing != nil {
		t.Fatalf("unknown signature should be nil without error: %+v %v", missing, err)
	}
}

func TestNewClientRequiresRPC(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
