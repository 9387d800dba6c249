// Package faucet funds wallets on a Tenderly virtual test network through its
// JSON-RPC endpoint.
package faucet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Funding modes.
const (
	ModeSimulate = "simulate"
	ModeMint     = "mint"
	ModeSend     = "send"
)

// Fixed parameters for eth_sendTransaction on the virtual network.
const (
	sendGas      = "0x76c0"
	sendGasPrice = "0x9184e72a000"
)

// Set of errors returned by the client.
var (
	ErrNotConfigured = errors.New("faucet rpc url not configured")
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrUnknownMode   = errors.New("unknown faucet mode")
)

// weiPerEth is 10^18.
var weiPerEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Config configures a Client.
type Config struct {
	RPCURL        string
	Mode          string
	SenderAddress string
	Timeout       time.Duration
}

// Client talks to the faucet RPC endpoint.
type Client struct {
	rpc    *rpc.Client
	mode   string
	sender common.Address
	log    *zap.SugaredLogger
}

// New constructs a faucet client. The RPC URL may be empty in simulate mode.
func New(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeSimulate
	}
	switch mode {
	case ModeSimulate, ModeMint, ModeSend:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, cfg.Mode)
	}

	c := Client{
		mode: mode,
		log:  log,
	}

	if cfg.SenderAddress != "" {
		if !common.IsHexAddress(cfg.SenderAddress) {
			return nil, fmt.Errorf("invalid sender address: %s", cfg.SenderAddress)
		}
		c.sender = common.HexToAddress(cfg.SenderAddress)
	}

	if cfg.RPCURL == "" {
		if mode != ModeSimulate {
			return nil, ErrNotConfigured
		}
		return &c, nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client, err := rpc.DialOptions(ctx, cfg.RPCURL, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, fmt.Errorf("dial faucet rpc: %w", err)
	}
	c.rpc = client

	return &c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.rpc != nil {
		c.rpc.Close()
	}
}

// Mode returns the funding mode in use.
func (c *Client) Mode() string {
	return c.mode
}

// Balance returns the latest balance of address in wei.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	var balance hexutil.Big
	if err := c.call(ctx, &balance, "eth_getBalance", addr, "latest"); err != nil {
		return nil, err
	}
	return balance.ToInt(), nil
}

// SetBalance overwrites the balance of address with wei.
func (c *Client) SetBalance(ctx context.Context, address string, wei *big.Int) error {
	addr, err := parseAddress(address)
	if err != nil {
		return err
	}
	if wei == nil || wei.Sign() < 0 {
		return ErrInvalidAmount
	}

	var ack json.RawMessage
	return c.call(ctx, &ack, "tenderly_setBalance", addr, (*hexutil.Big)(wei))
}

// AddBalance raises the balance of address by eth and returns the new balance in wei.
// The virtual network has no increment call, so this reads then writes.
func (c *Client) AddBalance(ctx context.Context, address string, eth int64) (*big.Int, error) {
	if eth <= 0 {
		return nil, ErrInvalidAmount
	}

	current, err := c.Balance(ctx, address)
	if err != nil {
		return nil, err
	}

	next := new(big.Int).Add(current, EthToWei(eth))
	if err := c.SetBalance(ctx, address, next); err != nil {
		return nil, err
	}

	c.log.Infow("faucet balance raised", "address", address, "eth", eth, "balance_wei", next.String())
	return next, nil
}

// SendTransaction transfers eth from the configured sender to address and
// returns the transaction hash.
func (c *Client) SendTransaction(ctx context.Context, address string, eth int64) (string, error) {
	to, err := parseAddress(address)
	if err != nil {
		return "", err
	}
	if eth <= 0 {
		return "", ErrInvalidAmount
	}
	if c.sender == (common.Address{}) {
		return "", errors.New("faucet sender address not configured")
	}

	tx := map[string]any{
		"from":     c.sender,
		"to":       to,
		"gas":      sendGas,
		"gasPrice": sendGasPrice,
		"value":    (*hexutil.Big)(EthToWei(eth)),
	}

	var hash common.Hash
	if err := c.call(ctx, &hash, "eth_sendTransaction", tx); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// Fund pays eth to address according to the client mode and returns a
// transaction hash for the receipt.
func (c *Client) Fund(ctx context.Context, address string, eth int64) (string, error) {
	if eth <= 0 {
		return "", ErrInvalidAmount
	}

	switch c.mode {
	case ModeSend:
		return c.SendTransaction(ctx, address, eth)

	case ModeMint:
		if _, err := c.AddBalance(ctx, address, eth); err != nil {
			return "", err
		}
		return randomHash(), nil

	default:
		if _, err := parseAddress(address); err != nil {
			return "", err
		}
		hash := randomHash()
		c.log.Infow("faucet funding simulated", "address", address, "eth", eth, "tx_hash", hash)
		return hash, nil
	}
}

// EthToWei converts whole ETH to wei.
func EthToWei(eth int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(eth), weiPerEth)
}

// WeiToEth renders wei as a decimal ETH string.
func WeiToEth(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	f := new(big.Float).SetInt(wei)
	f.Quo(f, new(big.Float).SetInt(weiPerEth))
	return f.Text('f', -1)
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	if c.rpc == nil {
		return ErrNotConfigured
	}

	if err := c.rpc.CallContext(ctx, result, method, args...); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			c.log.Warnw("faucet rpc error", "method", method, "code", rpcErr.ErrorCode(), "error", rpcErr.Error())
			return fmt.Errorf("%s: rpc error %d: %w", method, rpcErr.ErrorCode(), err)
		}
		c.log.Warnw("faucet rpc transport failure", "method", method, "error", err)
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func parseAddress(address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("invalid address: %q", address)
	}
	return common.HexToAddress(address), nil
}

// randomHash builds a 32 byte identifier from two random UUIDs.
func randomHash() string {
	a, b := uuid.New(), uuid.New()
	return common.BytesToHash(append(a[:], b[:]...)).Hex()
}
