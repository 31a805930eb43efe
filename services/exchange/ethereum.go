package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crypto_portfolio_tracker/models"
)

var (
	ErrInvalidAddress = errors.New("invalid ethereum address")
	addressPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

func IsValidAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}

// EthereumProvider reads the native ETH balance of a wallet over JSON-RPC.
type EthereumProvider struct {
	rpcURL string
	client *http.Client
}

func NewEthereumProvider(rpcURL string) *EthereumProvider {
	return &EthereumProvider{rpcURL: rpcURL, client: &http.Client{Timeout: 15 * time.Second}}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *EthereumProvider) Balances(ctx context.Context, account *models.ExchangeAccount) ([]Balance, error) {
	if p.rpcURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if !IsValidAddress(account.Address) {
		return nil, ErrInvalidAddress
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "eth_getBalance",
		Params:  []interface{}{account.Address, "latest"},
		ID:      1,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("eth_getBalance: status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("eth_getBalance: decode: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("eth_getBalance: rpc error %d: %s", out.Error.Code, out.Error.Message)
	}
	eth, err := WeiToEther(out.Result)
	if err != nil {
		return nil, err
	}
	if !eth.IsPositive() {
		return nil, nil
	}
	return []Balance{{Symbol: "ETH", Quantity: eth}}, nil
}

// WeiToEther converts a 0x-prefixed hex wei amount to ETH.
func WeiToEther(hexWei string) (decimal.Decimal, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(hexWei, "0x"), "0X")
	if digits == "" {
		return decimal.Zero, fmt.Errorf("empty wei amount %q", hexWei)
	}
	wei, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid wei amount %q", hexWei)
	}
	return decimal.NewFromBigInt(wei, -18), nil
}
