// Package evm adapts chain.Client to an EVM JSON-RPC node.
//
// Native transfers are plain value transactions and token transfers call
// ERC-20 transfer. A transaction with several transfer instructions is sent
// through a disperse-style batch contract so the chain applies it atomically.
// EVM token balances need no per-owner sub-account, so open-account
// instructions are satisfied implicitly.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"potrails/internal/apperr"
	"potrails/internal/chain"
	"potrails/internal/keyvault"
)

type Config struct {
	RPCURL        string
	BatchContract string
	Assets        *chain.Registry
	// ApprovalTimeout bounds the wait for a batch allowance top-up.
	ApprovalTimeout time.Duration
}

// Client submits transactions signed with custodial keys.
type Client struct {
	client   *ethclient.Client
	chainID  *big.Int
	assets   *chain.Registry
	erc20    abi.ABI
	batch    abi.ABI
	batchTo  common.Address
	hasBatch bool
	approval time.Duration
}

var _ chain.Client = (*Client)(nil)

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.Assets == nil {
		return nil, fmt.Errorf("asset registry is required")
	}
	if cfg.BatchContract != "" && !common.IsHexAddress(cfg.BatchContract) {
		return nil, fmt.Errorf("invalid batch contract address %q", cfg.BatchContract)
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	batch, err := abi.JSON(strings.NewReader(batchABI))
	if err != nil {
		return nil, fmt.Errorf("parse batch abi: %w", err)
	}

	approval := cfg.ApprovalTimeout
	if approval <= 0 {
		approval = 2 * time.Minute
	}
	return &Client{
		client:   cli,
		chainID:  chainID,
		assets:   cfg.Assets,
		erc20:    erc20,
		batch:    batch,
		batchTo:  common.HexToAddress(cfg.BatchContract),
		hasBatch: cfg.BatchContract != "",
		approval: approval,
	}, nil
}

func (c *Client) Close() { c.client.Close() }

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *Client) ValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

func (c *Client) Balances(ctx context.Context, address string) (chain.Balances, error) {
	if !common.IsHexAddress(address) {
		return chain.Balances{}, apperr.Validation("invalid address %q", address)
	}
	owner := common.HexToAddress(address)

	wei, err := c.client.BalanceAt(ctx, owner, nil)
	if err != nil {
		return chain.Balances{}, classify("read native balance", err)
	}
	out := chain.Balances{Native: decimal.NewFromBigInt(wei, 0)}

	for _, token := range c.assets.Tokens() {
		bal, err := c.tokenBalance(ctx, token, owner)
		if err != nil {
			return chain.Balances{}, err
		}
		switch token.Slot {
		case chain.SlotA:
			out.AssetA = bal
		case chain.SlotB:
			out.AssetB = bal
		}
	}
	return out, nil
}

func (c *Client) tokenBalance(ctx context.Context, token chain.Asset, owner common.Address) (decimal.Decimal, error) {
	data, err := c.erc20.Pack("balanceOf", owner)
	if err != nil {
		return decimal.Zero, err
	}
	contract := common.HexToAddress(token.Contract)
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return decimal.Zero, classify("read "+token.Symbol+" balance", err)
	}
	vals, err := c.erc20.Unpack("balanceOf", raw)
	if err != nil || len(vals) == 0 {
		return decimal.Zero, apperr.Chain("decode "+token.Symbol+" balance", true, err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return decimal.Zero, apperr.Chain("decode "+token.Symbol+" balance", true, nil)
	}
	return decimal.NewFromBigInt(bal, 0), nil
}

// AssetAccountExists is always true: token balances live in the token
// contract and need no per-owner account.
func (c *Client) AssetAccountExists(context.Context, string, chain.Asset) (bool, error) {
	return true, nil
}

type call struct {
	to    common.Address
	value *big.Int
	data  []byte
}

func (c *Client) Sign(ctx context.Context, secret []byte, tx chain.Tx) ([]byte, error) {
	key, err := keyvault.PrivateKey(secret)
	if err != nil {
		return nil, err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	var transfers []chain.Instruction
	for _, in := range tx.Instructions {
		if in.Kind == chain.KindTransfer {
			transfers = append(transfers, in)
		}
	}

	var msg call
	switch {
	case len(transfers) == 0:
		return nil, apperr.Validation("transaction has no transfers")
	case len(transfers) == 1:
		msg, err = c.singleCall(transfers[0])
	default:
		msg, err = c.batchCall(ctx, key, transfers)
	}
	if err != nil {
		return nil, err
	}

	signed, err := c.signCall(ctx, key, from, msg, tx.PriorityFee)
	if err != nil {
		return nil, err
	}
	return signed.MarshalBinary()
}

func (c *Client) singleCall(in chain.Instruction) (call, error) {
	if !common.IsHexAddress(in.To) {
		return call{}, apperr.Validation("invalid recipient %q", in.To)
	}
	to := common.HexToAddress(in.To)
	if in.Asset.Native() {
		return call{to: to, value: in.Amount.BigInt()}, nil
	}
	data, err := c.erc20.Pack("transfer", to, in.Amount.BigInt())
	if err != nil {
		return call{}, fmt.Errorf("pack transfer: %w", err)
	}
	return call{to: common.HexToAddress(in.Asset.Contract), value: big.NewInt(0), data: data}, nil
}

func (c *Client) batchCall(ctx context.Context, key *ecdsa.PrivateKey, transfers []chain.Instruction) (call, error) {
	if !c.hasBatch {
		return call{}, apperr.Validation("batch transfers need a configured batch contract")
	}
	asset := transfers[0].Asset
	recipients := make([]common.Address, 0, len(transfers))
	values := make([]*big.Int, 0, len(transfers))
	total := new(big.Int)
	for _, in := range transfers {
		if in.Asset.ID != asset.ID {
			return call{}, apperr.Validation("batch mixes assets %s and %s", asset.ID, in.Asset.ID)
		}
		if !common.IsHexAddress(in.To) {
			return call{}, apperr.Validation("invalid recipient %q", in.To)
		}
		recipients = append(recipients, common.HexToAddress(in.To))
		v := in.Amount.BigInt()
		values = append(values, v)
		total.Add(total, v)
	}

	if asset.Native() {
		data, err := c.batch.Pack("disperseEther", recipients, values)
		if err != nil {
			return call{}, fmt.Errorf("pack disperseEther: %w", err)
		}
		return call{to: c.batchTo, value: total, data: data}, nil
	}

	token := common.HexToAddress(asset.Contract)
	if err := c.ensureAllowance(ctx, key, token, total); err != nil {
		return call{}, err
	}
	data, err := c.batch.Pack("disperseToken", token, recipients, values)
	if err != nil {
		return call{}, fmt.Errorf("pack disperseToken: %w", err)
	}
	return call{to: c.batchTo, value: big.NewInt(0), data: data}, nil
}

// ensureAllowance lets the batch contract pull need tokens from the signer.
// The approval moves no funds, so it is sent and confirmed on its own.
func (c *Client) ensureAllowance(ctx context.Context, key *ecdsa.PrivateKey, token common.Address, need *big.Int) error {
	owner := crypto.PubkeyToAddress(key.PublicKey)
	data, err := c.erc20.Pack("allowance", owner, c.batchTo)
	if err != nil {
		return err
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return classify("read allowance", err)
	}
	vals, err := c.erc20.Unpack("allowance", raw)
	if err == nil && len(vals) == 1 {
		if current, ok := vals[0].(*big.Int); ok && current.Cmp(need) >= 0 {
			return nil
		}
	}

	approveData, err := c.erc20.Pack("approve", c.batchTo, need)
	if err != nil {
		return err
	}
	tx, err := c.signCall(ctx, key, owner, call{to: token, value: big.NewInt(0), data: approveData}, true)
	if err != nil {
		return err
	}
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return classify("send approval", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.approval)
	defer cancel()
	receipt, err := WaitForReceipt(waitCtx, c.client, tx)
	if err != nil {
		return apperr.Chain("confirm approval", true, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return apperr.Chain("approval reverted", false, nil)
	}
	return nil
}

func (c *Client) signCall(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, msg call, priority bool) (*types.Transaction, error) {
	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, classify("fetch nonce", err)
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classify("fetch head", err)
	}
	tip := big.NewInt(0)
	if priority {
		if tip, err = c.client.SuggestGasTipCap(ctx); err != nil {
			return nil, classify("suggest tip", err)
		}
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	to := msg.to
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:      from,
		To:        &to,
		Value:     msg.value,
		Data:      msg.data,
		GasFeeCap: feeCap,
		GasTipCap: tip,
	})
	if err != nil {
		// Estimation runs the call: a failure here is a simulation rejection.
		return nil, apperr.Chain("simulate transaction", false, err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     msg.value,
		Data:      msg.data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

func (c *Client) Submit(ctx context.Context, signed []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(signed); err != nil {
		return "", apperr.Chain("decode signed transaction", false, err)
	}
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return "", classify("send transaction", err)
	}
	return tx.Hash().Hex(), nil
}

func (c *Client) Confirm(ctx context.Context, ref string) (chain.Status, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(ref))
	if errors.Is(err, ethereum.NotFound) {
		return chain.StatusPending, nil
	}
	if err != nil {
		return chain.StatusPending, classify("fetch receipt", err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return chain.StatusConfirmed, nil
	}
	return chain.StatusFailed, nil
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// classify maps node errors onto retryable and terminal chain failures.
func classify(op string, err error) error {
	return apperr.Chain(op, isRetryable(err), err)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, terminal := range []string{
		"insufficient funds",
		"execution reverted",
		"invalid",
		"intrinsic gas too low",
		"exceeds block gas limit",
		"already known",
	} {
		if strings.Contains(msg, terminal) {
			return false
		}
	}
	return true
}
