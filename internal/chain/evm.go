package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// erc20ABI, escrowABI, and escrowFactoryABI carry just the surface the
// Gateway needs, following the teacher's pattern of embedding minimal ABI
// JSON inline rather than pulling in generated bindings.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

const escrowABI = `[
	{"inputs":[{"name":"preimage","type":"bytes32"}],"name":"withdraw","outputs":[],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":false,"name":"preimage","type":"bytes32"}],"name":"Withdrawn","type":"event"}
]`

// escrowFactoryABI covers the one call the Gateway makes against the escrow
// factory itself: pulling a maker's pre-approved token allowance on the
// coordinator's signed instruction.
const escrowFactoryABI = `[
	{"inputs":[{"name":"orderId","type":"bytes32"},{"name":"from","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"name":"pullFunds","outputs":[],"type":"function"}
]`

// EVMConfig is the per-chain configuration an EVMGateway is built from.
type EVMConfig struct {
	ChainID       string
	HTTPUrl       string
	PrivateKeyHex string
	EscrowFactory string
	GasLimit      uint64
	GasPriceGwei  int64 // 0 => ask the network
	ConfirmPoll   time.Duration
}

// EVMGateway implements Gateway against an EVM-compatible chain via
// go-ethereum's ethclient — grounded on the pack's ethereum_client.go
// (FilterLogs/CallContract/bind.NewKeyedTransactorWithChainID) and the
// teacher's anvil adapter (key loading, gas estimation), generalized from
// a hardcoded fork adapter into one instance per configured chain-id so
// the same code serves both srcChain and dstChain.
type EVMGateway struct {
	cfg        EVMConfig
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	erc20      abi.ABI
	escrow     abi.ABI
	factory    abi.ABI
	log        *zap.Logger
}

func NewEVMGateway(cfg EVMConfig, log *zap.Logger) (*EVMGateway, error) {
	client, err := ethclient.Dial(cfg.HTTPUrl)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrChainUnreachable, cfg.HTTPUrl, err)
	}

	pk, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: load private key for %s: %w", cfg.ChainID, err)
	}

	erc20Parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse erc20 abi: %w", err)
	}
	escrowParsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse escrow abi: %w", err)
	}
	factoryParsed, err := abi.JSON(strings.NewReader(escrowFactoryABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse escrow factory abi: %w", err)
	}

	if cfg.ConfirmPoll == 0 {
		cfg.ConfirmPoll = 2 * time.Second
	}

	return &EVMGateway{
		cfg:        cfg,
		client:     client,
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey),
		erc20:      erc20Parsed,
		escrow:     escrowParsed,
		factory:    factoryParsed,
		log:        log.Named("evm_gateway").With(zap.String("chain_id", cfg.ChainID)),
	}, nil
}

func (g *EVMGateway) ChainID() string { return g.cfg.ChainID }

// EscrowFactory returns the configured escrow-factory address for this
// chain. Not part of Gateway; consumed via an optional interface by
// callers (internal/coordinator) that need the allowance spender address.
func (g *EVMGateway) EscrowFactory() string { return g.cfg.EscrowFactory }

func (g *EVMGateway) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	data, err := g.erc20.Pack("allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, fmt.Errorf("chain: pack allowance call: %w", err)
	}
	tokenAddr := common.HexToAddress(token)
	result, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainUnreachable, err)
	}
	out, err := g.erc20.Unpack("allowance", result)
	if err != nil || len(out) == 0 {
		return nil, fmt.Errorf("chain: unpack allowance result: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (g *EVMGateway) EscrowBalance(ctx context.Context, escrow, token string) (*big.Int, error) {
	if token == "" {
		addr := common.HexToAddress(escrow)
		bal, err := g.client.BalanceAt(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChainUnreachable, err)
		}
		return bal, nil
	}
	data, err := g.erc20.Pack("balanceOf", common.HexToAddress(escrow))
	if err != nil {
		return nil, fmt.Errorf("chain: pack balanceOf call: %w", err)
	}
	tokenAddr := common.HexToAddress(token)
	result, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainUnreachable, err)
	}
	out, err := g.erc20.Unpack("balanceOf", result)
	if err != nil || len(out) == 0 {
		return nil, fmt.Errorf("chain: unpack balanceOf result: %w", err)
	}
	return out[0].(*big.Int), nil
}

// Decimals reads a token contract's decimals(), resolving spec §9 Open
// Question (b) by querying the contract directly rather than assuming 18.
func (g *EVMGateway) Decimals(ctx context.Context, token string) (uint8, error) {
	data, err := g.erc20.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("chain: pack decimals call: %w", err)
	}
	tokenAddr := common.HexToAddress(token)
	result, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrChainUnreachable, err)
	}
	out, err := g.erc20.Unpack("decimals", result)
	if err != nil || len(out) == 0 {
		return 0, fmt.Errorf("chain: unpack decimals result: %w", err)
	}
	return out[0].(uint8), nil
}

// TransferUserFunds instructs the escrow factory (spender) to pull amount
// of token from the maker's pre-approved allowance — the coordinator signs
// the instruction but never custodies the funds itself.
func (g *EVMGateway) TransferUserFunds(ctx context.Context, orderID, from, token string, amount *big.Int) (string, error) {
	allowance, err := g.Allowance(ctx, token, from, g.cfg.EscrowFactory)
	if err != nil {
		return "", err
	}
	if allowance.Cmp(amount) < 0 {
		return "", ErrInsufficientAllowance
	}

	opts, err := g.transactOpts(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}

	var orderID32 [32]byte
	copy(orderID32[:], []byte(orderID))
	data, err := g.factory.Pack("pullFunds", orderID32, common.HexToAddress(from), common.HexToAddress(token), amount)
	if err != nil {
		return "", fmt.Errorf("chain: pack pullFunds call: %w", err)
	}
	factoryAddr := common.HexToAddress(g.cfg.EscrowFactory)
	tx := types.NewTransaction(opts.Nonce.Uint64(), factoryAddr, big.NewInt(0), g.cfg.GasLimit, opts.GasPrice, data)
	signedTx, err := opts.Signer(opts.From, tx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}

	g.log.Info("submitted transferUserFunds", zap.String("order_id", orderID), zap.String("tx_hash", signedTx.Hash().Hex()))
	return signedTx.Hash().Hex(), nil
}

func (g *EVMGateway) AwaitConfirmations(ctx context.Context, txHash string, n uint64) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(g.cfg.ConfirmPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-ticker.C:
			receipt, err := g.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue // not mined yet, or unreachable transiently
			}
			head, err := g.client.BlockNumber(ctx)
			if err != nil {
				continue
			}
			if head < receipt.BlockNumber.Uint64()+n-1 {
				continue // not enough confirmations yet
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, ErrTxReverted
			}
			return &Receipt{TxHash: txHash, BlockNumber: receipt.BlockNumber.Uint64()}, nil
		}
	}
}

func (g *EVMGateway) RevealOnDestination(ctx context.Context, escrow string, preimage []byte) (string, error) {
	var preimage32 [32]byte
	copy(preimage32[:], preimage)

	data, err := g.escrow.Pack("withdraw", preimage32)
	if err != nil {
		return "", fmt.Errorf("chain: pack withdraw call: %w", err)
	}

	opts, err := g.transactOpts(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChainUnreachable, err)
	}

	escrowAddr := common.HexToAddress(escrow)
	tx := types.NewTransaction(opts.Nonce.Uint64(), escrowAddr, big.NewInt(0), g.cfg.GasLimit, opts.GasPrice, data)
	signedTx, err := opts.Signer(opts.From, tx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		lower := strings.ToLower(err.Error())
		switch {
		case strings.Contains(lower, "claimed"):
			return "", ErrAlreadyClaimed
		case strings.Contains(lower, "deadline"):
			return "", ErrDeadlinePassed
		case strings.Contains(lower, "hash"):
			return "", ErrHashMismatch
		default:
			return "", fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}
	return signedTx.Hash().Hex(), nil
}

func (g *EVMGateway) ExtractRevealedSecret(ctx context.Context, txHash, escrow string) ([]byte, error) {
	hash := common.HexToHash(txHash)
	receipt, err := g.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, err)
	}

	withdrawnTopic := crypto.Keccak256Hash([]byte("Withdrawn(bytes32)"))
	for _, l := range receipt.Logs {
		if !strings.EqualFold(l.Address.Hex(), escrow) {
			continue
		}
		if len(l.Topics) == 0 || l.Topics[0] != withdrawnTopic {
			continue
		}
		out, err := g.escrow.Unpack("Withdrawn", l.Data)
		if err != nil || len(out) == 0 {
			continue
		}
		preimage := out[0].([32]byte)
		return preimage[:], nil
	}
	return nil, ErrNotFound
}

func (g *EVMGateway) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	chainID, err := g.client.NetworkID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := g.client.PendingNonceAt(ctx, g.address)
	if err != nil {
		return nil, err
	}
	gasPrice := big.NewInt(g.cfg.GasPriceGwei * 1_000_000_000)
	if g.cfg.GasPriceGwei == 0 {
		gasPrice, err = g.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
	}

	opts, err := bind.NewKeyedTransactorWithChainID(g.privateKey, chainID)
	if err != nil {
		return nil, err
	}
	opts.Nonce = big.NewInt(int64(nonce))
	opts.GasPrice = gasPrice
	opts.GasLimit = g.cfg.GasLimit
	opts.Context = ctx
	return opts, nil
}

func (g *EVMGateway) Close() error {
	g.client.Close()
	return nil
}
