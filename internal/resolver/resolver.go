package resolver

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/InfiniteCode-Org/market-checker/internal/model"
)

const resolverABIJSON = `[{"inputs":[{"internalType":"bytes32","name":"marketId","type":"bytes32"},{"internalType":"bool","name":"outcome","type":"bool"},{"internalType":"bytes","name":"proof","type":"bytes"}],"name":"resolveMarket","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

var resolverABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(resolverABIJSON))
	if err != nil {
		panic("failed to parse resolver ABI: " + err.Error())
	}
	resolverABI = parsed
}

// ErrAlreadySettled marks a semantic rejection: the market is already
// resolved on chain. Callers must treat it as success without a
// confirmation reference rather than retrying.
var ErrAlreadySettled = errors.New("resolver: market already settled")

// Request carries everything one resolution transaction needs.
type Request struct {
	MarketID   string
	Outcome    model.Outcome
	Proof      []byte // attestation bytes from the price feed, forwarded verbatim
	SignerSlot int
}

// Resolver performs the authoritative, irreversible resolution action.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (confirmationRef string, err error)
}

// Options parameterise the on-chain resolver.
type Options struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
	SignerKeys      []string // hex-encoded private keys
	Timeout         time.Duration
	GasLimit        uint64
}

// EthResolver submits resolveMarket transactions through a fixed pool of
// signing keys.
type EthResolver struct {
	opts     Options
	logger   zerolog.Logger
	contract common.Address
	chainID  *big.Int

	keys    []*ecdsa.PrivateKey
	keyLock []sync.Mutex // serialises nonce assignment per signer

	clientMux sync.Mutex
	client    *ethclient.Client
}

// New builds an on-chain resolver, parsing the signer key pool eagerly so a
// bad key is a startup failure rather than a runtime one.
func New(opts Options, logger zerolog.Logger) (*EthResolver, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("resolver: rpc url not configured")
	}
	if opts.ContractAddress == "" {
		return nil, errors.New("resolver: contract address not configured")
	}
	if len(opts.SignerKeys) == 0 {
		return nil, errors.New("resolver: signer key pool is empty")
	}

	keys := make([]*ecdsa.PrivateKey, 0, len(opts.SignerKeys))
	for i, hexKey := range opts.SignerKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse signer key %d: %w", i, err)
		}
		keys = append(keys, key)
	}

	return &EthResolver{
		opts:     opts,
		logger:   logger.With().Str("component", "resolver").Logger(),
		contract: common.HexToAddress(opts.ContractAddress),
		chainID:  big.NewInt(opts.ChainID),
		keys:     keys,
		keyLock:  make([]sync.Mutex, len(keys)),
	}, nil
}

// PoolSize reports the number of signing keys.
func (r *EthResolver) PoolSize() int {
	return len(r.keys)
}

// Resolve submits one resolveMarket transaction and returns its hash. A
// revert indicating the market is already resolved surfaces as
// ErrAlreadySettled; everything else is transient and retryable.
func (r *EthResolver) Resolve(ctx context.Context, req Request) (string, error) {
	if req.SignerSlot < 0 || req.SignerSlot >= len(r.keys) {
		return "", fmt.Errorf("resolver: signer slot %d out of range", req.SignerSlot)
	}

	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return "", err
	}

	marketID := crypto.Keccak256Hash([]byte(req.MarketID))
	payload, err := resolverABI.Pack("resolveMarket", marketID, req.Outcome == model.OutcomeYes, req.Proof)
	if err != nil {
		return "", fmt.Errorf("pack resolveMarket: %w", err)
	}

	key := r.keys[req.SignerSlot]
	from := crypto.PubkeyToAddress(key.PublicKey)

	r.keyLock[req.SignerSlot].Lock()
	defer r.keyLock[req.SignerSlot].Unlock()

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("fetch nonce for %s: %w", from.Hex(), err)
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	gasLimit := r.opts.GasLimit
	if gasLimit == 0 {
		estimated, estErr := client.EstimateGas(ctx, ethereum.CallMsg{
			From: from,
			To:   &r.contract,
			Data: payload,
		})
		if estErr != nil {
			if isAlreadySettled(estErr) {
				return "", fmt.Errorf("estimate resolveMarket gas: %w", ErrAlreadySettled)
			}
			return "", fmt.Errorf("estimate resolveMarket gas: %w", estErr)
		}
		gasLimit = estimated + estimated/5
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &r.contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     payload,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(r.chainID), key)
	if err != nil {
		return "", fmt.Errorf("sign resolveMarket tx: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		if isAlreadySettled(err) {
			return "", fmt.Errorf("send resolveMarket tx: %w", ErrAlreadySettled)
		}
		return "", fmt.Errorf("send resolveMarket tx: %w", err)
	}

	r.logger.Info().
		Str("market_id", req.MarketID).
		Str("tx", signed.Hash().Hex()).
		Str("signer", from.Hex()).
		Int("slot", req.SignerSlot).
		Msg("resolution transaction submitted")

	return signed.Hash().Hex(), nil
}

func (r *EthResolver) getClient(ctx context.Context) (*ethclient.Client, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	r.client = client
	return client, nil
}

// isAlreadySettled classifies revert reasons that mean the market has been
// resolved out of band.
func isAlreadySettled(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already resolved") ||
		strings.Contains(msg, "alreadyresolved") ||
		strings.Contains(msg, "market settled") ||
		strings.Contains(msg, "alreadysettled")
}

var _ Resolver = (*EthResolver)(nil)
