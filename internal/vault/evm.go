package vault

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
)

// EVMConfig describes the connection to one vault contract deployment.
type EVMConfig struct {
	ChainID      int64
	RPCURL       string
	VaultAddress string
	GasLimit     uint64 // 0 uses defaultGasLimit
}

const defaultGasLimit = 900_000

// Vault amounts are wad-encoded (18 decimal fixed point) in the settlement
// currency. Leverage is encoded in basis points on the wire.
var wad = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// --------------------------------------------------------------------------
// Shared EVM plumbing
// --------------------------------------------------------------------------

// evmBase holds the client, signing key and ABI shared by all vault
// generations. Generation types embed it and differ only in ABI and decoding.
type evmBase struct {
	client   *ethclient.Client
	chainID  *big.Int
	vault    common.Address
	contract abi.ABI
	key      *ecdsa.PrivateKey
	from     common.Address
	gasLimit uint64
	logger   *slog.Logger
}

func dialBase(ctx context.Context, cfg EVMConfig, key *ecdsa.PrivateKey, abiJSON string, logger *slog.Logger) (evmBase, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return evmBase{}, fmt.Errorf("vault: parsing vault ABI: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return evmBase{}, fmt.Errorf("vault: dialing chain %d: %w", cfg.ChainID, err)
	}

	gas := cfg.GasLimit
	if gas == 0 {
		gas = defaultGasLimit
	}

	return evmBase{
		client:   client,
		chainID:  big.NewInt(cfg.ChainID),
		vault:    common.HexToAddress(cfg.VaultAddress),
		contract: parsed,
		key:      key,
		from:     ethcrypto.PubkeyToAddress(key.PublicKey),
		gasLimit: gas,
		logger:   logger.With(slog.Int64("chain", cfg.ChainID)),
	}, nil
}

// Close releases the underlying RPC connection.
func (b *evmBase) Close() {
	b.client.Close()
}

// call performs a read-only contract call and unpacks the results.
func (b *evmBase) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := b.contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("vault: packing %s: %w", method, err)
	}

	out, err := b.client.CallContract(ctx, ethereumCallMsg(b.vault, data), nil)
	if err != nil {
		return nil, fmt.Errorf("vault: calling %s: %w", method, err)
	}

	vals, err := b.contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("vault: unpacking %s result: %w", method, err)
	}
	return vals, nil
}

// transact signs and submits a state-changing call, then waits for it to be
// mined. A receipt with a failed status is surfaced as an error so callers
// treat the attempt as a single failed try.
func (b *evmBase) transact(ctx context.Context, method string, args ...any) (*types.Receipt, error) {
	data, err := b.contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("vault: packing %s: %w", method, err)
	}

	nonce, err := b.client.PendingNonceAt(ctx, b.from)
	if err != nil {
		return nil, fmt.Errorf("vault: fetching nonce: %w", err)
	}
	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault: fetching gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, b.vault, big.NewInt(0), b.gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(b.chainID), b.key)
	if err != nil {
		return nil, fmt.Errorf("vault: signing %s: %w", method, err)
	}

	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("vault: sending %s: %w", method, err)
	}

	b.logger.Debug("transaction submitted",
		slog.String("method", method),
		slog.String("tx", signed.Hash().Hex()))

	receipt, err := bind.WaitMined(ctx, b.client, signed)
	if err != nil {
		return nil, fmt.Errorf("vault: waiting for %s (%s): %w", method, signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("vault: %s reverted (%s)", method, signed.Hash().Hex())
	}
	return receipt, nil
}

// closePayout extracts the payout from the PositionClosed event emitted by the
// close transaction. A close that emitted no such event pays out zero (fully
// liquidated position).
func (b *evmBase) closePayout(receipt *types.Receipt) float64 {
	ev, ok := b.contract.Events["PositionClosed"]
	if !ok {
		return 0
	}
	for _, lg := range receipt.Logs {
		if lg.Address != b.vault || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		vals, err := b.contract.Unpack("PositionClosed", lg.Data)
		if err != nil || len(vals) == 0 {
			continue
		}
		if payout, ok := vals[len(vals)-1].(*big.Int); ok {
			return fromWad(payout)
		}
	}
	return 0
}

func ethereumCallMsg(to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: data}
}

// --------------------------------------------------------------------------
// Encoding helpers
// --------------------------------------------------------------------------

func toWad(v float64) *big.Int {
	scaled := new(big.Float).Mul(big.NewFloat(v), wad)
	out, _ := scaled.Int(nil)
	return out
}

func fromWad(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), wad).Float64()
	return f
}

// percentToBps converts a human percentage (1.5 = 1.5%) to basis points.
func percentToBps(pct float64) *big.Int {
	return big.NewInt(int64(pct * 100))
}

func unpackBig(vals []any, i int) (*big.Int, error) {
	if i >= len(vals) {
		return nil, fmt.Errorf("vault: result index %d out of range", i)
	}
	v, ok := vals[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("vault: result %d is %T, want *big.Int", i, vals[i])
	}
	return v, nil
}

func unpackBool(vals []any, i int) (bool, error) {
	if i >= len(vals) {
		return false, fmt.Errorf("vault: result index %d out of range", i)
	}
	v, ok := vals[i].(bool)
	if !ok {
		return false, fmt.Errorf("vault: result %d is %T, want bool", i, vals[i])
	}
	return v, nil
}

// entryFromReceipt derives the fill price from the freshly opened on-chain
// position. The vault fills at its oracle price, so notional / token amount
// recovers it exactly.
func entryFromReceipt(pos domain.OnChainPosition, leverage float64) (float64, error) {
	if !pos.Exists || pos.TokenAmount <= 0 {
		return 0, fmt.Errorf("vault: opened position has no token amount")
	}
	return pos.Collateral * leverage / pos.TokenAmount, nil
}
