package vault

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
)

// Second-generation vault: leverage above 1x borrows settlement currency
// on-chain, so positions carry a borrowed amount and a liquidation health
// factor (wad-encoded, 1.0 = at the liquidation threshold).
const v2ABI = `[
	{"type":"function","name":"accountStatus","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"balance","type":"uint256"},{"name":"autoTrade","type":"bool"},{"name":"canTradeNow","type":"bool"},{"name":"riskBps","type":"uint256"}]},
	{"type":"function","name":"openPosition","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"},{"name":"collateral","type":"uint256"},{"name":"leverageBps","type":"uint256"},{"name":"isLong","type":"bool"}],"outputs":[]},
	{"type":"function","name":"closePosition","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"}],"outputs":[]},
	{"type":"function","name":"positions","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"tokenAmount","type":"uint256"},{"name":"collateral","type":"uint256"},{"name":"borrowed","type":"uint256"},{"name":"healthFactor","type":"uint256"}]},
	{"type":"function","name":"sweepFees","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"PositionClosed","inputs":[{"name":"user","type":"address","indexed":true},{"name":"token","type":"address","indexed":true},{"name":"payout","type":"uint256","indexed":false}]}
]`

// V2Adapter drives a second-generation vault contract.
type V2Adapter struct {
	evmBase
}

var _ domain.VaultAdapter = (*V2Adapter)(nil)

// NewV2 connects to a second-generation vault on the configured chain.
func NewV2(ctx context.Context, cfg EVMConfig, key *ecdsa.PrivateKey, logger *slog.Logger) (*V2Adapter, error) {
	base, err := dialBase(ctx, cfg, key, v2ABI, logger.With(slog.String("component", "vault.v2")))
	if err != nil {
		return nil, err
	}
	return &V2Adapter{evmBase: base}, nil
}

func (a *V2Adapter) ChainID() int64 {
	return a.chainID.Int64()
}

func (a *V2Adapter) GetStatus(ctx context.Context, wallet string) (domain.VaultStatus, error) {
	vals, err := a.call(ctx, "accountStatus", common.HexToAddress(wallet))
	if err != nil {
		return domain.VaultStatus{}, err
	}

	balance, err := unpackBig(vals, 0)
	if err != nil {
		return domain.VaultStatus{}, err
	}
	autoTrade, err := unpackBool(vals, 1)
	if err != nil {
		return domain.VaultStatus{}, err
	}
	canTrade, err := unpackBool(vals, 2)
	if err != nil {
		return domain.VaultStatus{}, err
	}
	riskBps, err := unpackBig(vals, 3)
	if err != nil {
		return domain.VaultStatus{}, err
	}

	return domain.VaultStatus{
		Balance:          fromWad(balance),
		AutoTradeEnabled: autoTrade,
		CanTradeNow:      canTrade,
		RiskBps:          int(riskBps.Int64()),
	}, nil
}

func (a *V2Adapter) Open(ctx context.Context, req domain.OpenRequest) (domain.OpenReceipt, error) {
	receipt, err := a.transact(ctx, "openPosition",
		common.HexToAddress(req.Wallet),
		common.HexToAddress(req.Token),
		toWad(req.Collateral),
		percentToBps(req.Leverage*100),
		req.Direction == domain.DirectionLong,
	)
	if err != nil {
		return domain.OpenReceipt{}, err
	}

	pos, err := a.GetOnChainPosition(ctx, req.Wallet, req.Token)
	if err != nil {
		return domain.OpenReceipt{}, fmt.Errorf("vault: reading back opened position: %w", err)
	}
	entry, err := entryFromReceipt(pos, req.Leverage)
	if err != nil {
		return domain.OpenReceipt{}, err
	}

	return domain.OpenReceipt{
		TxHash:      receipt.TxHash.Hex(),
		EntryPrice:  entry,
		TokenAmount: pos.TokenAmount,
		Borrowed:    pos.Borrowed,
	}, nil
}

func (a *V2Adapter) Close(ctx context.Context, wallet, token string, reason domain.CloseReason) (domain.CloseReceipt, error) {
	receipt, err := a.transact(ctx, "closePosition",
		common.HexToAddress(wallet),
		common.HexToAddress(token),
	)
	if err != nil {
		return domain.CloseReceipt{}, err
	}

	a.logger.Info("position closed on chain",
		slog.String("wallet", wallet),
		slog.String("token", token),
		slog.String("reason", string(reason)),
		slog.String("tx", receipt.TxHash.Hex()))

	return domain.CloseReceipt{
		TxHash:         receipt.TxHash.Hex(),
		RealizedAmount: a.closePayout(receipt),
	}, nil
}

func (a *V2Adapter) GetOnChainPosition(ctx context.Context, wallet, token string) (domain.OnChainPosition, error) {
	vals, err := a.call(ctx, "positions", common.HexToAddress(wallet), common.HexToAddress(token))
	if err != nil {
		return domain.OnChainPosition{}, err
	}

	amount, err := unpackBig(vals, 0)
	if err != nil {
		return domain.OnChainPosition{}, err
	}
	collateral, err := unpackBig(vals, 1)
	if err != nil {
		return domain.OnChainPosition{}, err
	}
	borrowed, err := unpackBig(vals, 2)
	if err != nil {
		return domain.OnChainPosition{}, err
	}
	health, err := unpackBig(vals, 3)
	if err != nil {
		return domain.OnChainPosition{}, err
	}

	pos := domain.OnChainPosition{
		Exists:      amount.Sign() > 0,
		TokenAmount: fromWad(amount),
		Collateral:  fromWad(collateral),
		Borrowed:    fromWad(borrowed),
	}
	if pos.Exists && health.Sign() > 0 {
		hf := fromWad(health)
		pos.HealthFactor = &hf
	}
	return pos, nil
}

func (a *V2Adapter) SweepFees(ctx context.Context, wallet string, amount float64) (string, error) {
	receipt, err := a.transact(ctx, "sweepFees", common.HexToAddress(wallet), toWad(amount))
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}
