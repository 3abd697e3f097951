package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"

	"github.com/ideepx/proofengine/distributor/pkg/metrics"
	"github.com/ideepx/proofengine/utils/pkg/retry"
)

// RPC is the subset of the Solana RPC client the ledger uses.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
}

type SolanaConfig struct {
	Logger *slog.Logger
	RPC    RPC
	Payer  solana.PrivateKey
	// RequestsPerSecond bounds calls to the RPC endpoint.
	RequestsPerSecond float64
	Retry             retry.Config
}

func (cfg *SolanaConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if len(cfg.Payer) == 0 {
		return errors.New("payer key is required")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// SolanaLedger writes commitments as memo transactions signed by the payer.
// Solana itself does not reject a repeated memo, so duplicates are rejected
// in process and by the proof store.
type SolanaLedger struct {
	log     *slog.Logger
	cfg     SolanaConfig
	limiter *rate.Limiter
	guard   *weekGuard
}

func NewSolanaLedger(cfg SolanaConfig) (*SolanaLedger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SolanaLedger{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		guard:   newWeekGuard(),
	}, nil
}

func (l *SolanaLedger) SubmitProof(ctx context.Context, c Commitment) (TxRef, error) {
	data, err := submitMemo(c)
	if err != nil {
		return "", err
	}
	if err := l.guard.beginSubmit(c); err != nil {
		return "", err
	}
	ref, err := l.sendMemo(ctx, data)
	if err != nil {
		l.guard.abortSubmit(c.Week)
		return "", fmt.Errorf("failed to submit proof for week %d: %w", c.Week, err)
	}
	l.log.Info("ledger: proof submitted", "week", c.Week, "tx", ref, "locator", c.Locator)
	return ref, nil
}

func (l *SolanaLedger) FinalizeProof(ctx context.Context, week uint64) (TxRef, error) {
	data, err := finalizeMemo(week)
	if err != nil {
		return "", err
	}
	if err := l.guard.beginFinalize(week); err != nil {
		return "", err
	}
	ref, err := l.sendMemo(ctx, data)
	if err != nil {
		l.guard.abortFinalize(week)
		return "", fmt.Errorf("failed to finalize proof for week %d: %w", week, err)
	}
	l.log.Info("ledger: proof finalized", "week", week, "tx", ref)
	return ref, nil
}

// Restore seeds the duplicate guard from persisted proof records.
func (l *SolanaLedger) Restore(c Commitment, finalized bool) {
	l.guard.restore(c, finalized)
}

func (l *SolanaLedger) sendMemo(ctx context.Context, data []byte) (TxRef, error) {
	start := time.Now()
	defer func() { metrics.ExternalCallDuration.WithLabelValues("solana").Observe(time.Since(start).Seconds()) }()

	tx, err := l.buildTx(ctx, data)
	if err != nil {
		return "", err
	}

	// The transaction is signed once; resending the same signature is a no-op
	// on the cluster.
	sig, err := retry.DoValue(ctx, l.cfg.Retry, func() (solana.Signature, error) {
		if err := l.limiter.Wait(ctx); err != nil {
			return solana.Signature{}, err
		}
		return l.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
			PreflightCommitment: solanarpc.CommitmentConfirmed,
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to send memo transaction: %w", err)
	}
	return TxRef(sig.String()), nil
}

func (l *SolanaLedger) buildTx(ctx context.Context, data []byte) (*solana.Transaction, error) {
	payer := l.cfg.Payer.PublicKey()

	latest, err := retry.DoValue(ctx, l.cfg.Retry, func() (*solanarpc.GetLatestBlockhashResult, error) {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return l.cfg.RPC.GetLatestBlockhash(ctx, solanarpc.CommitmentFinalized)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if latest == nil || latest.Value == nil {
		return nil, errors.New("empty blockhash response")
	}

	ix := solana.NewInstruction(
		solana.MemoProgramID,
		solana.AccountMetaSlice{solana.Meta(payer).SIGNER()},
		data,
	)
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, latest.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &l.cfg.Payer
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, nil
}
