package game

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"farmhand/chain"
)

// withdrawRenames maps tradable token codes to the in-game currency names
// the withdraw action expects.
var withdrawRenames = map[string]string{
	"FWW": "WOOD",
	"FWG": "GOLD",
	"FWF": "FOOD",
}

// WithdrawOptions tunes a withdrawal.
type WithdrawOptions struct {
	// MaxFee is the highest acceptable withdrawal fee in percent. Zero
	// selects the 5% default.
	MaxFee float64
	// Wait installs a probe that re-checks the fee every ten minutes and
	// executes the withdrawal once acceptable, instead of failing with
	// ErrFeeTooHigh.
	Wait bool
}

// WithdrawResult reports how a withdrawal request concluded: either an
// immediate execution result, or the handles of the deferred fee probe.
type WithdrawResult struct {
	Executed *chain.TransactResult
	// Done is closed when a deferred fee probe finishes, whether it
	// executed the withdrawal or was cancelled. Nil when the withdrawal
	// executed immediately.
	Done <-chan struct{}
	// Cancel stops a deferred fee probe. Nil when the withdrawal executed
	// immediately. Safe to call more than once.
	Cancel func()
}

type withdrawData struct {
	Fee        float64  `json:"fee"`
	Owner      string   `json:"owner"`
	Quantities []string `json:"quantities"`
}

// WithdrawTokens moves in-game currency out to the tradable tokens. The
// game charges the current config fee; when it exceeds the ceiling the call
// fails, or, with Wait set, defers behind a self-rescheduling probe.
func (fw *FarmersWorld) WithdrawTokens(ctx context.Context, quantities []chain.Asset, opts WithdrawOptions) (*WithdrawResult, error) {
	if opts.MaxFee == 0 {
		opts.MaxFee = 5
	}

	config, err := fw.CurrentConfig(ctx)
	if err != nil {
		return nil, err
	}

	if config.Fee > opts.MaxFee {
		if !opts.Wait {
			return nil, fmt.Errorf("%w: current %.1f%%, ceiling %.1f%%", ErrFeeTooHigh, config.Fee, opts.MaxFee)
		}
		return fw.deferWithdrawal(quantities, opts, config.Fee), nil
	}

	result, err := fw.executeWithdrawal(ctx, quantities, config.Fee)
	if err != nil {
		return nil, err
	}
	return &WithdrawResult{Executed: result}, nil
}

func (fw *FarmersWorld) executeWithdrawal(ctx context.Context, quantities []chain.Asset, fee float64) (*chain.TransactResult, error) {
	formatted := make([]string, len(quantities))
	for i, qty := range quantities {
		formatted[i] = renameForWithdraw(qty.String())
	}
	return fw.transact(ctx, chain.Action{
		Account:       GameContract,
		Name:          "withdraw",
		Authorization: fw.activeAuth(),
		Data: withdrawData{
			Fee:        fee,
			Owner:      fw.client.Account(),
			Quantities: formatted,
		},
	})
}

// deferWithdrawal starts a probe that retries the withdrawal every probe
// interval until it succeeds or is cancelled.
func (fw *FarmersWorld) deferWithdrawal(quantities []chain.Asset, opts WithdrawOptions, currentFee float64) *WithdrawResult {
	jobID := uuid.NewString()
	fw.logger.Info("withdrawal deferred, fee above ceiling",
		"job_id", jobID, "fee", currentFee, "ceiling", opts.MaxFee,
		"recheck_in", fw.probeInterval.String())

	stop := make(chan struct{})
	finished := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() { close(stop) })
	}

	go func() {
		defer close(finished)
		ticker := time.NewTicker(fw.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				fw.logger.Info("withdrawal probe cancelled", "job_id", jobID)
				return
			case <-ticker.C:
			}

			ctx, cancelAttempt := context.WithTimeout(context.Background(), time.Minute)
			result, err := fw.WithdrawTokens(ctx, quantities, WithdrawOptions{MaxFee: opts.MaxFee})
			cancelAttempt()

			if err != nil {
				fw.logger.Warn("withdrawal attempt failed, retrying",
					"job_id", jobID, "error", err)
				continue
			}
			if result.Executed != nil {
				fw.logger.Info("deferred withdrawal executed",
					"job_id", jobID, "transaction_id", result.Executed.TransactionID)
				return
			}
		}
	}()

	return &WithdrawResult{Done: finished, Cancel: cancel}
}

func renameForWithdraw(quantity string) string {
	for from, to := range withdrawRenames {
		if strings.HasSuffix(quantity, " "+from) {
			return strings.TrimSuffix(quantity, from) + to
		}
	}
	return quantity
}
