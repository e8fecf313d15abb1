package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/shardctl/internal/credstore"
	"github.com/danmuck/shardctl/internal/faults"
	"github.com/danmuck/shardctl/internal/observability"
	"github.com/danmuck/shardctl/internal/protocol"
	"github.com/danmuck/shardctl/internal/registry"
)

// RecreateOptions select teardown behavior for one recreate chain.
type RecreateOptions struct {
	ID            string
	PhoneNumber   string
	ClearSession  bool
	ForceRecreate bool

	// retryCount tracks position inside one retry chain. Callers start at 0.
	retryCount int
}

// Recreate tears down and re-establishes one shard, retrying with linear
// backoff and escalating to a credential clear as the last resort.
func (m *Manager) Recreate(ctx context.Context, opts RecreateOptions) (*Shard, error) {
	return m.recreateGuarded(ctx, opts, 0)
}

// recreateGuarded runs the recreate chain. A non-zero expectGen makes the
// call conditional: if the shard's generation moved since the caller captured
// expectGen (a stop or newer create happened), the recreate is dropped.
func (m *Manager) recreateGuarded(ctx context.Context, opts RecreateOptions, expectGen uint64) (*Shard, error) {
	if opts.ID == "" {
		return nil, m.reporter.Report(faults.New(faults.KindRecreateFailed, "", fmt.Errorf("recreate requires a shard id")))
	}
	unlock := m.lockShard(opts.ID)
	defer unlock()

	if expectGen != 0 && m.generation(opts.ID) != expectGen {
		log.Debug().Str("shard", opts.ID).Uint64("gen", expectGen).Msg("stale recreate dropped")
		return nil, nil
	}

	attempts := 0
	for {
		attempts++
		shard, err := m.recreateOnceLocked(ctx, opts)
		if err == nil {
			observability.RecordRecreateAttempts(attempts)
			observability.RecordLifecycleOp("recreate", "ok")
			return shard, nil
		}
		if ctx.Err() != nil {
			observability.RecordLifecycleOp("recreate", "error")
			return nil, m.reporter.Report(faults.New(faults.KindRecreateFailed, opts.ID, ctx.Err()))
		}
		if opts.retryCount >= m.opts.MaxRetries {
			observability.RecordRecreateAttempts(attempts)
			observability.RecordLifecycleOp("recreate", "error")
			return nil, m.reporter.Report(faults.New(faults.KindRecreateFailed, opts.ID, err))
		}
		opts.retryCount++
		// Last-resort hard reset: late retries abandon the stored session.
		if opts.retryCount >= 2 {
			opts.ClearSession = true
		}
		delay := NextRetryDelay(m.opts.RetryBaseDelay, opts.retryCount)
		log.Warn().
			Str("shard", opts.ID).
			Int("retry", opts.retryCount).
			Bool("clear_session", opts.ClearSession).
			Dur("delay", delay).
			Err(err).
			Msg("recreate retrying")
		if err := m.sleep(ctx, delay); err != nil {
			observability.RecordLifecycleOp("recreate", "error")
			return nil, m.reporter.Report(faults.New(faults.KindRecreateFailed, opts.ID, err))
		}
	}
}

// recreateOnceLocked is one teardown/cleanup/settle/create pass.
func (m *Manager) recreateOnceLocked(ctx context.Context, opts RecreateOptions) (*Shard, error) {
	rec, hadRecord := m.registry.Get(opts.ID)
	phone := opts.PhoneNumber
	if phone == "" && hadRecord {
		phone = rec.PhoneNumber
	}

	m.teardownLocked(opts.ID)

	dir := m.sessionDir(opts.ID)
	if opts.ClearSession {
		if err := credstore.Clear(dir); err != nil {
			return nil, err
		}
	} else if err := credstore.ValidateAndClean(dir); err != nil {
		// ValidateAndClean protects valid registered bundles, so a non-forced
		// recreate of a known-good session only cycles the connection.
		return nil, err
	}

	if err := m.sleep(ctx, m.opts.SettleDelay); err != nil {
		return nil, err
	}
	return m.createLocked(ctx, CreateOptions{
		ID:          opts.ID,
		PhoneNumber: phone,
		Index:       rec.Index,
		Total:       rec.Total,
	})
}

// handleOpen marks a shard connected once the protocol reports open. Signals
// from a replaced handle are discarded.
func (m *Manager) handleOpen(id string, conn protocol.Conn) {
	rec, ok := m.registry.Get(id)
	if !ok || rec.Conn != conn {
		return
	}
	m.setStatus(id, registry.StatusConnected)
	log.Info().Str("shard", id).Msg("shard connected")
}

// handleClose applies the auto-reconnect policy. Permanent closes (logout,
// or a session that never registered) clear credentials and recreate
// immediately; transient closes recreate after the reconnect delay.
func (m *Manager) handleClose(id string, conn protocol.Conn, reason protocol.CloseReason) {
	rec, ok := m.registry.Get(id)
	if !ok || rec.Conn != conn {
		// Already stopped or replaced; nothing to recover.
		return
	}
	gen := rec.Generation
	if m.generation(id) != gen {
		return
	}

	permanent := reason.Permanent()
	if !permanent && !credstore.CheckStatus(m.sessionDir(id)).Registered {
		permanent = true
	}

	if permanent {
		m.setStatus(id, registry.StatusLoggedOut)
		log.Info().Str("shard", id).Str("reason", string(reason)).Msg("shard logged out, recreating with clear")
		m.scheduleRecreate(id, gen, 0, RecreateOptions{
			ID:            id,
			ClearSession:  true,
			ForceRecreate: true,
		})
		return
	}

	m.setStatus(id, registry.StatusDisconnected)
	log.Info().
		Str("shard", id).
		Str("reason", string(reason)).
		Dur("delay", m.opts.ReconnectDelay).
		Msg("shard disconnected, recreate scheduled")
	m.scheduleRecreate(id, gen, m.opts.ReconnectDelay, RecreateOptions{ID: id})
}

// scheduleRecreate arms a generation-guarded recreate. The guard is checked
// after the delay and again under the shard lock, so a stop or a newer
// create in the interim suppresses the callback.
func (m *Manager) scheduleRecreate(id string, gen uint64, delay time.Duration, opts RecreateOptions) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sleep(m.ctx, delay); err != nil {
			return
		}
		if m.generation(id) != gen {
			log.Debug().Str("shard", id).Uint64("gen", gen).Msg("scheduled recreate superseded")
			return
		}
		if _, err := m.recreateGuarded(m.ctx, opts, gen); err != nil {
			log.Warn().Str("shard", id).Err(err).Msg("scheduled recreate failed")
		}
	}()
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
