package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"psa/internal/config"
	"psa/internal/journal"
	"psa/internal/lifecycle"
	"psa/internal/logging"
	"psa/internal/mangle"
	"psa/internal/reasoning"
	"psa/internal/rules"
	"psa/internal/store"
	"psa/internal/tactile"
)

// app holds the components a command works with. Fields a command did not
// ask for are nil.
type app struct {
	cfg       *config.Config
	store     *store.LocalStore
	journal   *journal.Journal
	local     *tactile.Local
	engine    *rules.Engine
	lifecycle *lifecycle.Manager
	reasoning *reasoning.Engine
}

type appOptions struct {
	// journal opens the badger commit log, which is exclusive to one process.
	journal bool
	// reasoning loads the knowledge file and known solutions as clauses.
	reasoning bool
	// audit receives every spawned process event.
	audit func(tactile.AuditEvent)
}

func openApp(ctx context.Context, cfg *config.Config, o appOptions) (_ *app, err error) {
	timer := logging.StartTimer(logging.CategoryBoot, "openApp")
	defer timer.Stop()

	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = store.NewLocalStore(cfg.DatabasePath); err != nil {
		return nil, err
	}

	var committer rules.Committer
	if o.journal {
		if a.journal, err = journal.Open(journal.Config{Path: cfg.JournalDir}); err != nil {
			return nil, fmt.Errorf("open journal (is the daemon running?): %w", err)
		}
		committer = a.journal
	}

	execCfg := tactile.DefaultExecutorConfig()
	execCfg.AuditCallback = o.audit
	a.local = tactile.NewLocal(tactile.Options{
		Executor: tactile.NewDirectExecutorWithConfig(execCfg),
		Shell:    cfg.Execution.Shell,
		Notify:   cfg.Execution.Notify,
	})

	a.engine, err = rules.Open(ctx, cfg.RulesDir, rules.Options{
		Probes:        a.local,
		Effects:       a.local,
		Committer:     committer,
		Author:        cfg.Daemon.Author,
		ProbeTimeout:  cfg.GetProbeTimeout(),
		ActionTimeout: cfg.GetActionTimeout(),
	})
	if err != nil {
		return nil, err
	}

	a.lifecycle = lifecycle.NewManager(tolerance(cfg), a.store)
	if err := a.lifecycle.Restore(ctx); err != nil {
		logger.Warn("lifecycle state not restored", zap.Error(err))
	}

	if o.reasoning {
		if a.reasoning, err = loadReasoning(ctx, cfg, a.store); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logger.Warn("close journal", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}
}

func tolerance(cfg *config.Config) lifecycle.Tolerance {
	return lifecycle.Tolerance{
		MinSuccessRate:         cfg.Tolerance.MinSuccessRate,
		MinSamples:             cfg.Tolerance.MinSamples,
		VarianceThreshold:      cfg.Tolerance.VarianceThreshold,
		FailureReviewThreshold: cfg.Tolerance.FailureReviewThreshold,
		RateWindow:             cfg.GetRateWindow(),
	}
}

// loadReasoning builds the clause store from the knowledge file and every
// stored solution.
func loadReasoning(ctx context.Context, cfg *config.Config, st *store.LocalStore) (*reasoning.Engine, error) {
	eng := reasoning.NewEngine(cfg.Reasoning.MaxDepth)
	if cfg.Reasoning.KnowledgePath != "" {
		n, err := mangle.LoadKnowledge(cfg.Reasoning.KnowledgePath, eng)
		if err != nil {
			return nil, fmt.Errorf("load knowledge: %w", err)
		}
		logger.Info("knowledge loaded", zap.String("path", cfg.Reasoning.KnowledgePath), zap.Int("clauses", n))
	}

	sols, err := st.AllSolutions(ctx)
	if err != nil {
		return nil, err
	}
	obs := make([]reasoning.Observation, 0, len(sols))
	for _, s := range sols {
		obs = append(obs, reasoning.Observation{
			Problem:  s.Problem,
			Solution: s.Solution,
			Success:  s.SuccessCount,
			Failure:  s.FailureCount,
		})
	}
	for _, c := range reasoning.SolutionFacts(obs) {
		eng.AddClause(c)
	}
	return eng, nil
}

// withApp opens the components for one command and closes them afterwards.
func withApp(parent context.Context, o appOptions, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	a, err := openApp(ctx, cfg, o)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
