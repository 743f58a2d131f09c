// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"

	"github.com/tombee/baton/internal/config"
	"github.com/tombee/baton/internal/scheduler"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/golden"
	"github.com/tombee/baton/pkg/ledger"
	"github.com/tombee/baton/pkg/policy"
	"github.com/tombee/baton/pkg/sandbox"
	"github.com/tombee/baton/pkg/skill"
	"github.com/tombee/baton/pkg/workflow"
)

// app wires the daemon's collaborators together for the command
// handlers. Everything is built lazily from the loaded configuration so
// commands that only touch one subsystem do not pay for the rest.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store    store.Store
	stop     *policy.EmergencyStop
	shutdown []func() error
}

func newApp(configPath string, logger *slog.Logger) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

// openStore builds the configured persistence backend, once.
func (a *app) openStore() (store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}

	switch a.cfg.Store.Backend {
	case "memory":
		a.store = store.NewMemory()
	default:
		s, err := store.NewSQLite(store.SQLiteConfig{
			Path: a.cfg.Store.Path,
			WAL:  a.cfg.Store.WAL,
		})
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		a.store = s
	}
	a.shutdown = append(a.shutdown, a.store.Close)
	return a.store, nil
}

func (a *app) openRecorder() (*golden.FileRecorder, error) {
	secret, err := a.cfg.GoldenSecret()
	if err != nil {
		return nil, err
	}
	return golden.NewFileRecorder(a.cfg.Golden.Dir, secret)
}

func (a *app) newEnforcer() (*policy.Enforcer, error) {
	a.stop = policy.NewEmergencyStop(a.logger)
	if a.cfg.Policy.StopFile != "" {
		if err := a.stop.WatchFile(a.cfg.Policy.StopFile); err != nil {
			return nil, fmt.Errorf("watching stop file: %w", err)
		}
		a.shutdown = append(a.shutdown, a.stop.Close)
	}
	return policy.NewEnforcer(policy.Config{
		Stop:             a.stop,
		StepCeilingMinor: a.cfg.Policy.StepCeilingMinor,
	}), nil
}

func (a *app) newLimiter() *rate.Limiter {
	if a.cfg.Policy.TenantRatePerSecond <= 0 {
		return nil
	}
	burst := a.cfg.Policy.TenantRateBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(a.cfg.Policy.TenantRatePerSecond), burst)
}

// newEngine assembles a workflow engine over the configured store,
// recorder, and policy enforcer, with the deterministic builtin skills
// registered.
func (a *app) newEngine() (*workflow.Engine, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	recorder, err := a.openRecorder()
	if err != nil {
		return nil, err
	}
	enforcer, err := a.newEnforcer()
	if err != nil {
		return nil, err
	}

	registry := skill.NewRegistry()
	if err := skill.RegisterBuiltins(registry); err != nil {
		return nil, err
	}

	return workflow.NewEngine(workflow.EngineConfig{
		Registry:    registry,
		Enforcer:    enforcer,
		Checkpoints: st,
		Recorder:    recorder,
		Logger:      a.logger,
		Limiter:     a.newLimiter(),
		PlanCheck:   a.checkPlan,
	}), nil
}

// checkPlan refuses any plan the sandbox flags, so untrusted
// definitions never reach step execution.
func (a *app) checkPlan(spec *workflow.Spec) error {
	report := sandbox.Validate(spec)
	for _, w := range report.Warnings {
		a.logger.Warn("plan validation warning", "workflow_id", spec.ID, "detail", w)
	}
	if !report.Valid {
		for _, v := range report.Violations {
			a.logger.Error("plan validation violation", "workflow_id", spec.ID, "detail", v)
		}
		return &errors.ValidationError{
			Field:   "plan",
			Message: strings.Join(report.Violations, "; "),
		}
	}
	return nil
}

// newScheduler builds a job scheduler over the configured store with
// the configured heartbeat TTL.
func (a *app) newScheduler(led ledger.Ledger) (*scheduler.Scheduler, error) {
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return scheduler.New(scheduler.Config{
		Store:        st,
		Ledger:       led,
		Logger:       a.logger,
		HeartbeatTTL: a.cfg.Scheduler.HeartbeatTTL,
	}), nil
}

// serveMetrics exposes /metrics on addr until the daemon exits.
func (a *app) serveMetrics(addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.shutdown = append(a.shutdown, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// enableTracing installs a stdout span exporter for local debugging.
func (a *app) enableTracing() error {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("creating trace exporter: %w", err)
	}

	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewSchemaless(attribute.String("service.name", "batond")))
	if err != nil {
		return fmt.Errorf("building trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	a.shutdown = append(a.shutdown, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	})
	return nil
}

// close runs the registered shutdown hooks in reverse order.
func (a *app) close() {
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		if err := a.shutdown[i](); err != nil {
			a.logger.Warn("shutdown hook failed", "error", err)
		}
	}
}
