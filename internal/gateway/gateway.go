// Package gateway runs generation requests through admission, the license
// gate and a retrying upstream loop that rotates pool credentials.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/keyrelay/keyrelay/internal/admission"
	"github.com/keyrelay/keyrelay/internal/ailink/driver"
	"github.com/keyrelay/keyrelay/internal/license"
	"github.com/keyrelay/keyrelay/internal/pool"
)

// Admitter decides whether an identity may issue a request now.
type Admitter interface {
	Admit(ctx context.Context, id admission.Identity) (admission.Decision, error)
}

// Authorizer checks a license/device pair.
type Authorizer interface {
	Authorize(ctx context.Context, license, device string) (license.Verdict, error)
}

// Recorder receives gateway counters.
type Recorder interface {
	Request(code string)
	Attempt(outcome string)
	Cooldown()
	AdmissionRejected(reason string)
	CredentialChanged(action string)
}

// Options wires a Gateway.
type Options struct {
	Admission Admitter
	License   Authorizer
	Pool      *pool.Manager
	Driver    driver.Driver
	Policy    Policy
	Pacer     *Pacer
	Logger    *logging.Logger
	Metrics   Recorder
	Clock     func() time.Time
	// Sleep waits between transient retries. Defaults to a timer that
	// honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnShutdown runs in order during Shutdown.
	OnShutdown []func(context.Context) error
}

// Gateway owns the request pipeline. It holds no request state of its own;
// pool and admission state live in their stores.
type Gateway struct {
	admission Admitter
	license   Authorizer
	pool      *pool.Manager
	driver    driver.Driver
	policy    Policy
	pacer     *Pacer
	logger    *logging.Logger
	metrics   Recorder
	clock     func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	ids       *idGenerator

	shutdownOnce sync.Once
	onShutdown   []func(context.Context) error
}

// New validates opts and builds a Gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Pool == nil {
		return nil, errors.New("gateway: credential pool is required")
	}
	if opts.Driver == nil {
		return nil, errors.New("gateway: upstream driver is required")
	}
	g := &Gateway{
		admission:  opts.Admission,
		license:    opts.License,
		pool:       opts.Pool,
		driver:     opts.Driver,
		policy:     opts.Policy.withDefaults(),
		pacer:      opts.Pacer,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		sleep:      opts.Sleep,
		ids:        newIDGenerator(),
		onShutdown: opts.OnShutdown,
	}
	if g.metrics == nil {
		g.metrics = nopRecorder{}
	}
	if g.clock == nil {
		g.clock = time.Now
	}
	if g.sleep == nil {
		g.sleep = sleepContext
	}
	return g, nil
}

// Policy returns the effective retry policy.
func (g *Gateway) Policy() Policy {
	return g.policy
}

// Pool returns the credential pool manager.
func (g *Gateway) Pool() *pool.Manager {
	return g.pool
}

// Shutdown runs the registered shutdown hooks once. Pool and admission
// state are persisted as they change, so nothing is flushed here.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.shutdownOnce.Do(func() {
		for _, fn := range g.onShutdown {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Generate admits the caller, authorizes the license and runs the request
// against the caller's credential pool. The pool owner is the license.
func (g *Gateway) Generate(ctx context.Context, id admission.Identity, req GenerationRequest) (result *GenerationResult, err error) {
	defer func() { g.metrics.Request(codeOf(err)) }()

	if verr := id.Validate(); verr != nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: verr.Error(), Err: verr}
	}
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}

	if g.admission != nil {
		decision, aerr := g.admission.Admit(ctx, id)
		if aerr != nil {
			return nil, g.internal(ctx, "admission", aerr)
		}
		if !decision.Allowed {
			g.metrics.AdmissionRejected(decision.Reason)
			return nil, &Error{
				Code:       CodeAdmissionThrottled,
				Reason:     decision.Reason,
				Message:    "too many requests for this license and device",
				RetryAfter: decision.RetryAfter,
			}
		}
	}

	if err := g.authorize(ctx, id); err != nil {
		return nil, err
	}

	return g.run(ctx, strings.TrimSpace(id.License), req)
}

// Authorize runs only the license gate for id. Sessions are opened with it.
func (g *Gateway) Authorize(ctx context.Context, id admission.Identity) error {
	if err := id.Validate(); err != nil {
		return &Error{Code: CodeInvalidRequest, Message: err.Error(), Err: err}
	}
	return g.authorize(ctx, id)
}

func (g *Gateway) authorize(ctx context.Context, id admission.Identity) error {
	if g.license == nil {
		return nil
	}
	verdict, err := g.license.Authorize(ctx, id.License, id.Device)
	if err != nil {
		return g.internal(ctx, "license", err)
	}
	if !verdict.OK {
		return verdictError(verdict)
	}
	return nil
}

func (g *Gateway) run(ctx context.Context, owner string, req GenerationRequest) (*GenerationResult, error) {
	models := g.policy.candidates(req.Model)
	modelIdx := 0
	exclude := make(map[int]bool)
	delays := g.policy.newBackOff()
	var tally failureTally

	for attempt := 1; attempt <= g.policy.MaxAttempts; attempt++ {
		lease, sel, err := g.pool.Acquire(ctx, owner, exclude)
		if err != nil {
			return nil, g.internal(ctx, "acquire credential", err)
		}
		if lease == nil {
			return nil, g.selectionError(sel, tally, attempt-1)
		}
		slotID := lease.Slot.ID

		if err := g.pacer.Wait(ctx, owner, slotID); err != nil {
			lease.Release()
			return nil, g.internal(ctx, "pace upstream call", err)
		}

		model := models[modelIdx]
		resp, callErr := g.driver.Complete(ctx, &driver.Request{
			APIKey:      lease.Slot.Secret,
			Model:       model,
			Prompt:      req.Prompt,
			System:      req.System,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		if callErr != nil && ctx.Err() != nil {
			lease.Release()
			return nil, fmt.Errorf("generate: %w", ctx.Err())
		}

		outcome := g.policy.Classifier.Classify(resp, callErr)
		g.metrics.Attempt(outcome.Action.String())
		fields := []zap.Field{
			zap.String("owner", owner),
			zap.Int("slot_id", slotID),
			zap.Int("attempt", attempt),
			zap.String("model", model),
			zap.String("action", outcome.Action.String()),
		}
		if outcome.StatusCode != 0 {
			fields = append(fields, zap.Int("status", outcome.StatusCode))
		}

		switch outcome.Action {
		case ActionSuccess:
			markErr := g.pool.MarkUsed(ctx, owner, slotID)
			lease.Release()
			if markErr != nil {
				g.warn("Failed to record credential use", append(fields, zap.Error(markErr))...)
			}
			g.debug("Upstream call succeeded", fields...)
			return &GenerationResult{
				ID:           g.ids.NewAt(g.clock()),
				Output:       resp.Text,
				SlotID:       slotID,
				Model:        model,
				Attempts:     attempt,
				FinishReason: resp.FinishReason,
				Usage:        resp.Usage,
			}, nil

		case ActionCooldown:
			until, markErr := g.pool.MarkCooldown(ctx, owner, slotID, g.policy.CooldownWindow, cooldownReason(outcome))
			lease.Release()
			if markErr != nil {
				return nil, g.internal(ctx, "cool credential", markErr)
			}
			tally.record(outcome)
			tally.noteCooldown(until)
			g.metrics.Cooldown()
			g.info("Credential rate limited, cooling down", append(fields, zap.Time("cooldown_until", until))...)

		case ActionFlag:
			markErr := g.pool.MarkFlagged(ctx, owner, slotID, errorNote(outcome))
			lease.Release()
			if markErr != nil {
				return nil, g.internal(ctx, "flag credential", markErr)
			}
			exclude[slotID] = true
			tally.record(outcome)
			g.warn("Credential rejected upstream, flagged", append(fields, zap.String("code", CodeCredentialRejected))...)

		case ActionNextCapability:
			lease.Release()
			tally.record(outcome)
			if modelIdx+1 >= len(models) {
				g.warn("No fallback model left", append(fields, zap.String("code", CodeCapabilityUnavailable))...)
				return nil, &Error{
					Code:     CodeCapabilityUnavailable,
					Message:  fmt.Sprintf("none of the models %s is available", strings.Join(models, ", ")),
					Attempts: attempt,
					Dominant: tally.dominant(),
				}
			}
			modelIdx++
			g.info("Model unavailable, falling back", append(fields, zap.String("next_model", models[modelIdx]))...)

		case ActionRetrySame:
			if recErr := g.pool.RecordError(ctx, owner, slotID, errorNote(outcome)); recErr != nil {
				g.warn("Failed to record credential error", append(fields, zap.Error(recErr))...)
			}
			lease.Release()
			tally.record(outcome)
			if attempt == g.policy.MaxAttempts {
				break
			}
			delay := delays.NextBackOff()
			if delay == backoff.Stop {
				return nil, tally.exhausted(attempt, g.clock())
			}
			g.info("Transient upstream failure, retrying", append(fields, zap.Duration("delay", delay), zap.String("code", outcome.Code))...)
			if err := g.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("generate: %w", err)
			}

		default:
			if recErr := g.pool.RecordError(ctx, owner, slotID, errorNote(outcome)); recErr != nil {
				g.warn("Failed to record credential error", append(fields, zap.Error(recErr))...)
			}
			lease.Release()
			g.warn("Upstream call failed", append(fields, zap.String("code", outcome.Code))...)
			code := outcome.Code
			if code == "" {
				code = CodeUpstreamBadResponse
			}
			return nil, &Error{Code: code, Message: outcome.Detail, Attempts: attempt, Err: callErr}
		}
	}

	err := tally.exhausted(g.policy.MaxAttempts, g.clock())
	g.warn("Retry budget exhausted",
		zap.String("owner", owner),
		zap.String("code", err.Code),
		zap.String("dominant", err.Dominant),
		zap.Int("attempts", err.Attempts))
	return nil, err
}

func (g *Gateway) selectionError(sel pool.Selection, tally failureTally, attempts int) *Error {
	e := &Error{Attempts: attempts, Dominant: tally.dominant()}
	switch sel.Reason {
	case pool.ReasonNoCredentials:
		e.Code = CodeNoCredentials
		e.Message = "no credentials are configured"
	case pool.ReasonAllCooldown:
		e.Code = CodeAllCooling
		e.Message = "every credential is cooling down"
		e.RetryAfter = sel.RetryAfter(g.clock())
	default:
		e.Code = CodeCredentialRejected
		e.Message = "every credential was rejected upstream"
	}
	return e
}

func (g *Gateway) internal(ctx context.Context, step string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("generate: %w", ctxErr)
	}
	g.warn("Gateway step failed", zap.String("step", step), zap.Error(err))
	return &Error{Code: CodeInternal, Message: step + " failed", Err: err}
}

func verdictError(v license.Verdict) *Error {
	e := &Error{Code: v.Code, Reason: v.Reason, Message: v.Message}
	switch v.Code {
	case license.CodeDeviceMismatch:
		e.Code = CodeDeviceMismatch
	case license.CodeAPIUnavailable:
		e.Code = CodeLicenseAPIUnavailable
	default:
		e.Code = CodeLicenseInvalid
	}
	if e.Message == "" {
		e.Message = strings.ToLower(strings.ReplaceAll(e.Code, "_", " "))
	}
	return e
}

func cooldownReason(o Outcome) string {
	if o.StatusCode != 0 {
		return fmt.Sprintf("rate limited (%d)", o.StatusCode)
	}
	return "rate limited"
}

func errorNote(o Outcome) string {
	note := o.Code
	if o.StatusCode != 0 {
		note = fmt.Sprintf("%s (%d)", note, o.StatusCode)
	}
	if o.Detail != "" {
		note += ": " + o.Detail
	}
	return driver.Truncate(note, 300)
}

// codeOf returns the error code for metrics; "OK" for success.
func codeOf(err error) string {
	if err == nil {
		return "OK"
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "CANCELED"
	}
	return CodeInternal
}

func sleepContext(ctx context.Context, d time.Duration) error {
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

func (g *Gateway) info(msg string, fields ...zap.Field) {
	if g.logger != nil {
		g.logger.Info(msg, fields...)
	}
}

func (g *Gateway) warn(msg string, fields ...zap.Field) {
	if g.logger != nil {
		g.logger.Warn(msg, fields...)
	}
}

func (g *Gateway) debug(msg string, fields ...zap.Field) {
	if g.logger != nil {
		g.logger.Debug(msg, fields...)
	}
}

type nopRecorder struct{}

func (nopRecorder) Request(string)           {}
func (nopRecorder) Attempt(string)           {}
func (nopRecorder) Cooldown()                {}
func (nopRecorder) AdmissionRejected(string) {}
func (nopRecorder) CredentialChanged(string) {}
