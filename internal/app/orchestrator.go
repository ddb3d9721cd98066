package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Options struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	CallTimeout    time.Duration
	MaxIterations  int
	MaxTokens      int
	DefaultRole    string
}

func (o Options) orDefaults() Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 60 * time.Second
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 3
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.DefaultRole == "" {
		o.DefaultRole = RoleGenerator
	}
	return o
}

// Orchestrator is the core's single entry point, constructed once at process
// start with explicit dependencies. One operation per session runs at a time;
// a second request returns ErrSessionBusy instead of being queued.
type Orchestrator struct {
	store     SessionStore
	providers *ProviderSet
	registry  *AgentRegistry
	pricing   *PricingTable
	logger    *Logger
	bus       *eventBus
	opts      Options

	mu        sync.Mutex
	running   map[string]*runState
	adapterMu map[string]*sync.Mutex
}

type runState struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func NewOrchestrator(store SessionStore, providers *ProviderSet, registry *AgentRegistry, pricing *PricingTable, logger *Logger, opts Options) *Orchestrator {
	if pricing == nil {
		pricing = DefaultPricingTable()
	}
	if registry == nil {
		registry = NewAgentRegistry()
	}
	return &Orchestrator{
		store:     store,
		providers: providers,
		registry:  registry,
		pricing:   pricing,
		logger:    logger,
		bus:       newEventBus(),
		opts:      opts.orDefaults(),
		running:   map[string]*runState{},
		adapterMu: map[string]*sync.Mutex{},
	}
}

// Subscribe returns a channel of change events. The returned func
// unsubscribes and closes the channel.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.bus.Subscribe()
}

func (o *Orchestrator) Registry() *AgentRegistry { return o.registry }

func (o *Orchestrator) ProviderNames() []string { return o.providers.Names() }

// CreateSession validates the provider and creates a persisted session.
func (o *Orchestrator) CreateSession(provider, model string) (*Session, error) {
	if _, err := o.providers.Get(provider); err != nil {
		return nil, err
	}
	sess, err := o.store.Create(provider, model)
	if err != nil {
		return nil, err
	}
	o.emit(nil, Event{Type: EventSessionChanged, SessionID: sess.ID, Provider: provider, Model: model})
	return sess, nil
}

func (o *Orchestrator) LoadSession(id string) (*Session, error) {
	return o.store.Get(id)
}

func (o *Orchestrator) ListSessions(includeArchived bool) ([]SessionSummary, error) {
	return o.store.List(includeArchived)
}

func (o *Orchestrator) ArchiveSession(id string) error {
	if err := o.store.Archive(id); err != nil {
		return err
	}
	o.emit(nil, Event{Type: EventSessionChanged, SessionID: id})
	return nil
}

func (o *Orchestrator) RestoreSession(id string) error {
	if err := o.store.Restore(id); err != nil {
		return err
	}
	o.logger.Info("session restored", map[string]interface{}{"session": id})
	o.emit(nil, Event{Type: EventSessionChanged, SessionID: id})
	return nil
}

func (o *Orchestrator) RenameSession(id, name string) error {
	sess, err := o.store.Get(id)
	if err != nil {
		return err
	}
	sess.Name = strings.TrimSpace(name)
	if err := o.store.Save(sess); err != nil {
		return err
	}
	o.emit(nil, Event{Type: EventSessionChanged, SessionID: id})
	return nil
}

// SwitchProvider changes which adapter subsequent calls route through. The
// existing history is never rewritten or truncated; the context window is
// re-derived for the new model while keeping the accumulated token count.
func (o *Orchestrator) SwitchProvider(sessionID, providerName, model string) error {
	if _, err := o.providers.Get(providerName); err != nil {
		return err
	}
	sess, err := o.store.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Archived {
		return fmt.Errorf("%w: %s", ErrSessionArchived, sessionID)
	}
	sess.Provider = providerName
	sess.Model = model
	sess.Usage.Rewindow(LookupContextWindow(model))
	if err := o.store.Save(sess); err != nil {
		return err
	}
	o.emit(nil, Event{Type: EventSessionChanged, SessionID: sessionID, Provider: providerName, Model: model})
	return nil
}

// RecordFileTouched adds a file path to the session's provenance trail.
func (o *Orchestrator) RecordFileTouched(sessionID, path string) error {
	sess, err := o.store.Get(sessionID)
	if err != nil {
		return err
	}
	sess.RecordFileTouched(path)
	return o.store.Save(sess)
}

// Cancel aborts the session's in-flight operation, if any. Returns false when
// nothing was running.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	rs := o.running[sessionID]
	o.mu.Unlock()
	if rs == nil {
		return false
	}
	rs.cancelled.Store(true)
	rs.cancel()
	return true
}

// RunSingleAgent composes the role's prompt, calls the session's provider
// with the retry policy, and appends the turn to history. On failure after
// retries only the user turn is appended, so history reflects what was
// actually produced.
func (o *Orchestrator) RunSingleAgent(ctx context.Context, sessionID, role, input string, onEvent EventFunc) (RunResult, error) {
	rs, runCtx, err := o.acquire(ctx, sessionID)
	if err != nil {
		return RunResult{}, err
	}
	defer o.release(sessionID, rs)

	sess, err := o.store.Get(sessionID)
	if err != nil {
		return RunResult{}, err
	}
	if sess.Archived {
		return RunResult{}, fmt.Errorf("%w: %s", ErrSessionArchived, sessionID)
	}
	if role == "" {
		role = o.opts.DefaultRole
	}
	// Configuration errors are detected before any provider call.
	prompt, err := o.registry.ComposePrompt(role, input, "")
	if err != nil {
		return RunResult{}, err
	}
	provider, err := o.providers.Get(sess.Provider)
	if err != nil {
		return RunResult{}, err
	}

	task := newTask(role, input)
	task.Status = TaskRunning
	o.emit(onEvent, Event{Type: EventTaskStarted, SessionID: sessionID, Role: role, Provider: sess.Provider, Model: sess.Model})
	o.emit(onEvent, Event{Type: EventAgentThinking, SessionID: sessionID, Role: role, Provider: sess.Provider})

	comp, callErr := o.send(runCtx, rs, provider, SendRequest{
		History:   sess.History,
		Input:     prompt,
		Model:     sess.Model,
		MaxTokens: o.opts.MaxTokens,
	})

	now := time.Now()
	sess.History = append(sess.History, ChatMessage{Role: "user", Content: input, CreatedAt: now})
	sess.DeriveName()
	// Partial token spend reported before a failure or abort is still money
	// spent; record it regardless of outcome.
	o.applyUsage(sess, provider.Name(), comp, onEvent)

	task.CompletedAt = time.Now()
	switch {
	case callErr == nil && !rs.cancelled.Load():
		task.Status = TaskDone
		task.Output = comp.Text
		sess.History = append(sess.History, ChatMessage{Role: "assistant", Content: comp.Text, CreatedAt: task.CompletedAt})
		o.emit(onEvent, Event{Type: EventAgentCompleted, SessionID: sessionID, Role: role, Provider: sess.Provider, Text: comp.Text})
	case rs.cancelled.Load() || errors.Is(callErr, context.Canceled):
		task.Status = TaskCancelled
		o.emit(onEvent, Event{Type: EventTaskCancelled, SessionID: sessionID, Role: role})
	default:
		task.Status = TaskFailed
		task.ErrKind = ErrorKind(callErr)
		o.logger.Error("provider call failed", map[string]interface{}{
			"session": sessionID, "role": role, "provider": sess.Provider, "error": callErr.Error(),
		})
		o.emit(onEvent, Event{Type: EventTaskFailed, SessionID: sessionID, Role: role, Provider: sess.Provider, ErrKind: task.ErrKind})
	}

	if err := o.store.Save(sess); err != nil {
		return RunResult{Task: task}, err
	}
	o.emit(onEvent, Event{Type: EventSessionChanged, SessionID: sessionID})

	if task.Status == TaskFailed {
		return RunResult{Task: task}, callErr
	}
	if task.Status == TaskCancelled {
		return RunResult{Task: task}, context.Canceled
	}
	return RunResult{Task: task, Text: comp.Text}, nil
}

// RunCollaboration drives the ordered roles sequentially, threading each
// role's output into the next. A single role's failure does not abort the
// pipeline; only session and configuration errors do.
func (o *Orchestrator) RunCollaboration(ctx context.Context, sessionID string, roles []string, input string, onEvent EventFunc) (AggregateResult, error) {
	agg := AggregateResult{Outputs: map[string]string{}}
	if len(roles) == 0 {
		return agg, errors.New("collaboration requires at least one role")
	}
	// All roles must resolve before any provider call is attempted.
	for _, name := range roles {
		if _, err := o.registry.Get(name); err != nil {
			return agg, err
		}
	}

	rs, runCtx, err := o.acquire(ctx, sessionID)
	if err != nil {
		return agg, err
	}
	defer o.release(sessionID, rs)

	sess, err := o.store.Get(sessionID)
	if err != nil {
		return agg, err
	}
	if sess.Archived {
		return agg, fmt.Errorf("%w: %s", ErrSessionArchived, sessionID)
	}
	provider, err := o.providers.Get(sess.Provider)
	if err != nil {
		return agg, err
	}

	sess.History = append(sess.History, ChatMessage{Role: "user", Content: input, CreatedAt: time.Now()})
	sess.DeriveName()
	if err := o.store.Save(sess); err != nil {
		return agg, err
	}

	prior := ""
	prevRole := ""
	order := make([]string, 0, len(roles))
	for i, roleName := range roles {
		task, comp, stepErr := o.step(runCtx, rs, sess, provider, roleName, input, prior, onEvent)
		agg.Tasks = append(agg.Tasks, task)
		if task.Status == TaskCancelled {
			break
		}
		if stepErr != nil {
			agg.Failed = append(agg.Failed, roleName)
			// Continue with whatever prior output is available.
			continue
		}
		output := comp.Text
		if !contains(order, roleName) {
			order = append(order, roleName)
		}

		// A reviewer demanding revisions sends the immediately preceding
		// generative role back to work, bounded by MaxIterations.
		if roleName == RoleReviewer && i > 0 && prevRole != "" {
			verdict := ParseReviewVerdict(output)
			iterations := 0
			for verdict.Revise && iterations < o.opts.MaxIterations {
				iterations++
				revisedInput := input + "\n\nReviewer feedback:\n" + verdict.Comment
				ptask, pcomp, perr := o.step(runCtx, rs, sess, provider, prevRole, revisedInput, "", onEvent)
				agg.Tasks = append(agg.Tasks, ptask)
				if perr != nil || ptask.Status != TaskDone {
					break
				}
				agg.Outputs[prevRole] = pcomp.Text
				prior = pcomp.Text
				rtask, rcomp, rerr := o.step(runCtx, rs, sess, provider, roleName, input, prior, onEvent)
				agg.Tasks = append(agg.Tasks, rtask)
				if rerr != nil || rtask.Status != TaskDone {
					break
				}
				output = rcomp.Text
				verdict = ParseReviewVerdict(output)
			}
			if verdict.Revise {
				// Iteration bound reached: the step stays done but flagged.
				markQualityNotGuaranteed(agg.Tasks, prevRole)
			}
		}

		agg.Outputs[roleName] = output
		prior = output
		if roleName != RoleReviewer {
			prevRole = roleName
		}
	}

	// One condensed assistant turn per role, in execution order, carrying the
	// role's final contribution.
	now := time.Now()
	for _, roleName := range order {
		sess.History = append(sess.History, ChatMessage{
			Role:      "assistant",
			Content:   "[" + roleName + "] " + condenseForHistory(agg.Outputs[roleName]),
			CreatedAt: now,
		})
	}
	if err := o.store.Save(sess); err != nil {
		return agg, err
	}
	o.emit(onEvent, Event{Type: EventSessionChanged, SessionID: sessionID})
	return agg, nil
}

// step runs one role invocation: compose, send with retries, record usage,
// persist. It never appends chat history; collaboration owns that.
func (o *Orchestrator) step(ctx context.Context, rs *runState, sess *Session, provider Provider, roleName, input, prior string, onEvent EventFunc) (Task, Completion, error) {
	task := newTask(roleName, input)
	prompt, err := o.registry.ComposePrompt(roleName, input, prior)
	if err != nil {
		task.Status = TaskFailed
		return task, Completion{}, err
	}
	task.Status = TaskRunning
	o.emit(onEvent, Event{Type: EventTaskStarted, SessionID: sess.ID, Role: roleName, Provider: sess.Provider, Model: sess.Model})
	o.emit(onEvent, Event{Type: EventAgentThinking, SessionID: sess.ID, Role: roleName, Provider: sess.Provider})

	comp, callErr := o.send(ctx, rs, provider, SendRequest{
		History:   sess.History,
		Input:     prompt,
		Model:     sess.Model,
		MaxTokens: o.opts.MaxTokens,
	})
	o.applyUsage(sess, provider.Name(), comp, onEvent)
	task.CompletedAt = time.Now()

	switch {
	case callErr == nil && !rs.cancelled.Load():
		task.Status = TaskDone
		task.Output = comp.Text
		o.emit(onEvent, Event{Type: EventAgentCompleted, SessionID: sess.ID, Role: roleName, Provider: sess.Provider, Text: comp.Text})
	case rs.cancelled.Load() || errors.Is(callErr, context.Canceled):
		task.Status = TaskCancelled
		o.emit(onEvent, Event{Type: EventTaskCancelled, SessionID: sess.ID, Role: roleName})
		if callErr == nil {
			callErr = context.Canceled
		}
	default:
		task.Status = TaskFailed
		task.ErrKind = ErrorKind(callErr)
		o.logger.Error("collaboration step failed", map[string]interface{}{
			"session": sess.ID, "role": roleName, "provider": sess.Provider, "error": callErr.Error(),
		})
		o.emit(onEvent, Event{Type: EventTaskFailed, SessionID: sess.ID, Role: roleName, Provider: sess.Provider, ErrKind: task.ErrKind})
	}

	if err := o.store.Save(sess); err != nil {
		return task, comp, err
	}
	return task, comp, callErr
}

// send serializes calls through the adapter's mutex and applies the retry
// policy: Unavailable/RateLimited retried with exponential backoff, AuthFailed
// and Malformed surfaced immediately. Each attempt gets the call timeout.
func (o *Orchestrator) send(ctx context.Context, rs *runState, provider Provider, req SendRequest) (Completion, error) {
	mu := o.adapterLock(provider.Name())
	mu.Lock()
	defer mu.Unlock()

	delay := o.opts.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
		comp, err := provider.Send(callCtx, req)
		cancel()
		if err == nil {
			return comp, nil
		}
		if rs != nil && rs.cancelled.Load() {
			return comp, err
		}
		var pe *ProviderError
		if !errors.As(err, &pe) || !pe.Retryable() || attempt >= o.opts.MaxRetries {
			return comp, err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return comp, err
		}
		delay *= 2
	}
}

// applyUsage records token consumption and cost on the session and emits the
// corresponding events. Threshold warnings fire at most once per level.
func (o *Orchestrator) applyUsage(sess *Session, providerName string, comp Completion, onEvent EventFunc) {
	total := comp.TokensIn + comp.TokensOut
	if total <= 0 {
		return
	}
	crossed := sess.Usage.Apply(total)
	usd, approx := o.pricing.EstimateCost(providerName, sess.Model, comp.TokensIn, comp.TokensOut)
	if approx || comp.TokensEstimated {
		sess.Cost.Approximate = true
	}
	sess.Cost.TotalUSD += usd
	if sess.Cost.ByProvider == nil {
		sess.Cost.ByProvider = map[string]Spend{}
	}
	if sess.Cost.ByModel == nil {
		sess.Cost.ByModel = map[string]Spend{}
	}
	addSpend(sess.Cost.ByProvider, providerName, usd, comp)
	addSpend(sess.Cost.ByModel, providerName+"/"+sess.Model, usd, comp)

	o.emit(onEvent, Event{Type: EventCostUpdated, SessionID: sess.ID, Provider: providerName, Model: sess.Model, CostUSD: usd})
	if crossed > 0 {
		o.logger.Warn("context threshold crossed", map[string]interface{}{
			"session": sess.ID, "threshold": crossed, "percentage": sess.Usage.Percentage,
		})
		o.emit(onEvent, Event{Type: EventThresholdCrossed, SessionID: sess.ID, Threshold: crossed})
	}
}

func addSpend(m map[string]Spend, key string, usd float64, comp Completion) {
	spend := m[key]
	spend.USD += usd
	spend.TokensIn += comp.TokensIn
	spend.TokensOut += comp.TokensOut
	spend.Calls++
	m[key] = spend
}

func (o *Orchestrator) acquire(ctx context.Context, sessionID string) (*runState, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.running[sessionID]; exists {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	rs := &runState{cancel: cancel}
	o.running[sessionID] = rs
	return rs, runCtx, nil
}

func (o *Orchestrator) release(sessionID string, rs *runState) {
	rs.cancel()
	o.mu.Lock()
	delete(o.running, sessionID)
	o.mu.Unlock()
}

func (o *Orchestrator) adapterLock(name string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	mu, ok := o.adapterMu[name]
	if !ok {
		mu = &sync.Mutex{}
		o.adapterMu[name] = mu
	}
	return mu
}

func (o *Orchestrator) emit(onEvent EventFunc, evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	o.bus.publish(evt)
	if onEvent != nil {
		onEvent(evt)
	}
}

func newTask(role, input string) Task {
	return Task{
		ID:        uuid.NewString(),
		Role:      role,
		Input:     input,
		Status:    TaskPending,
		CreatedAt: time.Now(),
	}
}

func markQualityNotGuaranteed(tasks []Task, role string) {
	for i := len(tasks) - 1; i >= 0; i-- {
		if tasks[i].Role == role {
			tasks[i].QualityNotGuaranteed = true
			return
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

const historyTurnLimit = 2000

func condenseForHistory(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > historyTurnLimit {
		return text[:historyTurnLimit] + "\n[truncated]"
	}
	return text
}
