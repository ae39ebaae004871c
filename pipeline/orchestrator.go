package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"evermem.org/common"
	"evermem.org/queue"
)

// OrchestratorConfig tunes the worker loop.
type OrchestratorConfig struct {
	// Workers is the number of concurrent consumer loops.
	Workers int

	// IdleSleep is the pause after an empty dequeue.
	IdleSleep time.Duration

	// HandlerTimeout is the soft deadline passed to handlers through their
	// context. A handler overrunning it is treated as a transient failure.
	HandlerTimeout time.Duration

	// PoisonSweepInterval is how often poisoned messages are folded back
	// into pipeline state as permanent failures.
	PoisonSweepInterval time.Duration

	Backoff Backoff
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 500 * time.Millisecond
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 2 * time.Minute
	}
	if c.PoisonSweepInterval <= 0 {
		c.PoisonSweepInterval = 30 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = DefaultBackoff()
	}
	return c
}

// Orchestrator drives documents through their step plan: it consumes the
// queue, dispatches steps to registered handlers, persists state after every
// successful step, and settles each delivery according to the handler
// outcome.
type Orchestrator struct {
	queue    queue.Queue
	states   StateStore
	registry *Registry
	config   OrchestratorConfig

	processed atomic.Uint64
	failed    atomic.Uint64
}

// NewOrchestrator wires the orchestrator. The registry must be fully
// populated before Run is called.
func NewOrchestrator(q queue.Queue, states StateStore, registry *Registry, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		queue:    q,
		states:   states,
		registry: registry,
		config:   cfg.withDefaults(),
	}
}

// Processed returns the number of settled deliveries.
func (o *Orchestrator) Processed() uint64 {
	return o.processed.Load()
}

// Failed returns the number of documents marked failed.
func (o *Orchestrator) Failed() uint64 {
	return o.failed.Load()
}

// Run starts the worker loops and the poison sweeper and blocks until the
// context is cancelled and all workers have drained.
func (o *Orchestrator) Run(ctx context.Context) {
	common.Logger.Info(fmt.Sprintf("starting pipeline orchestrator with %d workers", o.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < o.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			o.runWorker(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.runPoisonSweeper(ctx)
	}()

	wg.Wait()
	common.Logger.Info("pipeline orchestrator stopped")
}

func (o *Orchestrator) runWorker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, lease, err := o.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			o.sleep(ctx, o.config.IdleSleep)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			common.Logger.Error(fmt.Sprintf("worker %d failed to dequeue: %v", id, err))
			o.sleep(ctx, o.config.IdleSleep)
			continue
		}

		o.ProcessMessage(ctx, msg, lease)
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// ProcessMessage executes one delivery: load state, run the head step's
// handler, persist, settle.
func (o *Orchestrator) ProcessMessage(ctx context.Context, msg queue.Message, lease queue.Lease) {
	state, err := o.states.Load(ctx, msg.Index, msg.DocumentID)
	if errors.Is(err, ErrStateNotFound) {
		// Deleted while queued. Nothing to do.
		o.ack(ctx, lease)
		return
	}
	if err != nil {
		// Backend trouble, not the message's fault: back off without
		// charging an attempt.
		common.Logger.Error(fmt.Sprintf("document %s/%s: failed to load state: %v",
			msg.Index, msg.DocumentID, err))
		o.release(ctx, lease, o.config.Backoff.Delay(msg.Attempts))
		return
	}

	if state.Status.Terminal() || len(state.StepsToExecute) == 0 {
		// Idempotent completion on redelivery, or cancellation.
		o.ack(ctx, lease)
		return
	}

	step, _ := state.NextStep()
	handler, err := o.registry.Resolve(step)
	if err != nil {
		// No handler can ever run this plan. Fail the document instead of
		// retrying forever.
		o.failDocument(ctx, state, fmt.Sprintf("no handler registered for step %s", step))
		o.ack(ctx, lease)
		return
	}

	state.Status = StatusProcessing
	state.Touch()
	if err := o.states.Save(ctx, state); err != nil {
		common.Logger.Error(fmt.Sprintf("document %s/%s: failed to save state: %v",
			state.Index, state.DocumentID, err))
		o.release(ctx, lease, o.config.Backoff.Delay(msg.Attempts))
		return
	}

	common.Logger.Info(fmt.Sprintf("document %s/%s: running step %s (attempt %d)",
		state.Index, state.DocumentID, step, msg.Attempts))
	outcome := o.invoke(ctx, handler, state)

	// The document may have been deleted or cancelled while the handler ran;
	// neither must be overwritten by the save below.
	current, err := o.states.Load(ctx, msg.Index, msg.DocumentID)
	if errors.Is(err, ErrStateNotFound) {
		common.Logger.Info(fmt.Sprintf("document %s/%s deleted during processing, aborting",
			msg.Index, msg.DocumentID))
		o.ack(ctx, lease)
		return
	}
	if err != nil {
		common.Logger.Error(fmt.Sprintf("document %s/%s: failed to reload state: %v",
			msg.Index, msg.DocumentID, err))
		o.release(ctx, lease, o.config.Backoff.Delay(msg.Attempts))
		return
	}
	if current.Status.Terminal() {
		common.Logger.Info(fmt.Sprintf("document %s/%s reached status %s during processing, aborting",
			msg.Index, msg.DocumentID, current.Status))
		o.ack(ctx, lease)
		return
	}

	switch outcome.Kind {
	case OutcomeAdvance:
		state.AdvanceStep()
		if err := o.states.Save(ctx, state); err != nil {
			common.Logger.Error(fmt.Sprintf("document %s/%s: failed to save state: %v",
				state.Index, state.DocumentID, err))
			o.release(ctx, lease, o.config.Backoff.Delay(msg.Attempts))
			return
		}
		if len(state.StepsToExecute) > 0 {
			continuation := queue.Message{Index: state.Index, DocumentID: state.DocumentID}
			if err := o.queue.Enqueue(ctx, continuation); err != nil {
				// Redeliver the current message; the completed step is
				// already recorded, so the retry advances past it.
				common.Logger.Error(fmt.Sprintf("document %s/%s: failed to enqueue continuation: %v",
					state.Index, state.DocumentID, err))
				o.release(ctx, lease, o.config.Backoff.Delay(msg.Attempts))
				return
			}
		} else {
			common.Logger.Info(fmt.Sprintf("document %s/%s: pipeline complete", state.Index, state.DocumentID))
		}
		o.ack(ctx, lease)

	case OutcomeRetryLater:
		state.Touch()
		if err := o.states.Save(ctx, state); err != nil {
			common.Logger.Error(fmt.Sprintf("document %s/%s: failed to save state before retry: %v",
				state.Index, state.DocumentID, err))
		}
		delay := outcome.Delay
		if delay <= 0 {
			delay = o.config.Backoff.Delay(msg.Attempts)
		}
		common.Logger.Warn(fmt.Sprintf("document %s/%s: step %s retrying in %s: %s",
			state.Index, state.DocumentID, step, delay, outcome.Reason))
		o.nack(ctx, lease, delay, outcome.Reason)

	case OutcomeFatal:
		o.failDocument(ctx, state, outcome.Reason)
		o.ack(ctx, lease)

	default:
		o.nack(ctx, lease, o.config.Backoff.Delay(msg.Attempts), fmt.Sprintf("handler returned unknown outcome %q", outcome.Kind))
	}
}

// invoke runs the handler under the soft deadline, converting errors and
// panics into retry outcomes.
func (o *Orchestrator) invoke(ctx context.Context, handler Handler, state *State) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			common.Logger.Error(fmt.Sprintf("handler %s panicked: %v", handler.Name(), r))
			outcome = RetryLater(0, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, o.config.HandlerTimeout)
	defer cancel()

	result, err := handler.Invoke(hctx, state)
	if err != nil {
		return RetryLater(0, err.Error())
	}
	return result
}

func (o *Orchestrator) failDocument(ctx context.Context, state *State, reason string) {
	state.Status = StatusFailed
	state.FailureReason = reason
	state.Touch()
	if err := o.states.Save(ctx, state); err != nil {
		common.Logger.Error(fmt.Sprintf("document %s/%s: failed to record failure: %v",
			state.Index, state.DocumentID, err))
		return
	}
	o.failed.Add(1)
	common.Logger.Error(fmt.Sprintf("document %s/%s failed: %s", state.Index, state.DocumentID, reason))
}

func (o *Orchestrator) ack(ctx context.Context, lease queue.Lease) {
	if err := o.queue.Ack(ctx, lease); err != nil && !errors.Is(err, queue.ErrUnknownLease) {
		common.Logger.Error(fmt.Sprintf("failed to ack delivery: %v", err))
	}
	o.processed.Add(1)
}

func (o *Orchestrator) nack(ctx context.Context, lease queue.Lease, delay time.Duration, reason string) {
	if err := o.queue.Nack(ctx, lease, delay, reason); err != nil && !errors.Is(err, queue.ErrUnknownLease) {
		common.Logger.Error(fmt.Sprintf("failed to nack delivery: %v", err))
	}
	o.processed.Add(1)
}

// release returns a delivery without charging an attempt. Used when the
// failure is infrastructure trouble rather than the document's own step.
func (o *Orchestrator) release(ctx context.Context, lease queue.Lease, delay time.Duration) {
	if err := o.queue.Release(ctx, lease, delay); err != nil && !errors.Is(err, queue.ErrUnknownLease) {
		common.Logger.Error(fmt.Sprintf("failed to release delivery: %v", err))
	}
	o.processed.Add(1)
}

func (o *Orchestrator) runPoisonSweeper(ctx context.Context) {
	ticker := time.NewTicker(o.config.PoisonSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.SweepDeadLetters(ctx); err != nil && ctx.Err() == nil {
				common.Logger.Error(fmt.Sprintf("poison sweep failed: %v", err))
			}
		}
	}
}

// SweepDeadLetters marks the documents of poisoned messages as failed so
// their status surfaces the exhausted retries.
func (o *Orchestrator) SweepDeadLetters(ctx context.Context) error {
	dead, err := o.queue.DeadLetters(ctx)
	if err != nil {
		return err
	}
	for _, letter := range dead {
		state, err := o.states.Load(ctx, letter.Message.Index, letter.Message.DocumentID)
		if errors.Is(err, ErrStateNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if state.Status.Terminal() {
			continue
		}
		o.failDocument(ctx, state, fmt.Sprintf("poisoned: %s", letter.LastError))
	}
	return nil
}
