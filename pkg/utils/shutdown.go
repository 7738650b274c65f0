package utils

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/logging"
)

type shutdownHook struct {
	name string
	fn   func(ctx context.Context) error
}

// ShutdownManager cancels a root context on SIGINT/SIGTERM and runs the
// registered hooks in reverse registration order.
type ShutdownManager struct {
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	hooksMutex     sync.Mutex
	shutdownHooks  []shutdownHook
	gracePeriod    time.Duration
	shutdownSignal chan os.Signal
	once           sync.Once
	log            *logging.StructuredLogger
}

func NewShutdownManager(gracePeriod time.Duration) *ShutdownManager {
	ctx, cancel := context.WithCancel(context.Background())

	sm := &ShutdownManager{
		ctx:            ctx,
		cancel:         cancel,
		gracePeriod:    gracePeriod,
		shutdownSignal: make(chan os.Signal, 1),
		log:            logging.Component("shutdown"),
	}

	signal.Notify(sm.shutdownSignal, syscall.SIGINT, syscall.SIGTERM)
	go sm.waitForShutdownSignal()

	return sm
}

func (sm *ShutdownManager) waitForShutdownSignal() {
	select {
	case sig := <-sm.shutdownSignal:
		sm.log.InfoWithFields("received shutdown signal", map[string]interface{}{"signal": sig.String()})
		sm.cancel()
	case <-sm.ctx.Done():
	}
}

func (sm *ShutdownManager) RegisterShutdownHook(name string, hook func(ctx context.Context) error) {
	sm.hooksMutex.Lock()
	defer sm.hooksMutex.Unlock()
	sm.shutdownHooks = append(sm.shutdownHooks, shutdownHook{name: name, fn: hook})
}

// InitiateShutdown cancels the root context without waiting for a signal.
func (sm *ShutdownManager) InitiateShutdown() {
	sm.cancel()
}

// Wait blocks until shutdown starts, waits up to the grace period for tracked
// tasks and then runs hooks. It returns the combined hook errors.
func (sm *ShutdownManager) Wait() error {
	<-sm.ctx.Done()

	var err error
	sm.once.Do(func() {
		signal.Stop(sm.shutdownSignal)
		sm.log.InfoWithFields("initiating graceful shutdown", map[string]interface{}{"grace_period": sm.gracePeriod.String()})

		done := make(chan struct{})
		go func() {
			sm.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(sm.gracePeriod):
			sm.log.Warn("grace period expired, forcing shutdown")
		}

		err = sm.executeShutdownHooks()
		sm.log.Info("shutdown complete")
	})
	return err
}

func (sm *ShutdownManager) executeShutdownHooks() error {
	sm.hooksMutex.Lock()
	hooks := make([]shutdownHook, len(sm.shutdownHooks))
	copy(hooks, sm.shutdownHooks)
	sm.hooksMutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sm.gracePeriod)
	defer cancel()

	var errs error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(ctx); err != nil {
			sm.log.WarnWithFields("shutdown hook failed", map[string]interface{}{"hook": h.name, "error": err})
			errs = multierr.Append(errs, xerrors.Errorf("%s: %w", h.name, err))
			continue
		}
		sm.log.DebugWithFields("shutdown hook completed", map[string]interface{}{"hook": h.name})
	}
	return errs
}

func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

func (sm *ShutdownManager) AddTask() {
	sm.wg.Add(1)
}

func (sm *ShutdownManager) TaskDone() {
	sm.wg.Done()
}
