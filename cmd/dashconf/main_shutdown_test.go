package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	osSignal "os/signal"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func fakeSignal(t *testing.T) {
	t.Helper()

	t.Cleanup(func() {
		signalNotify = osSignal.Notify
	})

	signalNotify = func(ch chan<- os.Signal, sig ...os.Signal) {
		go func() {
			ch <- syscall.SIGTERM
		}()
	}
}

func TestShutdownSignals(t *testing.T) {
	fakeSignal(t)

	server := &http.Server{}
	called := make(chan struct{}, 1)
	server.RegisterOnShutdown(func() {
		called <- struct{}{}
	})

	logger := zaptest.NewLogger(t)
	shutdown(server, time.Millisecond, logger)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatalf("expected server shutdown callback to execute")
	}
}

type failingShutdowner struct {
	deadline bool
}

func (f *failingShutdowner) Shutdown(ctx context.Context) error {
	_, f.deadline = ctx.Deadline()
	return errors.New("still draining")
}

func TestShutdownAppliesTimeoutAndToleratesFailure(t *testing.T) {
	fakeSignal(t)

	target := &failingShutdowner{}
	shutdown(target, 10*time.Millisecond, zaptest.NewLogger(t))

	if !target.deadline {
		t.Fatalf("expected shutdown context to carry a deadline")
	}
}
