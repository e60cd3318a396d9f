package gateway

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

// WaitForInterrupt blocks until the process is asked to stop or ctx is done.
func WaitForInterrupt(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer signal.Stop(ch)

	select {
	case sig := <-ch:
		logrus.Infof("received %s, shutting down", sig)
	case <-ctx.Done():
	}
}

// ContextWithInterrupt returns a context that is cancelled once WaitForInterrupt returns.
func ContextWithInterrupt(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		WaitForInterrupt(ctx)
		cancel()
	}()

	return ctx, cancel
}
