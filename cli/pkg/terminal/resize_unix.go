//go:build !windows

package terminal

import (
	"os"
	"os/signal"
	"syscall"
)

// watchResize forwards SIGWINCH as resize frames until the returned stop
// function is called.
func (t *ShellTerminal) watchResize() func() {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-winch:
				t.sendSize()
			case <-stop:
				return
			case <-t.done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(winch)
		close(stop)
	}
}
