//go:build windows

package signals

import (
	"os/signal"
	"syscall"
)

func init() {
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
}

func Handle() {
	for {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		if sig == syscall.SIGINT || sig == syscall.SIGTERM {
			handleInterrupted()
		}
	}
}
