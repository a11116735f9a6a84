//go:build windows

package main

import (
	"context"
	"os"
	"os/signal"
)

// signalContext is canceled on Ctrl+C. The runtime maps CTRL_BREAK and
// console close to os.Interrupt as well; use "xblbeacon shutdown" from
// another process.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}
