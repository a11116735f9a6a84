// conn_windows.go implements Discord IPC discovery for Windows named pipes
// (\\.\pipe\discord-ipc-N) using go-winio.

//go:build windows

package discord

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// connectToDiscord tries each Discord named pipe slot and returns the first
// successful connection.
func connectToDiscord(ctx context.Context) (net.Conn, error) {
	for i := range maxIPCSlots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := winio.DialPipeContext(ctx, fmt.Sprintf(`\\.\pipe\discord-ipc-%d`, i))
		if err == nil {
			return conn, nil
		}
	}
	return nil, ErrIPCNotAvailable
}
