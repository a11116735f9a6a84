package control

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"tools.zach/dev/xblbeacon/internal/atomicfile"
)

// tokenBytes is the amount of randomness in a control token.
const tokenBytes = 32

// ErrNoToken is returned by ReadToken when the daemon has not written a
// token yet.
var ErrNoToken = errors.New("control token not found, is the daemon running?")

// LoadOrCreateToken returns the token stored at path, creating one readable
// only by the owner when the file is missing or empty.
func LoadOrCreateToken(path string) (string, error) {
	tok, err := ReadToken(path)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrNoToken) {
		return "", err
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating control token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := atomicfile.Write(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing control token: %w", err)
	}
	return tok, nil
}

// ReadToken reads the token written by the daemon.
func ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("reading control token: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}
