package main

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newPipe() (io.Reader, func(string)) {
	r, w := io.Pipe()
	return r, func(s string) {
		go func() {
			io.WriteString(w, s)
			w.Close()
		}()
	}
}

// waitForListen returns the address from the "listening on" line.
func waitForListen(t *testing.T, out *syncBuffer) string {
	t.Helper()
	var addr string
	require.Eventually(t, func() bool {
		for _, line := range strings.Split(out.String(), "\n") {
			if rest, ok := strings.CutPrefix(line, "listening on "); ok {
				addr = rest
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return addr
}
