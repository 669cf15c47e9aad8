package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procbridge/client"
	"procbridge/config"
	"procbridge/handler"
	"procbridge/message"
	"procbridge/server"
)

func TestExampleAPI(t *testing.T) {
	m := handler.NewMap()
	names, err := m.RegisterReceiver(&exampleAPI{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"echo", "add", "retNull", "uptime", "whoami", "sleep"}, names)

	out, err := handler.Invoke(context.Background(), m, "add", message.Body{"elements": []any{1, 2, 3, 4, 5}})
	require.NoError(t, err)
	assert.Equal(t, message.Body{"result": 15.0}, out)

	_, err = handler.Invoke(context.Background(), m, "add", message.Body{})
	assert.EqualError(t, err, "elements is required")

	out, err = handler.Invoke(context.Background(), m, "retNull", nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = handler.Invoke(context.Background(), m, "uptime", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "seconds")
}

func TestConsoleLines(t *testing.T) {
	srv := server.New(server.Config{Addr: "127.0.0.1:0"})
	srv.SetRegistry(handler.NewMap())
	require.NoError(t, srv.Start())
	defer srv.Stop()

	var out bytes.Buffer
	require.NoError(t, handleConsoleLine(srv, `{"hello":"all"}`, &out))
	assert.Equal(t, "pushed to 0 clients\n", out.String())

	assert.Error(t, handleConsoleLine(srv, `[1,2]`, &out))
	assert.Error(t, handleConsoleLine(srv, `push x {}`, &out))
	assert.ErrorIs(t, handleConsoleLine(srv, `push 7 {"a":1}`, &out), server.ErrUnknownClient)
	assert.NoError(t, handleConsoleLine(srv, "", &out))
}

func TestRunServesUntilExit(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Log.Level = "error"

	stdin, feed := newPipe()
	var stdout syncBuffer
	done := make(chan error, 1)
	go func() { done <- run(context.Background(), &cfg, stdin, &stdout) }()

	addr := waitForListen(t, &stdout)
	out, err := client.New(addr).Call(context.Background(), "echo", message.Body{"x": "y"})
	require.NoError(t, err)
	assert.Equal(t, message.Body{"x": "y"}, out)

	feed("exit\n")
	require.NoError(t, <-done)
	assert.Contains(t, stdout.String(), "bye!")
}
