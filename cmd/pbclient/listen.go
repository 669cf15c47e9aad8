package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"procbridge/client"
	"procbridge/message"
)

func newListenCommand(cc *commandContext) *cobra.Command {
	var requestID bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Open a session and print everything the server sends",
		Long: `listen keeps one connection open. Each stdin line "<api> [json-object]" is sent
as a request; replies and server pushes are printed as they arrive. "exit" or EOF ends the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := &lockedWriter{w: cmd.OutOrStdout()}
			sess, err := cc.client.Open(ctx, client.HandlerFuncs{
				Message: func(body message.Body) {
					printBody(out, body)
				},
				Error: func(err error) {
					fmt.Fprintln(out, "error:", err)
				},
			})
			if err != nil {
				return err
			}
			defer sess.Stop()
			cc.logger.Debug("session opened", zap.String("session", sess.ID()))

			if requestID {
				if err := sess.RequestClientID(); err != nil {
					return err
				}
			}

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-sess.Done():
					return errors.New("connection closed by server")
				case line, ok := <-lines:
					if !ok || strings.TrimSpace(line) == "exit" {
						return nil
					}
					if err := sendLine(sess, line); err != nil {
						fmt.Fprintln(out, "error:", err)
					}
				}
			}
		},
	}

	cmd.Flags().BoolVar(&requestID, "client-id", false, "ask the server for this connection's id first")
	return cmd
}

func sendLine(sess *client.Session, line string) error {
	api, text, _ := strings.Cut(strings.TrimSpace(line), " ")
	if api == "" {
		return nil
	}
	body := message.Body{}
	if text = strings.TrimSpace(text); text != "" {
		parsed, err := message.ParseBody(text)
		if err != nil {
			return err
		}
		body = parsed
	}
	return sess.Send(api, body)
}

// lockedWriter serializes output from the receiver goroutine and the command loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
