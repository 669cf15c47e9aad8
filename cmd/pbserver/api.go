package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"procbridge/message"
	"procbridge/server"
)

// exampleAPI is registered by reflection: each method becomes an api named after
// it with a lower-cased first letter.
type exampleAPI struct {
	started time.Time
}

func (a *exampleAPI) Echo(body message.Body) message.Body {
	return body
}

func (a *exampleAPI) Add(body message.Body) (message.Body, error) {
	var args struct {
		Elements []float64 `json:"elements"`
	}
	if err := body.Decode(&args); err != nil {
		return nil, err
	}
	if args.Elements == nil {
		return nil, errors.New("elements is required")
	}
	sum := 0.0
	for _, e := range args.Elements {
		sum += e
	}
	return message.Body{"result": sum}, nil
}

// RetNull answers with a response that has no body.
func (a *exampleAPI) RetNull() {}

func (a *exampleAPI) Uptime() string {
	return fmt.Sprintf(`{"seconds":%d}`, int(time.Since(a.started).Seconds()))
}

// Whoami reports the id of the calling connection.
func (a *exampleAPI) Whoami(ctx context.Context) (message.Body, error) {
	id, ok := server.ClientID(ctx)
	if !ok {
		return nil, errors.New("no client id")
	}
	return message.Body{"clientID": id}, nil
}

// Sleep waits for body.ms milliseconds, or until the request is cancelled.
func (a *exampleAPI) Sleep(ctx context.Context, body message.Body) (message.Body, error) {
	v, _ := body.Get("ms")
	ms, _ := v.(float64)
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return message.Body{"slept": ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
