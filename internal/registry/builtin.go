package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/jobq/internal/domain"
)

// Built-in callable names
const (
	JobSay   = "say"
	JobEcho  = "echo"
	JobSleep = "sleep"
	JobFail  = "fail"
)

// ErrRequestedFailure is what the fail job returns
var ErrRequestedFailure = errors.New("failure requested by job arguments")

// RegisterBuiltins adds the handlers every daemon ships with
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Handler{
		JobSay:   say,
		JobEcho:  echo,
		JobSleep: sleep,
		JobFail:  fail,
	}
	for name, handler := range builtins {
		if err := r.Register(name, handler); err != nil {
			return err
		}
	}
	return nil
}

// say greets the first argument, or the kwarg "name"
func say(_ context.Context, call Call) (any, error) {
	name := "world"
	if v, ok := call.Kwargs["name"].(string); ok && v != "" {
		name = v
	} else if len(call.Args) > 0 {
		name = fmt.Sprint(call.Args[0])
	}
	return fmt.Sprintf("Hello, %s!", name), nil
}

func echo(_ context.Context, call Call) (any, error) {
	return map[string]any{
		"args":   call.Args,
		"kwargs": call.Kwargs,
	}, nil
}

// sleep waits for kwarg "seconds" (default 1) or until ctx ends
func sleep(ctx context.Context, call Call) (any, error) {
	seconds := 1.0
	switch v := call.Kwargs["seconds"].(type) {
	case int64:
		seconds = float64(v)
	case uint64:
		seconds = float64(v)
	case float64:
		seconds = v
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]any{"slept_seconds": seconds}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
}

// fail always errors; kwarg "permanent" set to true disables retries
func fail(_ context.Context, call Call) (any, error) {
	if permanent, _ := call.Kwargs["permanent"].(bool); permanent {
		return nil, domain.NewPermanentError(ErrRequestedFailure)
	}
	return nil, ErrRequestedFailure
}
