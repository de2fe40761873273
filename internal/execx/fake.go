package execx

import (
	"context"
	"sync"
)

// Fake is an in-memory Executor that records every command and answers with
// the scripted responses in order. Once the script is exhausted the last
// response repeats. An empty script succeeds.
type Fake struct {
	mu        sync.Mutex
	Commands  []Command
	Responses []FakeResponse
}

// FakeResponse is one scripted answer.
type FakeResponse struct {
	Result Result
	Err    error
}

// Run records cmd and returns the next scripted response.
func (f *Fake) Run(_ context.Context, cmd Command) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.Commands)
	f.Commands = append(f.Commands, cmd)
	if len(f.Responses) == 0 {
		return Result{}, nil
	}
	if n >= len(f.Responses) {
		n = len(f.Responses) - 1
	}
	r := f.Responses[n]
	return r.Result, r.Err
}

// Calls returns a copy of the recorded commands.
func (f *Fake) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.Commands...)
}
