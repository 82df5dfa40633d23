package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Executor for tests. Create returns the spec name
// as the id, matching the real executor. Exit codes and log output are
// scripted per sandbox name; everything else is recorded for assertions.
type Fake struct {
	mu sync.Mutex

	// ExitCodes maps sandbox name to the code Wait returns. Missing
	// entries exit 0.
	ExitCodes map[string]uint32

	// Output maps sandbox name to the text Logs streams.
	Output map[string]string

	// CreateErr, when set, fails every Create.
	CreateErr error

	// WaitErr, when set, fails every Wait.
	WaitErr error

	// OnStart, when set, runs during Start with the sandbox's create
	// spec. Tests use it to emulate the sandbox's side effects, like
	// writing artifacts through a bind.
	OnStart func(spec CreateSpec) error

	created []CreateSpec
	started []string
	stopped []string
	removed []string
	pulled  []string
}

var _ Executor = (*Fake)(nil)

func (f *Fake) EnsureImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return nil
}

func (f *Fake) Create(_ context.Context, spec CreateSpec) (string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrCreate, spec.Name, f.CreateErr)
	}
	f.created = append(f.created, spec)
	return spec.Name, nil, nil
}

func (f *Fake) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)

	if f.OnStart != nil {
		for i := len(f.created) - 1; i >= 0; i-- {
			if f.created[i].Name == id {
				return f.OnStart(f.created[i])
			}
		}
	}
	return nil
}

func (f *Fake) Wait(_ context.Context, id string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WaitErr != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrWait, id, f.WaitErr)
	}
	return f.ExitCodes[id], nil
}

func (f *Fake) Inspect(_ context.Context, id string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return State{Status: "stopped", ExitCode: f.ExitCodes[id]}, nil
}

func (f *Fake) Logs(_ context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(strings.NewReader(f.Output[id])), nil
}

func (f *Fake) Remove(_ context.Context, nameOrID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, nameOrID)
	return nil
}

func (f *Fake) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *Fake) Close() error { return nil }

// Created returns every spec passed to Create, in order.
func (f *Fake) Created() []CreateSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CreateSpec(nil), f.created...)
}

// LastCreated returns the most recent spec, or a zero spec.
func (f *Fake) LastCreated() CreateSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return CreateSpec{}
	}
	return f.created[len(f.created)-1]
}

// Started returns every id passed to Start, in order.
func (f *Fake) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

// Removed returns every name or id passed to Remove, in order.
func (f *Fake) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// Pulled returns every image ref passed to EnsureImage, in order.
func (f *Fake) Pulled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pulled...)
}
