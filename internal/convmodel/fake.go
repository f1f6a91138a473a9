package convmodel

import (
	"context"
	"fmt"
)

// FakeClient is a scripted ModelClient for deterministic tests: each call
// to Complete consumes the next entry of Responses (or Errs, if set for
// that index), in order. Requests is populated as a side effect so tests
// can assert what the executor actually sent.
type FakeClient struct {
	Responses []Response
	Errs      map[int]error

	Requests []Request
	calls    int
}

// Complete implements ModelClient.
func (f *FakeClient) Complete(_ context.Context, req Request) (Response, error) {
	f.Requests = append(f.Requests, req)
	i := f.calls
	f.calls++
	if err, ok := f.Errs[i]; ok {
		return Response{}, err
	}
	if i >= len(f.Responses) {
		return Response{}, fmt.Errorf("convmodel: fake client exhausted after %d calls", i)
	}
	return f.Responses[i], nil
}

// Calls reports how many times Complete has been invoked.
func (f *FakeClient) Calls() int { return f.calls }
