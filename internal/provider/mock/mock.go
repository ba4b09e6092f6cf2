// Package mock provides in-memory fakes of the provider interfaces for
// tests. Every fake counts calls per method and returns an injected error
// for a method when one is set with Fail.
package mock

import "sync"

// recorder tracks calls and injected failures. Fakes embed it.
type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	fails map[string]error
}

func (r *recorder) init() {
	if r.calls == nil {
		r.calls = make(map[string]int)
		r.fails = make(map[string]error)
	}
}

// hit records a call to method and returns its injected error. The caller
// must hold r.mu.
func (r *recorder) hit(method string) error {
	r.init()
	r.calls[method]++
	return r.fails[method]
}

// Fail makes method return err until cleared with Fail(method, nil).
func (r *recorder) Fail(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	if err == nil {
		delete(r.fails, method)
		return
	}
	r.fails[method] = err
}

// Calls returns how often method was invoked.
func (r *recorder) Calls(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

// TotalCalls returns the number of calls across all methods.
func (r *recorder) TotalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}
