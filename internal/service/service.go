// Package service holds the application handlers that run inside workers.
// Handlers are registered by name so that a re-executed worker process can
// find the same handler as the control process that configured it.
package service

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/loykin/prefork/internal/process"
)

// Inet handles one accepted connection. The connection is closed by the
// caller after Handle returns.
type Inet interface {
	Handle(conn net.Conn)
}

// Datum answers one request payload.
type Datum interface {
	Handle(req []byte) ([]byte, error)
}

// Hooks run once per worker process around its serving loop.
type Hooks interface {
	WorkerInit(rec *process.Record) error
	WorkerEnd(rec *process.Record)
}

// InetFactory creates the handler of a worker process.
type InetFactory interface {
	Hooks
	NewInet() Inet
}

// DatumFactory creates the handler of a datum worker process.
type DatumFactory interface {
	Hooks
	NewDatum() Datum
}

// NopHooks can be embedded by factories that need no per-process setup.
type NopHooks struct{}

func (NopHooks) WorkerInit(*process.Record) error { return nil }
func (NopHooks) WorkerEnd(*process.Record)        {}

// InetFunc adapts a function to InetFactory.
type InetFunc func(conn net.Conn)

func (f InetFunc) Handle(conn net.Conn)             { f(conn) }
func (f InetFunc) NewInet() Inet                    { return f }
func (InetFunc) WorkerInit(*process.Record) error { return nil }
func (InetFunc) WorkerEnd(*process.Record)        {}

// DatumFunc adapts a function to DatumFactory.
type DatumFunc func(req []byte) ([]byte, error)

func (f DatumFunc) Handle(req []byte) ([]byte, error) { return f(req) }
func (f DatumFunc) NewDatum() Datum                    { return f }
func (DatumFunc) WorkerInit(*process.Record) error   { return nil }
func (DatumFunc) WorkerEnd(*process.Record)          {}

var (
	mu    sync.RWMutex
	inet  = map[string]InetFactory{}
	datum = map[string]DatumFactory{}
)

// RegisterInet registers a connection handler under name. It panics on a
// duplicate name, like database/sql.Register.
func RegisterInet(name string, f InetFactory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("service: RegisterInet factory is nil")
	}
	if _, dup := inet[name]; dup {
		panic("service: RegisterInet called twice for " + name)
	}
	inet[name] = f
}

// RegisterDatum registers a request handler under name.
func RegisterDatum(name string, f DatumFactory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("service: RegisterDatum factory is nil")
	}
	if _, dup := datum[name]; dup {
		panic("service: RegisterDatum called twice for " + name)
	}
	datum[name] = f
}

func LookupInet(name string) (InetFactory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := inet[name]
	if !ok {
		return nil, fmt.Errorf("service: unknown inet service %q", name)
	}
	return f, nil
}

func LookupDatum(name string) (DatumFactory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := datum[name]
	if !ok {
		return nil, fmt.Errorf("service: unknown datum service %q", name)
	}
	return f, nil
}

// Names lists registered services, inet first, each sorted.
func Names() (inetNames, datumNames []string) {
	mu.RLock()
	defer mu.RUnlock()
	for n := range inet {
		inetNames = append(inetNames, n)
	}
	for n := range datum {
		datumNames = append(datumNames, n)
	}
	sort.Strings(inetNames)
	sort.Strings(datumNames)
	return inetNames, datumNames
}
