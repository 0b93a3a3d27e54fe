package pkg

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind is the closed set of failure classes raised by the scoring core
type ErrorKind int

const (
	ConfigurationError ErrorKind = iota + 1
	UsageFault
	DataIntegrityFault
	PersistenceCorruption
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigurationError:
		return "configuration_error"
	case UsageFault:
		return "usage_fault"
	case DataIntegrityFault:
		return "data_integrity_fault"
	case PersistenceCorruption:
		return "persistence_corruption"
	}
	return fmt.Sprintf("error_kind(%d)", int(k))
}

// Kind sentinels for errors.Is
var (
	ErrConfiguration         = errors.New("configuration error")
	ErrUsageFault            = errors.New("usage fault")
	ErrDataIntegrity         = errors.New("data integrity fault")
	ErrPersistenceCorruption = errors.New("persistence corruption")

	// ErrNoData means the store had nothing for the key; callers cold start
	ErrNoData = errors.New("no data")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case ConfigurationError:
		return ErrConfiguration
	case UsageFault:
		return ErrUsageFault
	case DataIntegrityFault:
		return ErrDataIntegrity
	case PersistenceCorruption:
		return ErrPersistenceCorruption
	}
	return nil
}

// Fault carries structured context for one failure
type Fault struct {
	Kind    ErrorKind
	Op      string
	Detail  string
	Context map[string]interface{}
	Err     error
}

// NewFault builds a fault; ctx may be nil
func NewFault(kind ErrorKind, op, detail string, ctx map[string]interface{}) *Fault {
	return &Fault{Kind: kind, Op: op, Detail: detail, Context: ctx}
}

// Wrap attaches an underlying cause
func (f *Fault) Wrap(err error) *Fault {
	f.Err = err
	return f
}

func (f *Fault) Error() string {
	var b strings.Builder
	b.WriteString(f.Kind.String())
	if f.Op != "" {
		b.WriteString(": ")
		b.WriteString(f.Op)
	}
	if f.Detail != "" {
		b.WriteString(": ")
		b.WriteString(f.Detail)
	}
	if len(f.Context) > 0 {
		keys := make([]string, 0, len(f.Context))
		for k := range f.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%v", k, f.Context[k])
		}
		b.WriteString("]")
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Is matches the kind sentinel
func (f *Fault) Is(target error) bool {
	return target != nil && target == f.Kind.sentinel()
}

// KindOf returns the kind of the first Fault in the chain, or 0
func KindOf(err error) ErrorKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}
