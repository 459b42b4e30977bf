package odb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedType     = errors.New("unsupported type")
	ErrIncompatibleKey     = errors.New("incompatible table storage: primary key type changed")
	ErrAlreadyInitialized  = errors.New("database already initialized")
	ErrInvalidMappingOrder = errors.New("tables and indexes must be mapped before the database is initialized")
	ErrNotInitialized      = errors.New("database not initialized")
	ErrClosed              = errors.New("database closed")
	ErrNoActiveTransaction = errors.New("no active write transaction")
	ErrReservedTypeID      = errors.New("type ids below 1000 are reserved for built-in types")
	ErrTypeIDTaken         = errors.New("type id already registered")
	ErrRegistryFrozen      = errors.New("types must be registered before any table is opened")
	ErrQuotaExceeded       = errors.New("storage quota exceeded")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}

type TableError struct {
	Table string
	Index string
	Key   any
	Msg   string
	Err   error
}

func tableErrf(tbl *Table, index string, key any, err error, format string, args ...any) error {
	var name string
	if tbl != nil {
		name = tbl.name
	}
	return &TableError{name, index, key, fmt.Sprintf(format, args...), err}
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func (e *TableError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Table)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.Key != nil {
		fmt.Fprintf(&buf, "/%v", e.Key)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func unsupportedTypef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedType, fmt.Sprintf(format, args...))
}
