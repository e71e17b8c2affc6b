package session

import (
	"context"
	"errors"
	"time"

	"github.com/chaz8081/ble-kermit/internal/crcfile"
	"github.com/chaz8081/ble-kermit/internal/fifo"
	"github.com/chaz8081/ble-kermit/internal/frame"
	"github.com/chaz8081/ble-kermit/internal/kermit"
)

// Report describes one finished transaction.
type Report struct {
	Type     kermit.TransactionType
	Arg      string
	Resends  int
	Err      error
	Started  time.Time
	Finished time.Time
}

// Category classifies the report's error.
func (r Report) Category() Category { return Classify(r.Err) }

// Reporter receives a Report after every transaction. It is called from the
// worker goroutine and should not block for long.
type Reporter interface {
	Report(Report)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Report)

func (f ReporterFunc) Report(r Report) { f(r) }

// Reporters fans a report out to each non-nil reporter in order.
type Reporters []Reporter

func (rs Reporters) Report(r Report) {
	for _, rep := range rs {
		if rep != nil {
			rep.Report(r)
		}
	}
}

// Category is a stable error class with an errno-style code.
type Category struct {
	Code int
	Name string
}

var (
	CategorySuccess         = Category{0, "success"}
	CategoryInvalidArgument = Category{22, "invalid argument"}
	CategoryIO              = Category{5, "i/o error"}
	CategoryTimeout         = Category{62, "timeout"}
	CategoryConnReset       = Category{54, "connection reset"}
	CategoryAccess          = Category{13, "access denied"}
	CategoryUnknown         = Category{255, "unknown error"}
)

// Classify maps an error from a transfer to its category.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategorySuccess
	case errors.Is(err, kermit.ErrInvalidArgument),
		errors.Is(err, fifo.ErrInvalidArgument),
		errors.Is(err, crcfile.ErrInvalidArgument):
		return CategoryInvalidArgument
	case errors.Is(err, kermit.ErrTimeout):
		return CategoryTimeout
	case errors.Is(err, kermit.ErrConnReset),
		errors.Is(err, frame.ErrAborted),
		errors.Is(err, ErrTransport),
		errors.Is(err, ErrClosed),
		errors.Is(err, context.Canceled):
		return CategoryConnReset
	case errors.Is(err, kermit.ErrAccess):
		return CategoryAccess
	case errors.Is(err, kermit.ErrProtocol),
		errors.Is(err, kermit.ErrIO),
		errors.Is(err, crcfile.ErrIO):
		return CategoryIO
	default:
		return CategoryUnknown
	}
}
