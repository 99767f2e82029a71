package model

import (
	"errors"
	"fmt"
)

// Synchronous request errors.
var (
	ErrValidation          = errors.New("validation error")
	ErrInvalidStake        = fmt.Errorf("%w: invalid stake", ErrValidation)
	ErrInvalidExpiration   = fmt.Errorf("%w: invalid expiration", ErrValidation)
	ErrInvalidDirection    = fmt.Errorf("%w: invalid direction", ErrValidation)
	ErrUnknownInstrument   = fmt.Errorf("%w: unknown instrument", ErrValidation)
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrResetNotAllowed     = errors.New("demo balance reset not allowed")
	ErrTradeNotFound       = errors.New("trade not found")
	ErrNotReady            = errors.New("component not ready")
)

// Background and storage errors.
var (
	ErrStorageDegraded    = errors.New("candle storage degraded")
	ErrSettlementConflict = errors.New("trade already settled")
	ErrFeedGap            = errors.New("no tick at expiration")
	ErrCandleGap          = errors.New("candle series has a gap")
	ErrCandleConflict     = errors.New("closed candle already stored with different content")
)

// ValidationError carries the offending field of a rejected request.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // one of the ErrInvalid* sentinels
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Err == nil {
		return ErrValidation
	}
	return e.Err
}

// MaxReportedGaps caps GapError.Missing.
const MaxReportedGaps = 100

// GapError reports missing buckets inside a requested candle range.
type GapError struct {
	Instrument   string
	Timeframe    Timeframe
	Missing      []int64 // first MaxReportedGaps bucket starts, ascending
	MissingCount int64   // all missing buckets
}

func (e *GapError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("candle series %s/%s has a gap", e.Instrument, e.Timeframe)
	}
	n := e.MissingCount
	if n < int64(len(e.Missing)) {
		n = int64(len(e.Missing))
	}
	return fmt.Sprintf("candle series %s/%s missing %d bucket(s) from %d",
		e.Instrument, e.Timeframe, n, e.Missing[0])
}

func (e *GapError) Unwrap() error { return ErrCandleGap }
