package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/rickgao/binary-engine/internal/model"
)

// Range is a half-open [From, To) window of bucket starts in ms.
type Range struct {
	From int64
	To   int64
}

// Aligned floors From to the timeframe.
func (r Range) Aligned(tf model.Timeframe) Range {
	return Range{From: tf.Floor(r.From), To: r.To}
}

// Contains reports whether a bucket start falls in the range.
func (r Range) Contains(bucketStart int64) bool {
	return bucketStart >= r.From && bucketStart < r.To
}

// Store is the candle history used by chart seeding and the writer.
type Store interface {
	Append(ctx context.Context, c model.Candle) error
	Get(ctx context.Context, instrument string, tf model.Timeframe, r Range) ([]model.Candle, error)
}

// Durable is a persistent candle backend.
//
// InsertCandles stores every candle whose key is new. A key that already
// holds identical content is skipped. A key holding different content is
// left untouched and reported through an error wrapping
// model.ErrCandleConflict once the rest of the batch is stored.
type Durable interface {
	InsertCandles(ctx context.Context, candles []model.Candle) error
	QueryCandles(ctx context.Context, instrument string, tf model.Timeframe, r Range) ([]model.Candle, error)
	// LatestCandle returns the stored candle with the greatest bucket start.
	// ok is false when the series is empty.
	LatestCandle(ctx context.Context, instrument string, tf model.Timeframe) (c model.Candle, ok bool, err error)
	Close() error
}

type seriesKey struct {
	instrument string
	timeframe  model.Timeframe
}

func keyOf(c model.Candle) seriesKey {
	return seriesKey{instrument: c.Instrument, timeframe: c.Timeframe}
}

func validateRange(tf model.Timeframe, r Range) error {
	if !tf.Valid() {
		return &model.ValidationError{Field: "timeframe", Reason: fmt.Sprintf("unsupported timeframe %s", tf)}
	}
	if r.To <= r.From {
		return &model.ValidationError{Field: "range", Reason: fmt.Sprintf("to (%d) must be after from (%d)", r.To, r.From)}
	}
	return nil
}

func ValidateCandle(c model.Candle) error {
	if c.Instrument == "" {
		return &model.ValidationError{Field: "instrument", Reason: "required"}
	}
	if !c.Timeframe.Valid() {
		return &model.ValidationError{Field: "timeframe", Reason: fmt.Sprintf("unsupported timeframe %s", c.Timeframe)}
	}
	if c.BucketStart != c.Timeframe.Floor(c.BucketStart) {
		return &model.ValidationError{Field: "bucketStart", Reason: fmt.Sprintf("%d is not aligned to %s", c.BucketStart, c.Timeframe)}
	}
	return nil
}

// checkContiguous returns a *model.GapError when a bucket is missing
// between the first and last candle. candles must be ascending. At most
// model.MaxReportedGaps bucket starts are listed.
func checkContiguous(instrument string, tf model.Timeframe, candles []model.Candle) error {
	width := tf.Millis()
	var (
		missing []int64
		count   int64
	)
	for i := 1; i < len(candles); i++ {
		from := candles[i-1].BucketStart + width
		to := candles[i].BucketStart
		if from >= to {
			continue
		}
		count += (to - from + width - 1) / width
		for start := from; start < to && len(missing) < model.MaxReportedGaps; start += width {
			missing = append(missing, start)
		}
	}
	if count > 0 {
		return &model.GapError{Instrument: instrument, Timeframe: tf, Missing: missing, MissingCount: count}
	}
	return nil
}

// conflictError reports the keys rejected by an InsertCandles call.
func conflictError(conflicts []model.Candle) error {
	if len(conflicts) == 0 {
		return nil
	}
	c := conflicts[0]
	return fmt.Errorf("%w: %s/%s at %d (and %d more)",
		model.ErrCandleConflict, c.Instrument, c.Timeframe, c.BucketStart, len(conflicts)-1)
}

// mergeCandles merges two ascending slices keyed by bucket start. On a
// shared key the candle from a wins.
func mergeCandles(a, b []model.Candle) []model.Candle {
	out := make([]model.Candle, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].BucketStart < b[j].BucketStart:
			out = append(out, a[i])
			i++
		case a[i].BucketStart > b[j].BucketStart:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func sortCandles(candles []model.Candle) {
	sort.Slice(candles, func(i, j int) bool { return candles[i].BucketStart < candles[j].BucketStart })
}

// Durable backends return candles without the in-memory Closed flag.
func markClosed(candles []model.Candle) []model.Candle {
	for i := range candles {
		candles[i].Closed = true
	}
	return candles
}
