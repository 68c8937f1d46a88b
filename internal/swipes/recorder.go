package swipes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/lib/pq"

	"github.com/blueberrycongee/dbmux/internal/metrics"
	"github.com/blueberrycongee/dbmux/internal/relational"
	dberrors "github.com/blueberrycongee/dbmux/pkg/errors"
	"github.com/blueberrycongee/dbmux/pkg/types"
)

// Writer persists one statement with a strict write fan-out over the role's group.
type Writer interface {
	Write(ctx context.Context, role types.Role, stmt relational.Statement) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, role types.Role, stmt relational.Statement) error

// Write calls f.
func (f WriterFunc) Write(ctx context.Context, role types.Role, stmt relational.Statement) error {
	return f(ctx, role, stmt)
}

// StatementBuilder turns a swipe into the statement that persists it.
type StatementBuilder func(Swipe) relational.Statement

// InsertInto returns a builder inserting into table. Inserts are idempotent so a
// swipe left in the buffer after a partial write can be flushed again.
func InsertInto(table string) StatementBuilder {
	text := fmt.Sprintf(
		`INSERT INTO %s (day, mode, role, person_id, swiped_at, offset_seconds) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
		pq.QuoteIdentifier(table),
	)
	return func(s Swipe) relational.Statement {
		return relational.Statement{
			Text: text,
			Args: []any{s.Day, s.Mode, string(s.Role), s.PersonID, s.Timestamp, s.OffsetSeconds},
			Kind: relational.KindWrite,
		}
	}
}

// Report summarizes one flush.
type Report struct {
	Day     string
	Written int
	Failed  int
	// Partial counts failed swipes that reached at least one instance.
	Partial int
	Invalid int
}

// Recorder drains a Source into a Writer.
type Recorder struct {
	source  Source
	writer  Writer
	build   StatementBuilder
	logger  *slog.Logger
	metrics *metrics.Collector
	clock   clock.Clock
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets the recorder logger.
func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records flush outcomes.
func WithMetrics(m *metrics.Collector) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithClock sets the clock used for durations.
func WithClock(c clock.Clock) RecorderOption {
	return func(r *Recorder) {
		if c != nil {
			r.clock = c
		}
	}
}

// NewRecorder creates a recorder.
func NewRecorder(source Source, writer Writer, build StatementBuilder, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		source: source,
		writer: writer,
		build:  build,
		logger: slog.Default(),
		clock:  clock.WallClock,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Flush writes every pending swipe of day, one at a time, and acknowledges the
// ones that reached every instance of their group. Failed swipes stay in the
// buffer. The returned error aggregates every write failure.
func (r *Recorder) Flush(ctx context.Context, day string) (Report, error) {
	start := r.clock.Now()
	report := Report{Day: day}

	batch, err := r.source.Pending(ctx, day)
	if err != nil {
		return report, fmt.Errorf("load swipes: %w", err)
	}
	report.Invalid = len(batch.Invalid)

	var (
		written []Swipe
		errs    *multierror.Error
	)
	for _, s := range batch.Swipes {
		if err := r.writer.Write(ctx, s.Role, r.build(s)); err != nil {
			report.Failed++
			if dberrors.IsPartialWrite(err) {
				report.Partial++
			}
			errs = multierror.Append(errs, fmt.Errorf("swipe %s: %w", s.Key, err))
			r.logger.Error("swipe write failed", "key", s.Key, "role", s.Role, "error", err)
			continue
		}
		written = append(written, s)
	}
	report.Written = len(written)

	if err := r.source.Ack(ctx, written); err != nil {
		errs = multierror.Append(errs, err)
	}

	if r.metrics != nil {
		r.metrics.RecordSwipes("written", report.Written)
		r.metrics.RecordSwipes("failed", report.Failed)
		r.metrics.RecordSwipes("invalid", report.Invalid)
	}
	r.logger.Info("swipes flushed",
		"day", day,
		"written", report.Written,
		"failed", report.Failed,
		"partial", report.Partial,
		"invalid", report.Invalid,
		"duration", r.clock.Now().Sub(start).String(),
	)
	return report, errs.ErrorOrNil()
}
