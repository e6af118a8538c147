// Package batch buffers resolved parameter values per resource type and
// flushes them to the store in batched round trips.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/index"
)

var errNotStarted = errors.New("batch not started")

// batchSender is satisfied by pgx.Tx, *pgx.Conn and *pgxpool.Conn.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// FlushError reports a failed push for one writer. The caller should Reset
// the processor and retry the whole transaction.
type FlushError struct {
	Writer string
	Err    error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush %s parameters: %v", e.Writer, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// ParameterBatch buffers inserts for one set of parameter tables.
type ParameterBatch struct {
	name   string
	tables tableSet
	batch  *pgx.Batch
}

func newParameterBatch(resourceType string) *ParameterBatch {
	return &ParameterBatch{
		name:   resourceType,
		tables: newTableSet(TablePrefix(resourceType)),
		batch:  &pgx.Batch{},
	}
}

// newSystemParameterBatch returns the writer for the whole-system tables.
func newSystemParameterBatch() *ParameterBatch {
	return &ParameterBatch{
		name:   systemWriter,
		tables: newTableSet(""),
		batch:  &pgx.Batch{},
	}
}

// Pending is the number of buffered rows.
func (w *ParameterBatch) Pending() int {
	if w.batch == nil {
		return 0
	}
	return w.batch.Len()
}

func (w *ParameterBatch) queue(kind index.Kind, args ...interface{}) error {
	st, ok := w.tables[kind]
	if !ok {
		return fmt.Errorf("%s: no table for %s parameters", w.name, kind)
	}
	if len(args) != st.cols {
		return fmt.Errorf("%s: %s row has %d values, table has %d columns", w.name, kind, len(args), st.cols)
	}
	if w.batch == nil {
		w.batch = &pgx.Batch{}
	}
	w.batch.Queue(st.sql, args...)
	return nil
}

func (w *ParameterBatch) add(shard pgtype.Int2, rv index.ResolvedValue) error {
	lrid := rv.LogicalResourceID
	nameID := rv.ParameterName.ID
	base := rv.Parameter.Base()

	switch p := rv.Parameter.(type) {
	case index.StringParameter:
		return w.queue(index.KindString, nameID, p.Value, index.NormalizeString(p.Value), lrid, base.CompositeID, shard)
	case index.NumberParameter:
		return w.queue(index.KindNumber, nameID, p.Value, p.Low, p.High, lrid, base.CompositeID, shard)
	case index.DateParameter:
		return w.queue(index.KindDate, nameID, p.Start, p.End, lrid, base.CompositeID, shard)
	case index.QuantityParameter:
		if rv.CodeSystem == nil {
			return unresolved(rv, "code system")
		}
		return w.queue(index.KindQuantity, nameID, rv.CodeSystem.ID, p.Code, p.Value, p.Low, p.High, lrid, base.CompositeID, shard)
	case index.LocationParameter:
		return w.queue(index.KindLocation, nameID, p.Latitude, p.Longitude, lrid, base.CompositeID, shard)
	case index.TokenParameter:
		if rv.CommonToken == nil {
			return unresolved(rv, "common token value")
		}
		return w.queue(index.KindToken, nameID, rv.CommonToken.ID, p.RefVersionID, lrid, base.CompositeID, shard)
	case index.TagParameter:
		if rv.CommonToken == nil {
			return unresolved(rv, "common token value")
		}
		return w.queue(index.KindTag, nameID, rv.CommonToken.ID, lrid, shard)
	case index.ProfileParameter:
		if rv.Canonical == nil {
			return unresolved(rv, "canonical")
		}
		return w.queue(index.KindProfile, nameID, rv.Canonical.ID, nullable(p.Version), nullable(p.Fragment), lrid, shard)
	case index.SecurityParameter:
		if rv.CommonToken == nil {
			return unresolved(rv, "common token value")
		}
		return w.queue(index.KindSecurity, nameID, rv.CommonToken.ID, lrid, shard)
	default:
		return fmt.Errorf("%s: unsupported parameter type %T", w.name, rv.Parameter)
	}
}

func (w *ParameterBatch) flush(ctx context.Context, conn batchSender) error {
	b := w.batch
	w.batch = &pgx.Batch{}
	if b == nil || b.Len() == 0 {
		return nil
	}
	br := conn.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func (w *ParameterBatch) reset() {
	w.batch = &pgx.Batch{}
}

func (w *ParameterBatch) close() {
	w.batch = nil
}

func unresolved(rv index.ResolvedValue, what string) error {
	return fmt.Errorf("%s/%s: %s parameter %q has no resolved %s",
		rv.ResourceType, rv.LogicalID, rv.Parameter.Kind(), rv.Parameter.Base().Name, what)
}

func nullable(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

// Processor writes the resolved parameters of one transaction. It is bound
// to a single connection and is not safe for concurrent use.
//
// StartBatch, then Process for every value, then PushBatch. Reset discards
// whatever was buffered since StartBatch.
type Processor struct {
	conn    batchSender
	logger  zerolog.Logger
	writers map[string]*ParameterBatch
	system  *ParameterBatch
	touched map[string]struct{}
	started bool
}

// New creates a processor writing through conn.
func New(conn batchSender, logger zerolog.Logger) *Processor {
	return &Processor{
		conn:    conn,
		logger:  logger.With().Str("component", "batch").Logger(),
		writers: make(map[string]*ParameterBatch),
		touched: make(map[string]struct{}),
	}
}

// StartBatch begins a new unit of work. Rows left from a batch that was
// neither pushed nor reset are dropped.
func (p *Processor) StartBatch() {
	p.discard(p.TouchedResourceTypes())
	p.touched = make(map[string]struct{})
	p.started = true
}

// Process buffers one resolved value in the writer for its resource type
// and, for system parameters, in the whole-system writer too.
func (p *Processor) Process(shardKey pgtype.Int2, rv index.ResolvedValue) error {
	if !p.started {
		return errNotStarted
	}
	if err := rv.Validate(); err != nil {
		return err
	}

	w, ok := p.writers[rv.ResourceType]
	if !ok {
		w = newParameterBatch(rv.ResourceType)
		p.writers[rv.ResourceType] = w
	}
	if err := w.add(shardKey, rv); err != nil {
		return err
	}
	p.touched[rv.ResourceType] = struct{}{}

	if rv.Parameter.Base().SystemParam {
		if p.system == nil {
			p.system = newSystemParameterBatch()
		}
		if err := p.system.add(shardKey, rv); err != nil {
			return err
		}
	}

	p.logger.Debug().
		Str("resource_type", rv.ResourceType).
		Str("logical_id", rv.LogicalID).
		Str("kind", string(rv.Parameter.Kind())).
		Str("parameter", rv.Parameter.Base().Name).
		Bool("system", rv.Parameter.Base().SystemParam).
		Msg("buffered parameter")
	return nil
}

// PushBatch flushes every writer touched since StartBatch, then the
// whole-system writer. The touched set is cleared whether or not the push
// succeeds.
func (p *Processor) PushBatch(ctx context.Context) error {
	touched := p.TouchedResourceTypes()
	p.touched = make(map[string]struct{})
	p.started = false

	for i, rt := range touched {
		w := p.writers[rt]
		n := w.Pending()
		if err := w.flush(ctx, p.conn); err != nil {
			// rows of the remaining writers belong to the failed transaction
			p.discard(touched[i+1:])
			p.logger.Error().Err(err).Str("writer", rt).Msg("parameter flush failed")
			return &FlushError{Writer: rt, Err: err}
		}
		p.logger.Debug().Str("writer", rt).Int("rows", n).Msg("flushed parameters")
	}

	if p.system != nil && p.system.Pending() > 0 {
		n := p.system.Pending()
		if err := p.system.flush(ctx, p.conn); err != nil {
			p.logger.Error().Err(err).Str("writer", systemWriter).Msg("parameter flush failed")
			return &FlushError{Writer: systemWriter, Err: err}
		}
		p.logger.Debug().Str("writer", systemWriter).Int("rows", n).Msg("flushed parameters")
	}
	return nil
}

// Reset drops the rows buffered since StartBatch. Calling it twice is
// harmless.
func (p *Processor) Reset() {
	p.discard(p.TouchedResourceTypes())
	p.touched = make(map[string]struct{})
	p.started = false
}

func (p *Processor) discard(resourceTypes []string) {
	for _, rt := range resourceTypes {
		if w, ok := p.writers[rt]; ok {
			w.reset()
		}
	}
	if p.system != nil {
		p.system.reset()
	}
}

// Close releases every writer. The processor must not be used afterwards.
func (p *Processor) Close() {
	for _, w := range p.writers {
		w.close()
	}
	if p.system != nil {
		p.system.close()
	}
	p.writers = make(map[string]*ParameterBatch)
	p.system = nil
	p.touched = make(map[string]struct{})
	p.started = false
}

// TouchedResourceTypes returns the resource types written since StartBatch,
// sorted.
func (p *Processor) TouchedResourceTypes() []string {
	out := make([]string, 0, len(p.touched))
	for rt := range p.touched {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}

// Pending is the total number of buffered rows across all writers.
func (p *Processor) Pending() int {
	n := 0
	for _, w := range p.writers {
		n += w.Pending()
	}
	if p.system != nil {
		n += p.system.Pending()
	}
	return n
}
