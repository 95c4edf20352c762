// Package audit appends one record per risk decision and guardian action.
// Writes are best-effort: an audit store outage degrades to log-only and
// never blocks or fails the operation being audited.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradeguard/internal/storage"
)

// Entry is the caller-facing shape of one audit event.
type Entry struct {
	AccountID string
	Symbol    string
	Operation string
	Params    any
	Result    string
	Success   bool
	Err       error
}

// Sink records audit entries.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// StoreSink persists entries to the relational audit log, logging and
// continuing when the store is unavailable.
type StoreSink struct {
	store  storage.AuditStore
	logger zerolog.Logger
}

// NewStoreSink wires the audit store.
func NewStoreSink(store storage.AuditStore, logger zerolog.Logger) *StoreSink {
	return &StoreSink{
		store:  store,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Record appends one audit row.
func (s *StoreSink) Record(ctx context.Context, entry Entry) {
	rec := toRecord(entry)

	if s.store != nil {
		err := s.store.InsertAudit(ctx, rec)
		if err == nil {
			return
		}
		s.logger.Error().Err(err).
			Str("operation", entry.Operation).
			Str("account_id", entry.AccountID).
			Msg("audit store write failed, record kept in log only")
	}

	event := s.logger.Info()
	if !entry.Success {
		event = s.logger.Warn()
	}
	event.
		Str("audit_id", rec.ID).
		Str("account_id", rec.AccountID).
		Str("symbol", rec.Symbol).
		Str("operation", rec.Operation).
		Str("result", rec.Result).
		Bool("success", rec.Success).
		RawJSON("params", rec.Params).
		Msg("audit record")
}

func toRecord(entry Entry) storage.AuditRecord {
	params, err := json.Marshal(entry.Params)
	if err != nil || params == nil {
		params = json.RawMessage("{}")
	}

	rec := storage.AuditRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		AccountID: entry.AccountID,
		Symbol:    entry.Symbol,
		Operation: entry.Operation,
		Params:    params,
		Result:    entry.Result,
		Success:   entry.Success,
	}
	if entry.Err != nil {
		msg := entry.Err.Error()
		rec.Error = &msg
	}
	return rec
}

// NopSink discards every entry. Used in tests and tooling commands.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, Entry) {}

var (
	_ Sink = (*StoreSink)(nil)
	_ Sink = NopSink{}
)
