// Package indexer reads and writes ledger events in a PostgreSQL table kept by
// an off-chain event indexer. It serves as a log source for discovery when the
// gateway node limits getLogs ranges, and as a sink for events seen live.
package indexer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loansync/loansync/internal/ledger"
)

const TableEvents = "ledger_events"

const schema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	id           BIGSERIAL PRIMARY KEY,
	event_type   TEXT        NOT NULL,
	contract     TEXT        NOT NULL,
	loan_id      TEXT        NOT NULL DEFAULT '',
	address      TEXT        NOT NULL DEFAULT '',
	score        INTEGER     NOT NULL DEFAULT 0,
	block_number BIGINT      NOT NULL,
	tx_hash      TEXT        NOT NULL DEFAULT '',
	log_index    INTEGER     NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS ledger_events_address_idx ON ledger_events (address, block_number);
`

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

// Connect opens a pool against dsn.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse indexer DSN: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to indexer: %w", err)
	}
	return pool, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create indexer schema: %w", err)
	}
	return nil
}

func buildLogsQuery(filter ledger.LogFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	add("block_number >= $%d", int64(filter.FromBlock))
	if filter.ToBlock > 0 {
		add("block_number <= $%d", int64(filter.ToBlock))
	}
	if filter.Contract != "" {
		add("contract = $%d", strings.ToLower(filter.Contract))
	}
	if filter.Address != "" {
		add("address = $%d", string(ledger.NormalizeAddress(string(filter.Address))))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", types)
	}

	query := "SELECT event_type, contract, loan_id, address, score, block_number, tx_hash, log_index FROM " +
		TableEvents + " WHERE " + strings.Join(clauses, " AND ") +
		" ORDER BY block_number, log_index"
	return query, args
}

// Logs returns indexed events matching filter in chain order.
func (s *Store) Logs(ctx context.Context, filter ledger.LogFilter) ([]ledger.Event, error) {
	query, args := buildLogsQuery(filter)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, ledger.WrapError(ledger.KindConnectionUnavailable, "indexer logs", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var (
			ev       ledger.Event
			evType   string
			loanID   string
			address  string
			block    int64
			logIndex int32
		)
		if err := rows.Scan(&evType, &ev.Contract, &loanID, &address, &ev.Score, &block, &ev.TxHash, &logIndex); err != nil {
			return nil, fmt.Errorf("failed to scan indexed event: %w", err)
		}
		ev.Type = ledger.EventType(evType)
		ev.LoanID = ledger.LoanID(loanID)
		ev.Address = ledger.NormalizeAddress(address)
		ev.BlockNumber = uint64(block)
		ev.LogIndex = uint(logIndex)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.WrapError(ledger.KindConnectionUnavailable, "indexer logs", err)
	}
	return events, nil
}

const insertEvent = `INSERT INTO ledger_events(event_type,contract,loan_id,address,score,block_number,tx_hash,log_index)
VALUES($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (tx_hash,log_index) DO NOTHING`

// Index stores ev. Re-indexing the same log entry is a no-op.
func (s *Store) Index(ctx context.Context, ev ledger.Event) error {
	_, err := s.db.Exec(ctx, insertEvent,
		string(ev.Type),
		strings.ToLower(ev.Contract),
		string(ev.LoanID),
		string(ledger.NormalizeAddress(string(ev.Address))),
		ev.Score,
		int64(ev.BlockNumber),
		ev.TxHash,
		int32(ev.LogIndex),
	)
	if err != nil {
		return fmt.Errorf("failed to index %s event: %w", ev.Type, err)
	}
	return nil
}
