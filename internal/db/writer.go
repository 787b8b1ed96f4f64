package db

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/anstrom/hostsweep/internal/errors"
	"github.com/anstrom/hostsweep/internal/metrics"
	"github.com/anstrom/hostsweep/internal/whois"
)

const opSaveHost = "save_host"

const (
	insertFileSourceQuery = `INSERT INTO file_sources (id, label) VALUES (?, ?) ON CONFLICT (label) DO NOTHING`
	selectFileSourceQuery = `SELECT id FROM file_sources WHERE label = ?`
	insertCountryQuery    = `INSERT INTO countries (id, code) VALUES (?, ?) ON CONFLICT (code) DO NOTHING`
	selectCountryQuery    = `SELECT id FROM countries WHERE code = ?`
	upsertHostQuery       = `
		INSERT INTO hosts (id, ip, reachable, file_source_id, country_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ip) DO UPDATE SET
			reachable = excluded.reachable,
			file_source_id = COALESCE(excluded.file_source_id, hosts.file_source_id),
			country_id = COALESCE(excluded.country_id, hosts.country_id),
			updated_at = CURRENT_TIMESTAMP
		RETURNING id`
	deletePortsQuery = `DELETE FROM host_ports WHERE host_id = ?`
	deleteWhoisQuery = `DELETE FROM host_whois WHERE host_id = ?`
)

// HostWriter persists one host's facts atomically.
type HostWriter struct {
	db      *DB
	metrics *metrics.PrometheusMetrics
}

// NewHostWriter creates a writer. m may be nil.
func NewHostWriter(db *DB, m *metrics.PrometheusMetrics) *HostWriter {
	return &HostWriter{db: db, metrics: m}
}

// SaveHost upserts the host row and fully replaces its port and WHOIS rows in
// a single transaction. Any failure rolls the whole write back.
func (w *HostWriter) SaveHost(ctx context.Context, facts HostFacts) (err error) {
	if strings.TrimSpace(facts.IP) == "" {
		return errors.NewDatabaseError(errors.CodeValidation, "host ip is required").WithOperation(opSaveHost)
	}

	start := time.Now()
	defer func() {
		w.metrics.RecordTransaction(opSaveHost, time.Since(start), err == nil)
		if err != nil {
			w.metrics.IncrementDatabaseErrors(opSaveHost, string(errors.GetCode(err)))
		}
	}()

	tx, err := w.db.BeginTx(ctx)
	if err != nil {
		return sanitizeDBError("begin "+opSaveHost, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var sourceID, countryID *uuid.UUID
	if label := strings.TrimSpace(facts.SourceLabel); label != "" {
		if sourceID, err = findOrCreate(ctx, tx, insertFileSourceQuery, selectFileSourceQuery, label); err != nil {
			return sanitizeDBError("resolve file source", err)
		}
	}
	if code := CountryCode(facts.Whois); code != "" {
		if countryID, err = findOrCreate(ctx, tx, insertCountryQuery, selectCountryQuery, code); err != nil {
			return sanitizeDBError("resolve country", err)
		}
	}

	var hostID uuid.UUID
	err = tx.QueryRowxContext(ctx, tx.Rebind(upsertHostQuery),
		uuid.New(), facts.IP, facts.Reachable, sourceID, countryID).Scan(&hostID)
	if err != nil {
		return sanitizeDBError("upsert host", err)
	}

	if err = replacePorts(ctx, tx, hostID, facts.OpenPorts, facts.Filtered); err != nil {
		return sanitizeDBError("replace host ports", err)
	}
	if err = replaceWhois(ctx, tx, hostID, facts.Whois); err != nil {
		return sanitizeDBError("replace host whois", err)
	}

	if err = tx.Commit(); err != nil {
		return sanitizeDBError("commit "+opSaveHost, err)
	}
	return nil
}

// findOrCreate inserts value if missing and returns its row id.
func findOrCreate(ctx context.Context, tx *sqlx.Tx, insertQuery, selectQuery, value string) (*uuid.UUID, error) {
	if _, err := tx.ExecContext(ctx, tx.Rebind(insertQuery), uuid.New(), value); err != nil {
		return nil, err
	}
	var id uuid.UUID
	if err := tx.QueryRowxContext(ctx, tx.Rebind(selectQuery), value).Scan(&id); err != nil {
		return nil, err
	}
	return &id, nil
}

// CountryCode extracts an upper-cased two-letter country code from WHOIS
// fields, or "" when absent or malformed.
func CountryCode(fields map[string]string) string {
	code := strings.ToUpper(strings.TrimSpace(fields["country"]))
	if len(code) != 2 || code[0] < 'A' || code[0] > 'Z' || code[1] < 'A' || code[1] > 'Z' {
		return ""
	}
	return code
}

// PortRows merges open and filtered ports into rows. Port 0 is dropped,
// duplicates collapse, and a port in both sets is stored once as open.
func PortRows(open, filtered []uint16) []HostPort {
	states := make(map[uint16]string, len(open)+len(filtered))
	for _, p := range filtered {
		if p > 0 {
			states[p] = PortStateFiltered
		}
	}
	for _, p := range open {
		if p > 0 {
			states[p] = PortStateOpen
		}
	}

	rows := make([]HostPort, 0, len(states))
	for p, s := range states {
		rows = append(rows, HostPort{Port: int(p), State: s})
	}
	slices.SortFunc(rows, func(a, b HostPort) int { return a.Port - b.Port })
	return rows
}

func replacePorts(ctx context.Context, tx *sqlx.Tx, hostID uuid.UUID, open, filtered []uint16) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(deletePortsQuery), hostID); err != nil {
		return err
	}
	rows := PortRows(open, filtered)
	if len(rows) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*3)
	for _, r := range rows {
		placeholders = append(placeholders, "(?, ?, ?)")
		args = append(args, hostID, r.Port, r.State)
	}
	query := fmt.Sprintf("INSERT INTO host_ports (host_id, port, state) VALUES %s", strings.Join(placeholders, ", "))
	_, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	return err
}

func replaceWhois(ctx context.Context, tx *sqlx.Tx, hostID uuid.UUID, fields map[string]string) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(deleteWhoisQuery), hostID); err != nil {
		return err
	}
	filtered := whois.Filter(fields)
	if len(filtered) == 0 {
		return nil
	}

	keys := make([]string, 0, len(filtered))
	for k := range filtered {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	placeholders := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys)*3)
	for _, k := range keys {
		placeholders = append(placeholders, "(?, ?, ?)")
		args = append(args, hostID, k, filtered[k])
	}
	query := fmt.Sprintf("INSERT INTO host_whois (host_id, field, value) VALUES %s", strings.Join(placeholders, ", "))
	_, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	return err
}

// HostRepository reads persisted hosts.
type HostRepository struct {
	db *DB
}

// NewHostRepository creates a new host repository.
func NewHostRepository(db *DB) *HostRepository {
	return &HostRepository{db: db}
}

type hostRow struct {
	Host
	SourceLabel sql.NullString `db:"source_label"`
	CountryCode sql.NullString `db:"country_code"`
}

// GetByIP loads a host with its ports and WHOIS rows.
func (r *HostRepository) GetByIP(ctx context.Context, ip string) (*HostDetail, error) {
	var row hostRow
	query := r.db.Rebind(`
		SELECT h.id, h.ip, h.reachable, h.file_source_id, h.country_id, h.created_at, h.updated_at,
		       fs.label AS source_label, c.code AS country_code
		FROM hosts h
		LEFT JOIN file_sources fs ON fs.id = h.file_source_id
		LEFT JOIN countries c ON c.id = h.country_id
		WHERE h.ip = ?`)
	if err := r.db.GetContext(ctx, &row, query, ip); err != nil {
		return nil, sanitizeDBError("get host", err)
	}

	detail := &HostDetail{
		Host:        row.Host,
		SourceLabel: row.SourceLabel.String,
		CountryCode: row.CountryCode.String,
		Whois:       map[string]string{},
	}

	portsQuery := r.db.Rebind(`SELECT host_id, port, state FROM host_ports WHERE host_id = ? ORDER BY port`)
	if err := r.db.SelectContext(ctx, &detail.Ports, portsQuery, row.ID); err != nil {
		return nil, sanitizeDBError("get host ports", err)
	}

	var whoisRows []HostWhois
	whoisQuery := r.db.Rebind(`SELECT host_id, field, value FROM host_whois WHERE host_id = ?`)
	if err := r.db.SelectContext(ctx, &whoisRows, whoisQuery, row.ID); err != nil {
		return nil, sanitizeDBError("get host whois", err)
	}
	for _, wr := range whoisRows {
		detail.Whois[wr.Key] = wr.Value
	}
	return detail, nil
}

// Count returns the number of persisted hosts.
func (r *HostRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM hosts`); err != nil {
		return 0, sanitizeDBError("count hosts", err)
	}
	return n, nil
}
