package db

import (
	"context"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/hostsweep/internal/errors"
	"github.com/anstrom/hostsweep/internal/metrics"
)

func newMockWriter(t *testing.T) (*HostWriter, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewHostWriter(Wrap(sqlx.NewDb(mockDB, "postgres")), metrics.NewPrometheusMetrics()), mock
}

func TestPortRows(t *testing.T) {
	rows := PortRows([]uint16{443, 22, 22, 0}, []uint16{8080, 443, 25})

	assert.Equal(t, []HostPort{
		{Port: 22, State: PortStateOpen},
		{Port: 25, State: PortStateFiltered},
		{Port: 443, State: PortStateOpen},
		{Port: 8080, State: PortStateFiltered},
	}, rows)

	assert.Empty(t, PortRows(nil, nil))
}

func TestCountryCode(t *testing.T) {
	tests := []struct {
		in   map[string]string
		want string
	}{
		{map[string]string{"country": "us"}, "US"},
		{map[string]string{"country": " nl "}, "NL"},
		{map[string]string{"country": "USA"}, ""},
		{map[string]string{"country": "1A"}, ""},
		{map[string]string{"netname": "X"}, ""},
		{nil, ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v", tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, CountryCode(tt.in))
		})
	}
}

func TestHostWriter_SaveHostTransaction(t *testing.T) {
	writer, mock := newMockWriter(t)
	sourceID := uuid.New()
	countryID := uuid.New()
	hostID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO file_sources (id, label) VALUES ($1, $2) ON CONFLICT (label) DO NOTHING`)).
		WithArgs(sqlmock.AnyArg(), "upload.csv").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM file_sources WHERE label = $1`)).
		WithArgs("upload.csv").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(sourceID.String()))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO countries (id, code) VALUES ($1, $2) ON CONFLICT (code) DO NOTHING`)).
		WithArgs(sqlmock.AnyArg(), "US").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM countries WHERE code = $1`)).
		WithArgs("US").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(countryID.String()))
	mock.ExpectQuery(`INSERT INTO hosts .* ON CONFLICT \(ip\) DO UPDATE SET .* RETURNING id`).
		WithArgs(sqlmock.AnyArg(), "8.8.8.8", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(hostID.String()))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM host_ports WHERE host_id = $1`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO host_ports (host_id, port, state) VALUES ($1, $2, $3), ($4, $5, $6)`)).
		WithArgs(sqlmock.AnyArg(), 53, "open", sqlmock.AnyArg(), 443, "filtered").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM host_whois WHERE host_id = $1`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO host_whois (host_id, field, value) VALUES ($1, $2, $3), ($4, $5, $6)`)).
		WithArgs(sqlmock.AnyArg(), "country", "us", sqlmock.AnyArg(), "netname", "GOGL").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := writer.SaveHost(context.Background(), HostFacts{
		IP:          "8.8.8.8",
		Reachable:   true,
		OpenPorts:   []uint16{53},
		Filtered:    []uint16{443},
		Whois:       map[string]string{"country": "us", "netname": "GOGL", "admin-c": "drop me"},
		SourceLabel: "upload.csv",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHostWriter_UnreachableSkipsLinks(t *testing.T) {
	writer, mock := newMockWriter(t)
	hostID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO hosts`).
		WithArgs(sqlmock.AnyArg(), "1.2.3.4", false, nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(hostID.String()))
	mock.ExpectExec(`DELETE FROM host_ports`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM host_whois`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, writer.SaveHost(context.Background(), HostFacts{IP: "1.2.3.4"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHostWriter_RollsBackOnFailure(t *testing.T) {
	writer, mock := newMockWriter(t)
	hostID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO hosts`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(hostID.String()))
	mock.ExpectExec(`DELETE FROM host_ports`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO host_ports`).WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	err := writer.SaveHost(context.Background(), HostFacts{IP: "1.2.3.4", Reachable: true, OpenPorts: []uint16{22}})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDatabaseQuery))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHostWriter_BeginFailure(t *testing.T) {
	writer, mock := newMockWriter(t)
	mock.ExpectBegin().WillReturnError(fmt.Errorf("connection refused"))

	err := writer.SaveHost(context.Background(), HostFacts{IP: "1.2.3.4"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHostWriter_RequiresIP(t *testing.T) {
	writer, mock := newMockWriter(t)
	err := writer.SaveHost(context.Background(), HostFacts{IP: "  "})
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHostWriter_SQLiteRescanReplacesRows(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	writer := NewHostWriter(db, nil)
	repo := NewHostRepository(db)

	require.NoError(t, writer.SaveHost(ctx, HostFacts{
		IP:          "8.8.8.8",
		Reachable:   true,
		OpenPorts:   []uint16{22},
		Whois:       map[string]string{"country": "us", "netname": "FIRST", "descr": "first scan"},
		SourceLabel: "a.csv",
	}))

	first, err := repo.GetByIP(ctx, "8.8.8.8")
	require.NoError(t, err)
	assert.True(t, first.Reachable)
	assert.Equal(t, []int{22}, first.OpenPorts())
	assert.Equal(t, "US", first.CountryCode)
	assert.Equal(t, "a.csv", first.SourceLabel)

	require.NoError(t, writer.SaveHost(ctx, HostFacts{
		IP:        "8.8.8.8",
		Reachable: true,
		OpenPorts: []uint16{80},
		Filtered:  []uint16{80, 443},
		Whois:     map[string]string{"netname": "SECOND"},
	}))

	second, err := repo.GetByIP(ctx, "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "host row is updated, not appended")
	assert.Equal(t, []int{80}, second.OpenPorts())
	assert.Equal(t, []int{443}, second.FilteredPorts())
	assert.Equal(t, map[string]string{"netname": "SECOND"}, second.Whois)
	assert.Equal(t, "a.csv", second.SourceLabel, "absent label keeps the previous link")
	assert.Equal(t, "US", second.CountryCode, "absent country keeps the previous link")

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestHostWriter_SQLiteSharedLookups(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	writer := NewHostWriter(db, nil)

	for _, ip := range []string{"1.1.1.1", "9.9.9.9"} {
		require.NoError(t, writer.SaveHost(ctx, HostFacts{
			IP:          ip,
			Reachable:   true,
			Whois:       map[string]string{"country": "AU"},
			SourceLabel: "shared.txt",
		}))
	}

	var sources, countries int
	require.NoError(t, db.GetContext(ctx, &sources, `SELECT COUNT(*) FROM file_sources`))
	require.NoError(t, db.GetContext(ctx, &countries, `SELECT COUNT(*) FROM countries`))
	assert.Equal(t, 1, sources)
	assert.Equal(t, 1, countries)
}

func TestHostRepository_NotFound(t *testing.T) {
	repo := NewHostRepository(newSQLiteDB(t))
	_, err := repo.GetByIP(context.Background(), "203.0.113.99")
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}
