package migrate

import (
	"context"
	"io/fs"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func expectEnsure(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func statementCount(t *testing.T, fsys fs.FS, name string) int {
	t.Helper()
	raw, err := fs.ReadFile(fsys, name)
	require.NoError(t, err)
	n := 0
	for _, s := range splitStatements(string(raw)) {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	return n
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"0002_b.up.sql":   {Data: []byte("create table b (id int);\ninsert into b values (1);")},
		"0003_c.up.sql":   {Data: []byte("insert into c values ('x;y');")},
		"README.md":       {Data: []byte("ignored")},
	}

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))

	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into b").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("insert into c values ('x;y');")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0003_c.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	applied, err := NewManager(db, fsys, nil).Up(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"0002_b.up.sql", "0003_c.up.sql"}, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{"0001_a.up.sql": {Data: []byte("create table a (id int);")}}
	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnError(errBoom)
	mock.ExpectRollback()

	_, err = NewManager(db, fsys, nil).Up(context.Background())
	require.ErrorContains(t, err, "apply migration 0001_a.up.sql")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRevertsLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("0003_jobs.up.sql").
			AddRow("0004_audit_entries.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table if exists audit_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations").
		WithArgs("0004_audit_entries.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	name, err := NewManager(db, Migrations(), Seeds()).Down(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0004_audit_entries.up.sql", name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownWithNothingApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	_, err = NewManager(db, Migrations(), nil).Down(context.Background())
	require.ErrorContains(t, err, "no migrations applied")
}

func TestSeedSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	seeds := Seeds()
	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_seeds").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	for i := 0; i < statementCount(t, seeds, "0001_demo_organizations.sql"); i++ {
		mock.ExpectExec("insert into organizations").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_seeds").
		WithArgs("0001_demo_organizations.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, NewManager(db, Migrations(), seeds).Seed(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := collectSQL(Migrations(), ".up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := fs.Stat(Migrations(), down)
		require.NoError(t, err, "missing %s", down)
		require.Positive(t, statementCount(t, Migrations(), up))
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("select 1; insert into t values ('a;b');\n  \n")
	require.Len(t, got, 2)
	require.Equal(t, "select 1;", got[0])
	require.Equal(t, " insert into t values ('a;b');", got[1])
}
