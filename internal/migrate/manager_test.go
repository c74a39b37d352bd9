package migrate

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockRunner(t *testing.T, fsys fstest.MapFS, opts ...Option) (*Runner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRunner(db, fsys, opts...), mock
}

func expectEnsureTables(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`create table if not exists schema_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`create table if not exists schema_seeds`).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestRunnerUpSkipsApplied(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_init.up.sql":    {Data: []byte("create table a (id int);")},
		"0001_init.down.sql":  {Data: []byte("drop table a;")},
		"0002_extra.up.sql":   {Data: []byte("create table b (id int);")},
		"0002_extra.down.sql": {Data: []byte("drop table b;")},
	}
	runner, mock := newMockRunner(t, fsys)

	expectEnsureTables(mock)
	mock.ExpectQuery(`select name from schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))

	mock.ExpectBegin()
	mock.ExpectExec(`create table b`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec(`insert into schema_migrations`).
		WithArgs("0002_extra.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := runner.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRunnerDownRollsBackLatest(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_init.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_init.down.sql": {Data: []byte("drop table a;")},
	}
	runner, mock := newMockRunner(t, fsys)

	expectEnsureTables(mock)
	mock.ExpectQuery(`select name from schema_migrations order by applied_at`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))

	mock.ExpectBegin()
	mock.ExpectExec(`drop table a`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec(`delete from schema_migrations where name`).
		WithArgs("0001_init.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := runner.Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRunnerDownMissingCounterpart(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_init.up.sql": {Data: []byte("create table a (id int);")},
	}
	runner, mock := newMockRunner(t, fsys)

	expectEnsureTables(mock)
	mock.ExpectQuery(`select name from schema_migrations order by applied_at`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))

	if err := runner.Down(context.Background()); err == nil {
		t.Fatal("expected error for missing down migration")
	}
}

func TestRunnerSeedWithoutSource(t *testing.T) {
	runner, mock := newMockRunner(t, fstest.MapFS{})
	if err := runner.Seed(context.Background()); err != nil {
		t.Fatalf("Seed without source: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRunnerSeedAppliesOnce(t *testing.T) {
	seeds := fstest.MapFS{
		"demo.sql": {Data: []byte("insert into demo values (1);")},
	}
	runner, mock := newMockRunner(t, fstest.MapFS{}, WithSeeds(seeds))

	expectEnsureTables(mock)
	mock.ExpectQuery(`select name from schema_seeds`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("demo.sql"))

	if err := runner.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSplitStatements(t *testing.T) {
	script := `
-- comment with a ; semicolon
create table a (id int);
insert into a values ('x;y');
create function f() returns void as $$
begin
  perform 1;
end;
$$ language plpgsql;
`
	stmts := splitStatements(script)
	if len(stmts) != 3 {
		t.Fatalf("got %d statements, want 3: %#v", len(stmts), stmts)
	}
	if got := stmts[1]; !strings.Contains(got, "'x;y'") {
		t.Fatalf("quoted semicolon split: %q", got)
	}
	if got := stmts[2]; !strings.Contains(got, "perform 1;") || !strings.Contains(got, "language plpgsql") {
		t.Fatalf("dollar-quoted body split: %q", got)
	}
}
