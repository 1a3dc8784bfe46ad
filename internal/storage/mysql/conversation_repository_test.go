package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	xerrors "OpenMCP-Solana/internal/errors"
)

func TestFileConversationRepositoryPersists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewFileConversationRepository(dir)
	if err != nil {
		t.Fatalf("failed to create file repo: %v", err)
	}

	ctx := context.Background()
	first := &ConversationRecord{Goal: "create Demo", Tool: "create-token", Reply: "done", Succeeded: true, CreatedAt: 10}
	second := &ConversationRecord{Goal: "balance", Tool: "token-balance", Reply: "0", Succeeded: true, CreatedAt: 20}
	for _, rec := range []*ConversationRecord{first, second} {
		if err := repo.Save(ctx, rec); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("unexpected ids: %d %d", first.ID, second.ID)
	}

	reopened, err := NewFileConversationRepository(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	list, err := reopened.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(list) != 2 || list[0].Goal != "balance" {
		t.Fatalf("records not sorted by created_at desc: %+v", list)
	}

	third := &ConversationRecord{Goal: "info", CreatedAt: 30}
	if err := reopened.Save(ctx, third); err != nil {
		t.Fatalf("save after reopen failed: %v", err)
	}
	if third.ID != 3 {
		t.Fatalf("expected id 3 after reopen, got %d", third.ID)
	}

	limited, err := reopened.ListLatest(ctx, 1)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != 3 {
		t.Fatalf("unexpected limited list: %+v", limited)
	}
}

func TestFileConversationRepositoryRequiresDir(t *testing.T) {
	t.Parallel()

	if _, err := NewFileConversationRepository(""); err == nil {
		t.Fatalf("expected error for empty data dir")
	}
}

func TestSQLConversationRepositorySave(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(insertConversationSQL, mockResult{lastInsertID: 42, rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := NewSQLConversationRepository(db)
	record := &ConversationRecord{Goal: "goal", Tool: "token-info", Reply: "reply", CreatedAt: 1}
	if err := repo.Save(context.Background(), record); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if record.ID != 42 {
		t.Fatalf("expected id 42, got %d", record.ID)
	}
}

func TestSQLConversationRepositoryListLatest(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"id", "task_id", "goal", "tool", "output", "thought", "reply", "observations", "succeeded", "created_at"},
		values: [][]driver.Value{
			{int64(2), "t-2", "g2", "token-balance", `{"balance":"0"}`, "th2", "r2", "o2", int64(1), int64(20)},
			{int64(1), "", "g1", "", nil, nil, "r1", nil, int64(0), int64(10)},
		},
	}

	db, driver := newMockDB(t, []mockOperation{
		queryOp(listConversationsSQL, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := NewSQLConversationRepository(db)
	list, err := repo.ListLatest(context.Background(), 2)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != 2 || !list[0].Succeeded {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list[1].Output != "" || list[1].Succeeded {
		t.Fatalf("null columns should scan as zero values: %+v", list[1])
	}
}

func TestSQLConversationRepositoryPropagatesErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	db, driver := newMockDB(t, []mockOperation{
		{typ: opExec, query: insertConversationSQL, err: boom},
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err := NewSQLConversationRepository(db).Save(context.Background(), &ConversationRecord{Goal: "g"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
}

func TestMigrateAppliesPendingFiles(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations failed: %v", err)
	}
	if len(files) < 3 {
		t.Fatalf("expected embedded migrations, got %d", len(files))
	}

	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectAppliedMigrationsSQL, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  [][]driver.Value{{files[0].version, files[0].checksum}},
		}),
	}
	for _, file := range files[1:] {
		ops = append(ops, beginOp())
		for _, stmt := range file.statements {
			ops = append(ops, execOp(stmt, mockResult{}))
		}
		ops = append(ops,
			execOp(insertMigrationSQL, mockResult{rowsAffected: 1}),
			commitOp(),
		)
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
}

func TestMigrateRollsBackFailedStatement(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations failed: %v", err)
	}
	applied := make([][]driver.Value, 0, len(files)-1)
	for _, file := range files[:len(files)-1] {
		applied = append(applied, []driver.Value{file.version, file.checksum})
	}
	last := files[len(files)-1]

	db, driver := newMockDB(t, []mockOperation{
		execOp("", mockResult{}),
		queryOp(selectAppliedMigrationsSQL, mockRowsData{columns: []string{"version", "checksum"}, values: applied}),
		beginOp(),
		{typ: opExec, query: last.statements[0], err: errors.New("syntax error")},
		rollbackOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err = Migrate(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), last.name) {
		t.Fatalf("expected error naming %s, got %v", last.name, err)
	}
}

func TestMigrateDetectsEditedMigration(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations failed: %v", err)
	}
	db, driver := newMockDB(t, []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectAppliedMigrationsSQL, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  [][]driver.Value{{files[0].version, strings.Repeat("0", 64)}},
		}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err = Migrate(context.Background(), db)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure || !strings.Contains(err.Error(), files[0].name) {
		t.Fatalf("expected checksum drift error, got %v", err)
	}
}

func TestLoadMigrationFilesOrdersByNumber(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations failed: %v", err)
	}
	for i := 1; i < len(files); i++ {
		if files[i-1].order >= files[i].order {
			t.Fatalf("migrations out of order: %s before %s", files[i-1].name, files[i].name)
		}
		if len(files[i].checksum) != 64 {
			t.Fatalf("unexpected checksum %q", files[i].checksum)
		}
	}
}

func TestSplitSQLStatementsAndVersion(t *testing.T) {
	t.Parallel()

	stmts := splitSQLStatements("-- issuances; ledger\nCREATE TABLE a (id INT);\n\n CREATE TABLE b (id INT);  ")
	if len(stmts) != 2 || stmts[0] != "CREATE TABLE a (id INT)" || stmts[1] != "CREATE TABLE b (id INT)" {
		t.Fatalf("unexpected statements: %#v", stmts)
	}
	if v := parseMigrationVersion("0003_create_issuances.sql"); v != "0003" {
		t.Fatalf("unexpected version %q", v)
	}
	if v := parseMigrationVersion("0004.sql"); v != "0004" {
		t.Fatalf("unexpected version %q", v)
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
