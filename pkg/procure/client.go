package procure

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// QueryObserver receives the latency of every statement issued against the
// external store. Injected so profiling state lives with the metrics
// registry, not in package-level counters.
type QueryObserver interface {
	ObserveStoreQuery(d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveStoreQuery(time.Duration) {}

// Conn is the slice of *pgx.Conn the client needs. One Conn serves both
// phases of a fetch and is closed unconditionally afterwards.
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// Client reads the procurement database. No pooling: every call pays the
// full connect cost, acceptable at this system's throughput. The statement
// timeout is set as a session runtime parameter on each connection.
type Client struct {
	DSN              string
	StatementTimeout time.Duration
	Observer         QueryObserver

	// Connect seam for tests.
	Connect func(ctx context.Context) (Conn, error)
}

func NewClient(dsn string, statementTimeout time.Duration, observer QueryObserver) *Client {
	if statementTimeout <= 0 {
		statementTimeout = 15 * time.Second
	}
	if observer == nil {
		observer = noopObserver{}
	}
	c := &Client{DSN: dsn, StatementTimeout: statementTimeout, Observer: observer}
	c.Connect = c.dial
	return c
}

func (c *Client) dial(ctx context.Context) (Conn, error) {
	cfg, err := pgx.ParseConfig(c.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	return pgx.ConnectConfig(ctx, cfg)
}

const recordColumns = `id, created, purchase_object, start_cost, customer, email, contact_number, post_address, COALESCE(category, '')`

// FetchPage runs the two-phase count/page protocol. An empty non-nil
// allow-list short-circuits to an empty page without touching the store.
// Ordering is by identifier descending: stable across the two phases even
// under concurrent inserts with equal timestamps.
func (c *Client) FetchPage(ctx context.Context, f Filter, limit, offset int) (Page, error) {
	if f.IDs != nil && len(f.IDs) == 0 {
		return Page{}, nil
	}
	conn, err := c.Connect(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	defer conn.Close(ctx)

	countWhere, countArgs := BuildCountWhere(f)
	var total int
	start := time.Now()
	err = conn.QueryRow(ctx, "SELECT COUNT(*) FROM zakupki "+countWhere, countArgs...).Scan(&total)
	c.Observer.ObserveStoreQuery(time.Since(start))
	if err != nil {
		return Page{}, fmt.Errorf("count phase: %w", err)
	}

	where, args := BuildWhere(f)
	args = append(args, offset, limit)
	query := fmt.Sprintf("SELECT %s FROM zakupki %s ORDER BY id DESC OFFSET $%d LIMIT $%d",
		recordColumns, where, len(args)-1, len(args))
	start = time.Now()
	rows, err := conn.Query(ctx, query, args...)
	c.Observer.ObserveStoreQuery(time.Since(start))
	if err != nil {
		return Page{}, fmt.Errorf("fetch phase: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return Page{}, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("fetch phase: %w", err)
	}
	return Page{Rows: out, Total: total}, nil
}

// Get fetches a single record by identifier.
func (c *Client) Get(ctx context.Context, id int64) (Record, error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	defer conn.Close(ctx)

	start := time.Now()
	row := conn.QueryRow(ctx, "SELECT "+recordColumns+" FROM zakupki WHERE id = $1", id)
	rec, err := scanRecord(row)
	c.Observer.ObserveStoreQuery(time.Since(start))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// Items fetches the child line-items of one record, ordered by their own
// identifier ascending.
func (c *Client) Items(ctx context.Context, recordID int64) ([]Item, error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	defer conn.Close(ctx)

	start := time.Now()
	rows, err := conn.Query(ctx,
		"SELECT id, name, COALESCE(quantity, ''), price FROM specs WHERE zakupki_id = $1 ORDER BY id ASC", recordID)
	c.Observer.ObserveStoreQuery(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("fetch items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var price any
		if err := rows.Scan(&it.ID, &it.Name, &it.Quantity, &price); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Price = costString(price)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch items: %w", err)
	}
	return items, nil
}

// RecentIDs returns the n most recent record identifiers, independent of
// any filter. This is the anonymous restriction set, recomputed on every
// request.
func (c *Client) RecentIDs(ctx context.Context, n int) ([]int64, error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	defer conn.Close(ctx)

	start := time.Now()
	rows, err := conn.Query(ctx, "SELECT id FROM zakupki ORDER BY id DESC LIMIT $1", n)
	c.Observer.ObserveStoreQuery(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("recent ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, n)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent ids: %w", err)
	}
	return ids, nil
}

// ExecRaw executes an arbitrary statement for the admin console. Errors are
// reported verbatim to the caller; this surface is a diagnostic tool and is
// never silently degraded.
func (c *Client) ExecRaw(ctx context.Context, stmt string) (RawResult, error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return RawResult{}, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	defer conn.Close(ctx)

	start := time.Now()
	rows, err := conn.Query(ctx, stmt)
	if err != nil {
		c.Observer.ObserveStoreQuery(time.Since(start))
		return RawResult{Elapsed: time.Since(start), ElapsedMS: time.Since(start).Milliseconds()}, err
	}
	defer rows.Close()

	var res RawResult
	for _, fd := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, string(fd.Name))
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return res, err
		}
		row := make([]any, len(vals))
		for i, v := range vals {
			row[i] = presentable(v)
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		res.Elapsed = time.Since(start)
		res.ElapsedMS = res.Elapsed.Milliseconds()
		return res, err
	}
	rows.Close()
	if len(res.Columns) > 0 {
		res.RowCount = int64(len(res.Rows))
	} else {
		res.RowCount = rows.CommandTag().RowsAffected()
	}
	res.Elapsed = time.Since(start)
	res.ElapsedMS = res.Elapsed.Milliseconds()
	c.Observer.ObserveStoreQuery(res.Elapsed)
	return res, nil
}

// scanRecord accepts the monetary column as either text or numeric; the
// external schema has stored it both ways across revisions.
func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var cost any
	if err := row.Scan(&rec.ID, &rec.DateRequest, &rec.PurchaseObject, &cost,
		&rec.Customer, &rec.Email, &rec.Phone, &rec.Address, &rec.Category); err != nil {
		return Record{}, err
	}
	rec.StartCost = costString(cost)
	return rec, nil
}

func costString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case pgtype.Numeric:
		if val, err := x.Value(); err == nil {
			if s, ok := val.(string); ok {
				return s
			}
		}
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func presentable(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case []byte:
		return string(x)
	case pgtype.Numeric:
		return costString(x)
	default:
		return v
	}
}
