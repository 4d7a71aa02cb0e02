package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mmb-retail/fieldsync/internal/schema"
)

// Postgres implements Gateway against the hosted database.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// Open creates a connection pool for dsn. No connection is made until the
// first call, so Open succeeds while the device is offline.
//
// If logger is nil, a default logger writing to stderr is used.
func Open(ctx context.Context, dsn string, logger *log.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("remote dsn cannot be empty")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[gateway] ", log.LstdFlags)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = 4
	config.MinConns = 0
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

// Ping checks that the remote store answers.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// InsertAttendance implements Gateway.
func (p *Postgres) InsertAttendance(ctx context.Context, events []schema.AttendanceEvent) error {
	if len(events) == 0 {
		return nil
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, ev := range events {
			batch.Queue(`
				INSERT INTO attendance (client_event_id, employee_id, store_id, check_in, check_out)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (client_event_id) DO NOTHING`,
				eventID(ev.ClientEventID), ev.EmployeeID, ev.StoreID, ev.CheckInTime, ev.CheckOutTime)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("failed to insert %d attendance events: %w", len(events), classify(err))
	}

	p.logger.Printf("Inserted %d attendance events", len(events))
	return nil
}

// InsertSales implements Gateway.
func (p *Postgres) InsertSales(ctx context.Context, events []schema.SaleEvent) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	var inserted []string
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		inserted = inserted[:0]

		batch := &pgx.Batch{}
		for _, ev := range events {
			batch.Queue(`
				INSERT INTO sales_ledger
					(client_event_id, employee_id, store_id, stock_item_id, volume_sold_ml,
					 unit_price, total_price, bottle_type, sold_at, sale_date)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (client_event_id) DO NOTHING
				RETURNING client_event_id`,
				eventID(ev.ClientEventID), ev.EmployeeID, ev.StoreID, ev.StockItemID, ev.QuantitySoldML,
				ev.UnitPrice, ev.TotalPrice(), string(ev.BottleType), ev.Timestamp, ev.SaleDate())
		}

		results := tx.SendBatch(ctx, batch)
		for range events {
			var id string
			err := results.QueryRow().Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				continue // already written by an earlier attempt
			}
			if err != nil {
				_ = results.Close()
				return err
			}
			inserted = append(inserted, id)
		}
		return results.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert %d sales: %w", len(events), classify(err))
	}

	p.logger.Printf("Inserted %d of %d sales (%d already recorded)",
		len(inserted), len(events), len(events)-len(inserted))
	return inserted, nil
}

// DecrementStock implements Gateway by calling the decrement_stock procedure.
func (p *Postgres) DecrementStock(ctx context.Context, stockItemID string, quantityML int) error {
	if _, err := p.pool.Exec(ctx, `SELECT decrement_stock($1, $2)`, stockItemID, quantityML); err != nil {
		return fmt.Errorf("failed to decrement stock %s by %d: %w", stockItemID, quantityML, classify(err))
	}
	return nil
}

// LookupStore implements Gateway.
func (p *Postgres) LookupStore(ctx context.Context, employeeID string) (string, error) {
	var storeID *string
	err := p.pool.QueryRow(ctx, `SELECT store_id FROM employees WHERE id = $1`, employeeID).Scan(&storeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrUnknownEmployee, employeeID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up employee %s: %w", employeeID, classify(err))
	}
	if storeID == nil {
		return "", nil
	}
	return *storeID, nil
}

// ListStock implements Gateway.
func (p *Postgres) ListStock(ctx context.Context, storeID string) ([]StockItem, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, store_id, name, volume_ml, daily_average_ml
		FROM stock_items
		WHERE store_id = $1
		ORDER BY name`, storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock: %w", classify(err))
	}

	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (StockItem, error) {
		var item StockItem
		err := row.Scan(&item.ID, &item.StoreID, &item.Name, &item.VolumeML, &item.DailyAverageML)
		return item, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read stock: %w", classify(err))
	}
	return items, nil
}

// EnsureSchema creates the tables and the decrement procedure used by the
// gateway. Production databases are provisioned separately; this is for
// local development and integration tests.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS employees (
			id       TEXT PRIMARY KEY,
			name     TEXT NOT NULL DEFAULT '',
			store_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS stock_items (
			id               TEXT PRIMARY KEY,
			store_id         TEXT NOT NULL,
			name             TEXT NOT NULL,
			volume_ml        INTEGER NOT NULL DEFAULT 0,
			daily_average_ml DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS attendance (
			id              BIGSERIAL PRIMARY KEY,
			client_event_id TEXT NOT NULL UNIQUE,
			employee_id     TEXT NOT NULL,
			store_id        TEXT NOT NULL,
			check_in        TIMESTAMPTZ,
			check_out       TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sales_ledger (
			id              BIGSERIAL PRIMARY KEY,
			client_event_id TEXT NOT NULL UNIQUE,
			employee_id     TEXT NOT NULL,
			store_id        TEXT NOT NULL,
			stock_item_id   TEXT NOT NULL,
			volume_sold_ml  INTEGER NOT NULL CHECK (volume_sold_ml > 0),
			unit_price      DOUBLE PRECISION NOT NULL,
			total_price     DOUBLE PRECISION NOT NULL,
			bottle_type     TEXT NOT NULL,
			sold_at         TIMESTAMPTZ NOT NULL,
			sale_date       DATE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sales_ledger_store_date ON sales_ledger(store_id, sale_date)`,
		`CREATE OR REPLACE FUNCTION decrement_stock(stock_item_id TEXT, quantity_ml INTEGER)
		RETURNS VOID AS $$
		BEGIN
			UPDATE stock_items SET volume_ml = volume_ml - quantity_ml WHERE id = stock_item_id;
			IF NOT FOUND THEN
				RAISE EXCEPTION 'unknown stock item %', stock_item_id;
			END IF;
		END;
		$$ LANGUAGE plpgsql`,
	}

	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func eventID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// classify tags errors the remote store raised for the data itself.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && rejectedSQLState(pgErr.Code) {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return err
}

// rejectedSQLState reports whether a SQLSTATE describes bad data or missing
// privileges rather than a server or network problem.
func rejectedSQLState(code string) bool {
	switch {
	case code == "P0001": // raise_exception
		return true
	case strings.HasPrefix(code, "22"), // data exception
		strings.HasPrefix(code, "23"), // integrity constraint violation
		strings.HasPrefix(code, "28"), // invalid authorization
		strings.HasPrefix(code, "42"), // syntax error or access rule violation
		strings.HasPrefix(code, "44"): // with check option violation
		return true
	}
	return false
}
