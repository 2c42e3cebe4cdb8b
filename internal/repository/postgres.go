// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/flashmart/flashsale-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке зарегистрировать пользователя с уже занятым email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrSaleNotFound возвращается, если распродажа не найдена.
	ErrSaleNotFound = errors.New("sale not found")
	// ErrSaleNotEditable возвращается при попытке изменить или удалить распродажу в недопустимом статусе.
	ErrSaleNotEditable = errors.New("sale is not editable in current status")
	// ErrInsufficientStock возвращается, когда остатка товара не хватает для покупки.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPurchaseLimitExceeded возвращается, когда покупка превысила бы лимит товара на пользователя.
	ErrPurchaseLimitExceeded = errors.New("purchase limit per user exceeded")
)

// querier объединяет pgxpool.Pool и pgx.Tx для запросов, выполняемых как в транзакции, так и вне её.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при сериализационных сбоях и дедлоках: такие транзакции
// сервер гарантированно откатывает, поэтому повтор безопасен. Обрывы соединения
// не повторяются: разрыв во время Commit не позволяет узнать, зафиксировалась ли
// транзакция, и повтор мог бы записать покупку дважды.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if isRetryableTxError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// isRetryableTxError сообщает, можно ли безопасно повторить транзакцию после ошибки.
func isRetryableTxError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return false
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, name, email string, passwordHash []byte, isAdmin bool) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (name, email, password_hash, is_admin) VALUES ($1, $2, $3, $4) RETURNING id`,
		name, email, passwordHash, isAdmin,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, email)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, email, password_hash, is_admin, created_at FROM users WHERE email = $1`,
		email,
	)
	return scanUser(row)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, email, password_hash, is_admin, created_at FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// evaluateSaleStatus пересчитывает статус распродажи по текущему времени и остатку
// и сохраняет переход. Вызывается каждым путём чтения перед отдачей статуса наружу:
// фонового планировщика переходов в сервисе нет.
func evaluateSaleStatus(ctx context.Context, q querier, saleID int64) error {
	_, err := q.Exec(ctx,
		`UPDATE sales
		 SET status = $2, version = version + 1
		 WHERE id = $1 AND status = $3 AND start_time <= now() AND remaining_stock > 0`,
		saleID, string(model.SaleStatusActive), string(model.SaleStatusScheduled),
	)
	if err != nil {
		return fmt.Errorf("activate sale: %w", err)
	}

	_, err = q.Exec(ctx,
		`UPDATE sales
		 SET status = $2, version = version + 1
		 WHERE id = $1 AND remaining_stock <= 0
		   AND (status = $3 OR (status = $4 AND start_time <= now()))`,
		saleID, string(model.SaleStatusCompleted), string(model.SaleStatusActive), string(model.SaleStatusScheduled),
	)
	if err != nil {
		return fmt.Errorf("complete sale: %w", err)
	}

	return nil
}

// evaluateAllSaleStatuses пересчитывает статусы всех распродаж разом для списочных чтений.
func evaluateAllSaleStatuses(ctx context.Context, q querier) error {
	_, err := q.Exec(ctx,
		`UPDATE sales
		 SET status = $1, version = version + 1
		 WHERE status = $2 AND start_time <= now() AND remaining_stock > 0`,
		string(model.SaleStatusActive), string(model.SaleStatusScheduled),
	)
	if err != nil {
		return fmt.Errorf("activate sales: %w", err)
	}

	_, err = q.Exec(ctx,
		`UPDATE sales
		 SET status = $1, version = version + 1
		 WHERE remaining_stock <= 0
		   AND (status = $2 OR (status = $3 AND start_time <= now()))`,
		string(model.SaleStatusCompleted), string(model.SaleStatusActive), string(model.SaleStatusScheduled),
	)
	if err != nil {
		return fmt.Errorf("complete sales: %w", err)
	}

	return nil
}

const saleColumns = `id, product_name, description, total_stock, remaining_stock, price,
	 start_time, status, max_purchase_per_user, version, created_at`

func scanSale(row pgx.Row) (*model.Sale, error) {
	var s model.Sale
	var status string
	err := row.Scan(&s.ID, &s.ProductName, &s.Description, &s.TotalStock, &s.RemainingStock,
		&s.PriceCents, &s.StartTime, &status, &s.MaxPurchasePerUser, &s.Version, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSaleNotFound
		}
		return nil, fmt.Errorf("scan sale: %w", err)
	}
	s.Status = model.SaleStatus(status)
	return &s, nil
}

// CreateSale создаёт новую распродажу в статусе scheduled с полным остатком.
func (r *PostgresRepository) CreateSale(ctx context.Context, spec model.SaleSpec) (*model.Sale, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO sales (product_name, description, total_stock, remaining_stock, price, start_time, max_purchase_per_user)
		 VALUES ($1, $2, $3, $3, $4, $5, $6)
		 RETURNING `+saleColumns,
		spec.ProductName, spec.Description, spec.TotalStock, spec.PriceCents, spec.StartTime, spec.MaxPurchasePerUser,
	)

	sale, err := scanSale(row)
	if err != nil {
		return nil, fmt.Errorf("create sale: %w", err)
	}
	return sale, nil
}

// GetSale возвращает распродажу с актуализированным статусом.
func (r *PostgresRepository) GetSale(ctx context.Context, id int64) (*model.Sale, error) {
	if err := evaluateSaleStatus(ctx, r.pool, id); err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id)
	return scanSale(row)
}

// GetSales возвращает все распродажи с актуализированными статусами.
func (r *PostgresRepository) GetSales(ctx context.Context) ([]model.Sale, error) {
	if err := evaluateAllSaleStatuses(ctx, r.pool); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `SELECT `+saleColumns+` FROM sales ORDER BY start_time, id`)
	if err != nil {
		return nil, fmt.Errorf("select sales: %w", err)
	}
	defer rows.Close()

	var sales []model.Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return sales, nil
}

// UpdateSale изменяет параметры распродажи. Разрешено только в статусе scheduled.
// При изменении total_stock остаток сбрасывается до нового значения.
func (r *PostgresRepository) UpdateSale(ctx context.Context, id int64, patch model.SalePatch) (*model.Sale, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := evaluateSaleStatus(ctx, tx, id); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, id)
	sale, err := scanSale(row)
	if err != nil {
		return nil, err
	}

	if sale.Status != model.SaleStatusScheduled {
		return nil, ErrSaleNotEditable
	}

	if patch.ProductName != nil {
		sale.ProductName = *patch.ProductName
	}
	if patch.Description != nil {
		sale.Description = *patch.Description
	}
	if patch.TotalStock != nil {
		sale.TotalStock = *patch.TotalStock
		sale.RemainingStock = *patch.TotalStock
	}
	if patch.PriceCents != nil {
		sale.PriceCents = *patch.PriceCents
	}
	if patch.StartTime != nil {
		sale.StartTime = *patch.StartTime
	}
	if patch.MaxPurchasePerUser != nil {
		sale.MaxPurchasePerUser = *patch.MaxPurchasePerUser
	}

	row = tx.QueryRow(ctx,
		`UPDATE sales
		 SET product_name = $2, description = $3, total_stock = $4, remaining_stock = $5,
		     price = $6, start_time = $7, max_purchase_per_user = $8, version = version + 1
		 WHERE id = $1
		 RETURNING `+saleColumns,
		id, sale.ProductName, sale.Description, sale.TotalStock, sale.RemainingStock,
		sale.PriceCents, sale.StartTime, sale.MaxPurchasePerUser,
	)
	updated, err := scanSale(row)
	if err != nil {
		return nil, fmt.Errorf("update sale: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return updated, nil
}

// DeleteSale удаляет распродажу. Активную распродажу удалить нельзя.
func (r *PostgresRepository) DeleteSale(ctx context.Context, id int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := evaluateSaleStatus(ctx, tx, id); err != nil {
		return err
	}

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM sales WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSaleNotFound
		}
		return fmt.Errorf("select sale: %w", err)
	}

	if model.SaleStatus(status) == model.SaleStatusActive {
		return ErrSaleNotEditable
	}

	if _, err := tx.Exec(ctx, `DELETE FROM sales WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete sale: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ResetSale возвращает распродажу в статус scheduled с новым временем старта.
// Остаток восстанавливается до totalStock (нового, если передан).
func (r *PostgresRepository) ResetSale(ctx context.Context, id int64, startTime time.Time, totalStock *int64) (*model.Sale, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE sales
		 SET status = $2, start_time = $3,
		     total_stock = COALESCE($4::bigint, total_stock),
		     remaining_stock = COALESCE($4::bigint, total_stock),
		     version = version + 1
		 WHERE id = $1
		 RETURNING `+saleColumns,
		id, string(model.SaleStatusScheduled), startTime, totalStock,
	)

	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, ErrSaleNotFound) {
			return nil, ErrSaleNotFound
		}
		return nil, fmt.Errorf("reset sale: %w", err)
	}
	return sale, nil
}

// CompletedQuantity возвращает суммарное количество товара, выкупленное пользователем в распродаже.
func (r *PostgresRepository) CompletedQuantity(ctx context.Context, userID, saleID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0)
		 FROM purchases
		 WHERE user_id = $1 AND sale_id = $2 AND status = $3`,
		userID, saleID, string(model.PurchaseStatusCompleted),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum purchases: %w", err)
	}
	return total, nil
}

// ReservePurchase атомарно резервирует товар: в одной транзакции блокирует строку
// пользователя (сериализация покупок одного покупателя), перепроверяет лимит на
// пользователя, выполняет условный декремент остатка и добавляет запись о покупке.
// Либо фиксируются обе записи, либо ни одной. Возвращает покупку, остаток после
// декремента и признак того, что этой покупкой распродажа завершилась.
func (r *PostgresRepository) ReservePurchase(ctx context.Context, userID, saleID, quantity int64) (*model.Purchase, int64, bool, error) {
	var (
		purchase     *model.Purchase
		remaining    int64
		completedNow bool
	)

	err := r.withRetry(ctx, func() error {
		var err error
		purchase, remaining, completedNow, err = r.reservePurchaseTx(ctx, userID, saleID, quantity)
		return err
	})
	if err != nil {
		return nil, 0, false, err
	}

	return purchase, remaining, completedNow, nil
}

func (r *PostgresRepository) reservePurchaseTx(ctx context.Context, userID, saleID, quantity int64) (*model.Purchase, int64, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := evaluateSaleStatus(ctx, tx, saleID); err != nil {
		return nil, 0, false, err
	}

	// Блокируем строку пользователя: параллельные покупки одного покупателя
	// сериализуются, и проверка лимита ниже не гоняется сама с собой.
	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, false, ErrUserNotFound
		}
		return nil, 0, false, fmt.Errorf("lock user for update: %w", err)
	}

	var priceCents, maxPerUser int64
	err = tx.QueryRow(ctx,
		`SELECT price, max_purchase_per_user FROM sales WHERE id = $1`,
		saleID,
	).Scan(&priceCents, &maxPerUser)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, false, ErrSaleNotFound
		}
		return nil, 0, false, fmt.Errorf("select sale: %w", err)
	}

	var purchased int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0)
		 FROM purchases
		 WHERE user_id = $1 AND sale_id = $2 AND status = $3`,
		userID, saleID, string(model.PurchaseStatusCompleted),
	).Scan(&purchased)
	if err != nil {
		return nil, 0, false, fmt.Errorf("sum purchases: %w", err)
	}

	if purchased+quantity > maxPerUser {
		return nil, 0, false, ErrPurchaseLimitExceeded
	}

	// Условный декремент — единственный мутатор остатка. Предикат по статусу и
	// остатку гарантирует, что сумма успешных декрементов не превысит total_stock
	// при любом числе параллельных покупателей. Достигнув нуля, остаток переводит
	// распродажу в completed тем же оператором.
	var (
		remaining int64
		status    string
	)
	err = tx.QueryRow(ctx,
		`UPDATE sales
		 SET remaining_stock = remaining_stock - $2,
		     version = version + 1,
		     status = CASE WHEN remaining_stock - $2 <= 0 THEN $3 ELSE status END
		 WHERE id = $1 AND status = $4 AND remaining_stock >= $2
		 RETURNING remaining_stock, status`,
		saleID, quantity, string(model.SaleStatusCompleted), string(model.SaleStatusActive),
	).Scan(&remaining, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, false, ErrInsufficientStock
		}
		return nil, 0, false, fmt.Errorf("decrement stock: %w", err)
	}

	p := &model.Purchase{
		UserID:          userID,
		SaleID:          saleID,
		Quantity:        quantity,
		TotalPriceCents: priceCents * quantity,
		Status:          model.PurchaseStatusCompleted,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO purchases (user_id, sale_id, quantity, total_price, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		p.UserID, p.SaleID, p.Quantity, p.TotalPriceCents, string(p.Status),
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, 0, false, fmt.Errorf("insert purchase: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, false, fmt.Errorf("commit tx: %w", err)
	}

	return p, remaining, model.SaleStatus(status) == model.SaleStatusCompleted, nil
}

// GetSaleLeaderboard возвращает завершённые покупки распродажи с именами покупателей
// в порядке времени покупки. Позиции проставляет сервисный слой.
func (r *PostgresRepository) GetSaleLeaderboard(ctx context.Context, saleID int64) ([]model.LeaderboardEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.name, p.created_at, p.quantity
		 FROM purchases p
		 JOIN users u ON u.id = p.user_id
		 WHERE p.sale_id = $1 AND p.status = $2
		 ORDER BY p.created_at, p.id`,
		saleID, string(model.PurchaseStatusCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("select leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		if err := rows.Scan(&e.UserName, &e.PurchaseTime, &e.Quantity); err != nil {
			return nil, fmt.Errorf("scan leaderboard entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entries, nil
}

// GetPurchasesByUser возвращает историю покупок пользователя, новые первыми.
func (r *PostgresRepository) GetPurchasesByUser(ctx context.Context, userID int64) ([]model.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, sale_id, quantity, total_price, status, created_at
		 FROM purchases
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	defer rows.Close()

	var purchases []model.Purchase
	for rows.Next() {
		var (
			p      model.Purchase
			status string
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.SaleID, &p.Quantity, &p.TotalPriceCents, &status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		p.Status = model.PurchaseStatus(status)
		purchases = append(purchases, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return purchases, nil
}

// GetAdminStats возвращает сводную статистику по пользователям, распродажам и покупкам.
func (r *PostgresRepository) GetAdminStats(ctx context.Context) (*model.AdminStats, error) {
	if err := evaluateAllSaleStatuses(ctx, r.pool); err != nil {
		return nil, err
	}

	var stats model.AdminStats
	err := r.pool.QueryRow(ctx,
		`SELECT
		     (SELECT COUNT(*) FROM users),
		     (SELECT COUNT(*) FROM sales),
		     (SELECT COUNT(*) FROM purchases),
		     (SELECT COUNT(*) FROM sales WHERE status = $1)`,
		string(model.SaleStatusActive),
	).Scan(&stats.UserCount, &stats.SaleCount, &stats.PurchaseCount, &stats.ActiveSaleCount)
	if err != nil {
		return nil, fmt.Errorf("select stats: %w", err)
	}

	return &stats, nil
}
