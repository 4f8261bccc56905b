package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/pricing"
)

// Service is the billing API consumed by the request surface
type Service interface {
	CreateUser(ctx context.Context, req *CreateUserRequest) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)

	ListPlans(ctx context.Context) ([]Plan, error)

	CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*Subscription, error)

	RecordUsage(ctx context.Context, req *RecordUsageRequest) error

	GenerateInvoice(ctx context.Context, userID string) (*InvoiceResult, error)
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ListInvoices(ctx context.Context, userID string) ([]Invoice, error)

	ListPayments(ctx context.Context, userID string) ([]Payment, error)
}

// PlanCatalog resolves plans and their prices
type PlanCatalog interface {
	ListPlans(ctx context.Context) ([]Plan, error)
	// GetPlan returns ErrNotFound for unknown codes.
	GetPlan(ctx context.Context, code string) (*Plan, error)
	Prices(ctx context.Context) (pricing.PlanPrices, error)
}

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...interface{}) error
}

// PostgresService implements Service using PostgreSQL
type PostgresService struct {
	db      *sql.DB
	reader  func() *sql.DB
	catalog PlanCatalog
	metrics *observability.Metrics
	logger  *observability.Logger
	timeout time.Duration
	now     func() time.Time
}

// Option configures a PostgresService
type Option func(*PostgresService)

// WithReader routes read queries to a fixed handle.
func WithReader(reader *sql.DB) Option {
	return func(s *PostgresService) {
		if reader != nil {
			s.reader = func() *sql.DB { return reader }
		}
	}
}

// WithReaderFunc resolves the read handle on every query, so replicas pruned
// by a connection manager are never reused.
func WithReaderFunc(reader func() *sql.DB) Option {
	return func(s *PostgresService) {
		if reader != nil {
			s.reader = reader
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *PostgresService) { s.now = now }
}

// WithTimeout bounds every storage call.
func WithTimeout(d time.Duration) Option {
	return func(s *PostgresService) { s.timeout = d }
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB, catalog PlanCatalog, metrics *observability.Metrics, logger *observability.Logger, opts ...Option) *PostgresService {
	s := &PostgresService{
		db:      db,
		reader:  func() *sql.DB { return db },
		catalog: catalog,
		metrics: metrics,
		logger:  logger,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// CreateUser registers a user with a unique email address
func (s *PostgresService) CreateUser(ctx context.Context, req *CreateUserRequest) (*User, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("email %q: %w", req.Email, ErrValidation)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user := &User{
		ID:        uuid.NewString(),
		Email:     email,
		CreatedAt: s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, created_at) VALUES ($1, $2, $3)`,
		user.ID, user.Email, user.CreatedAt)
	if err != nil {
		if msg, ok := constraintMessage(err); ok {
			return nil, fmt.Errorf("%s: %w", msg, ErrValidation)
		}
		return nil, ClassifyStorageError("create user", err)
	}

	return user, nil
}

// GetUser retrieves a user by id
func (s *PostgresService) GetUser(ctx context.Context, id string) (*User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user := &User{}
	err := s.reader().QueryRowContext(ctx,
		`SELECT id, email, created_at FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.Email, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, ClassifyStorageError("get user", err)
	}
	return user, nil
}

// ListPlans returns the plan catalog ordered by price
func (s *PostgresService) ListPlans(ctx context.Context) ([]Plan, error) {
	return s.catalog.ListPlans(ctx)
}

// SubscriptionColumns is the column list ScanSubscription expects.
const SubscriptionColumns = `id, user_id, plan_code, status, current_period_start, current_period_end, created_at, canceled_at`

// ScanSubscription reads a row selected with SubscriptionColumns.
func ScanSubscription(row Scanner) (*Subscription, error) {
	sub := &Subscription{}
	var canceledAt sql.NullTime
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanCode, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CreatedAt, &canceledAt); err != nil {
		return nil, err
	}
	if canceledAt.Valid {
		t := canceledAt.Time
		sub.CanceledAt = &t
	}
	return sub, nil
}

// CreateSubscription starts an active subscription whose first period begins
// at midnight UTC today
func (s *PostgresService) CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*Subscription, error) {
	if req.UserID == "" || req.PlanCode == "" {
		return nil, fmt.Errorf("user_id and plan_code are required: %w", ErrValidation)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = $1`, req.UserID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", req.UserID, ErrNotFound)
	}
	if err != nil {
		return nil, ClassifyStorageError("lookup user", err)
	}

	if _, err := s.catalog.GetPlan(ctx, req.PlanCode); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	start, end := pricing.Period(pricing.PeriodStart(now))
	sub := &Subscription{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		PlanCode:           req.PlanCode,
		Status:             SubscriptionStatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		CreatedAt:          now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, plan_code, status, current_period_start, current_period_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.UserID, sub.PlanCode, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CreatedAt)
	if err != nil {
		if msg, ok := constraintMessage(err); ok {
			return nil, fmt.Errorf("user %s: %s: %w", req.UserID, msg, ErrValidation)
		}
		return nil, ClassifyStorageError("create subscription", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"user_id":         sub.UserID,
		"plan":            sub.PlanCode,
	}).Info("Subscription created")

	return sub, nil
}

// GetSubscription retrieves a subscription by id
func (s *PostgresService) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sub, err := ScanSubscription(s.reader().QueryRowContext(ctx,
		`SELECT `+SubscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, ClassifyStorageError("get subscription", err)
	}
	return sub, nil
}

// CancelSubscription stops future rollovers. Canceling twice is a no-op.
func (s *PostgresService) CancelSubscription(ctx context.Context, id string) (*Subscription, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sub, err := ScanSubscription(s.db.QueryRowContext(ctx, `
		UPDATE subscriptions
		SET status = 'canceled', canceled_at = COALESCE(canceled_at, $2)
		WHERE id = $1
		RETURNING `+SubscriptionColumns, id, s.now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, ClassifyStorageError("cancel subscription", err)
	}

	s.logger.WithField("subscription_id", id).Info("Subscription canceled")
	return sub, nil
}

// ActiveSubscription returns the user's active subscription.
func ActiveSubscription(ctx context.Context, q Queryer, userID string) (*Subscription, error) {
	sub, err := ScanSubscription(q.QueryRowContext(ctx,
		`SELECT `+SubscriptionColumns+` FROM subscriptions WHERE user_id = $1 AND status = 'active'`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active subscription for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, ClassifyStorageError("get active subscription", err)
	}
	return sub, nil
}

var _ Service = (*PostgresService)(nil)
