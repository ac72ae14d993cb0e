package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/keychain-shop/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders (id, customer_id, status, total, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	addOrderLineSQL = `INSERT INTO order_lines
		(order_id, position, product_id, product_name, quantity, unit_price, subtotal, customization)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	setOrderTotalSQL = `UPDATE orders SET total = $2 WHERE id = $1`

	updateOrderStatusSQL = `UPDATE orders SET status = $2 WHERE id = $1`

	orderColumns = `id::text, customer_id, status, total, created_at`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderForUpdateSQL = getOrderSQL + ` FOR UPDATE`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE ($1::bigint IS NULL OR customer_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	listOrderLinesSQL = `SELECT order_id::text, id, position, product_id, product_name,
			quantity, unit_price, subtotal, customization
		FROM order_lines WHERE order_id = ANY($1::uuid[])
		ORDER BY order_id, position`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	db DBTX
}

// NewOrderRepository returns an OrderRepository that uses db.
func NewOrderRepository(db DBTX) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts the order header.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	_, err := r.db.Exec(ctx, createOrderSQL, o.ID, o.CustomerID, string(o.Status), o.Total, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// AddLine inserts a line of an existing order.
func (r *OrderRepository) AddLine(ctx context.Context, orderID string, l *order.Line) error {
	err := r.db.QueryRow(ctx, addOrderLineSQL,
		orderID, l.Position, l.ProductID, l.ProductName, l.Quantity, l.UnitPrice, l.Subtotal, l.Customization,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("adding line %d to order %q: %w", l.Position, orderID, err)
	}
	return nil
}

// SetTotal records the final order total.
func (r *OrderRepository) SetTotal(ctx context.Context, orderID string, total decimal.Decimal) error {
	tag, err := r.db.Exec(ctx, setOrderTotalSQL, orderID, total)
	if err != nil {
		return fmt.Errorf("setting total of order %q: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// Get returns the order with its lines.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.get(ctx, getOrderSQL, id)
}

// GetForUpdate returns the order with its lines and locks the order row.
func (r *OrderRepository) GetForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return r.get(ctx, getOrderForUpdateSQL, id)
}

func (r *OrderRepository) get(ctx context.Context, query, id string) (*order.Order, error) {
	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	orders := []order.Order{o}
	if err := r.attachLines(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// UpdateStatus overwrites the stored status.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, status order.Status) error {
	tag, err := r.db.Exec(ctx, updateOrderStatusSQL, id, string(status))
	if err != nil {
		return fmt.Errorf("updating status of order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// List returns orders newest first with their lines.
func (r *OrderRepository) List(ctx context.Context, f order.ListFilter) ([]order.Order, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = order.DefaultListLimit
	}
	rows, err := r.db.Query(ctx, listOrdersSQL, f.CustomerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	if err := r.attachLines(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *OrderRepository) attachLines(ctx context.Context, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
		orders[i].Lines = []order.Line{}
	}

	rows, err := r.db.Query(ctx, listOrderLinesSQL, ids)
	if err != nil {
		return fmt.Errorf("listing order lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			l       order.Line
		)
		if err := rows.Scan(
			&orderID, &l.ID, &l.Position, &l.ProductID, &l.ProductName,
			&l.Quantity, &l.UnitPrice, &l.Subtotal, &l.Customization,
		); err != nil {
			return fmt.Errorf("scanning order line: %w", err)
		}
		i := index[orderID]
		orders[i].Lines = append(orders[i].Lines, l)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("listing order lines: %w", err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(&o.ID, &o.CustomerID, &status, &o.Total, &o.CreatedAt)
	o.Status = order.Status(status)
	return o, err
}
