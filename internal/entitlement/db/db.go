package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ms-fulfillment/internal/models"

	"github.com/uptrace/bun"
)

type DB struct {
	Bun *bun.DB
}

// ---------------- ORDERS ----------------

// CreateOrderIfAbsent inserts the order unless one already exists for
// the same payment_reference. This single conditional insert is the
// duplicate-delivery defense: replayed webhooks collapse to a no-op and
// get the existing order back.
func (d *DB) CreateOrderIfAbsent(ctx context.Context, order *models.Order) (bool, *models.Order, error) {
	res, err := d.Bun.NewInsert().
		Model(order).
		On("CONFLICT (payment_reference) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, nil, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if affected == 1 {
		return true, order, nil
	}

	existing, err := d.GetOrderByPaymentReference(ctx, order.PaymentReference)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (d *DB) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *DB) GetOrderByPaymentReference(ctx context.Context, ref string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("payment_reference = ?", ref).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByAnyReference looks up by checkout reference first, then by
// the charge-level reference. Refund events may carry either.
func (d *DB) GetOrderByAnyReference(ctx context.Context, paymentRef, intentRef string) (*models.Order, error) {
	if paymentRef != "" {
		order, err := d.GetOrderByPaymentReference(ctx, paymentRef)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	if intentRef == "" {
		return nil, sql.ErrNoRows
	}

	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("payment_intent_reference = ?", intentRef).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderRefund moves an order's refund accounting forward. The
// status/refunded_total pair is written together so a crash between the
// two can not split them.
func (d *DB) UpdateOrderRefund(ctx context.Context, orderID string, refundedTotal float64, status string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("refunded_total = ?", refundedTotal).
		Set("status = ?", status).
		Where("id = ?", orderID).
		Exec(ctx)
	return err
}

func (d *DB) ListPaidOrdersBetween(ctx context.Context, from, to time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := d.Bun.NewSelect().
		Model(&orders).
		Where("status = ?", models.OrderStatusPaid).
		Where("created_at >= ?", from).
		Where("created_at < ?", to).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// ---------------- ORDER ITEMS ----------------

func (d *DB) InsertOrderItems(ctx context.Context, items []models.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	_, err := d.Bun.NewInsert().Model(&items).Exec(ctx)
	return err
}

func (d *DB) GetItemsByOrder(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := d.Bun.NewSelect().
		Model(&items).
		Where("order_id = ?", orderID).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListUnresolvedItems feeds the operator queue of purchases the catalog
// resolver could not identify.
func (d *DB) ListUnresolvedItems(ctx context.Context, limit int) ([]models.OrderItem, error) {
	var items []models.OrderItem
	q := d.Bun.NewSelect().
		Model(&items).
		Where("product_ref IS NULL")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

// ---------------- DOWNLOAD TOKENS ----------------

func (d *DB) InsertDownloadToken(ctx context.Context, token *models.DownloadToken) error {
	_, err := d.Bun.NewInsert().Model(token).Exec(ctx)
	return err
}

func (d *DB) GetTokenByValue(ctx context.Context, token string) (*models.DownloadToken, error) {
	var t models.DownloadToken
	err := d.Bun.NewSelect().
		Model(&t).
		Where("token = ?", token).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ConsumeDownload spends one download in a single conditional update:
// the increment only lands if the token is still active, unexpired and
// below its cap at write time. Concurrent requests past the read-side
// checks race here and exactly max_downloads of them can ever win.
func (d *DB) ConsumeDownload(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.DownloadToken)(nil)).
		Set("download_count = download_count + 1").
		Set("last_download_at = ?", now).
		Where("id = ?", tokenID).
		Where("is_active = ?", true).
		Where("expires_at > ?", now).
		Where("download_count < max_downloads").
		Exec(ctx)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (d *DB) GetTokensByOrder(ctx context.Context, orderID string) ([]models.DownloadToken, error) {
	var tokens []models.DownloadToken
	err := d.Bun.NewSelect().
		Model(&tokens).
		Join("JOIN order_items AS oi ON oi.id = download_token.order_item_id").
		Where("oi.order_id = ?", orderID).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// DeactivateTokensForOrder revokes every token hanging off the order's
// items. Already-revoked tokens are left untouched, so replaying the
// cascade is harmless. Returns the ids revoked by this call.
func (d *DB) DeactivateTokensForOrder(ctx context.Context, orderID string) ([]string, error) {
	var ids []string
	err := d.Bun.NewSelect().
		Column("download_token.id").
		Model((*models.DownloadToken)(nil)).
		Join("JOIN order_items AS oi ON oi.id = download_token.order_item_id").
		Where("oi.order_id = ?", orderID).
		Where("download_token.is_active = ?", true).
		Scan(ctx, &ids)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = d.Bun.NewUpdate().
		Model((*models.DownloadToken)(nil)).
		Set("is_active = ?", false).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ---------------- DOWNLOAD LOGS ----------------

func (d *DB) InsertDownloadLog(ctx context.Context, entry *models.DownloadLog) error {
	_, err := d.Bun.NewInsert().Model(entry).Exec(ctx)
	return err
}

// ---------------- PRODUCTS ----------------

func (d *DB) ListActiveProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := d.Bun.NewSelect().
		Model(&products).
		Where("active = ?", true).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return products, nil
}

func (d *DB) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := d.Bun.NewSelect().
		Model(&product).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (d *DB) HealthCheck(ctx context.Context) error {
	return d.Bun.PingContext(ctx)
}
