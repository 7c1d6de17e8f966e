package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-store/internal/domain/address"
	"github.com/xenking/kart-store/internal/domain/auth"
	"github.com/xenking/kart-store/internal/domain/catalog"
)

const (
	variantColumns = `v.id, v.product_id, p.name, v.sku, v.name, v.stock, v.active, v.price, p.base_price`

	getVariantSQL = `SELECT ` + variantColumns + `
		FROM product_variants v JOIN products p ON p.id = v.product_id
		WHERE v.id = $1`

	getVariantsSQL = `SELECT ` + variantColumns + `
		FROM product_variants v JOIN products p ON p.id = v.product_id
		WHERE v.id = ANY($1)`

	getPricesSQL = `SELECT id, variant_id, type, amount, starts_at, ends_at
		FROM variant_prices WHERE variant_id = ANY($1) ORDER BY id`

	decrementStockSQL = `UPDATE product_variants SET stock = stock - $2
		WHERE id = $1 AND stock >= $2`

	getStockSQL = `SELECT stock FROM product_variants WHERE id = $1`

	getAddressSQL = `SELECT id, user_id, recipient, phone, line, ward, district, province
		FROM addresses WHERE id = $1 AND user_id = $2`

	getAPIKeyByHashSQL = `SELECT id, key_hash, name, scopes
		FROM api_keys WHERE key_hash = $1 AND active = TRUE`
)

// CatalogRepository implements catalog.Repository backed by PostgreSQL.
type CatalogRepository struct {
	s *Store
}

// GetVariant returns a single variant with its price records. Inside a
// transaction the variant row stays locked until commit.
func (r *CatalogRepository) GetVariant(ctx context.Context, id string) (*catalog.Variant, error) {
	q := r.s.q(ctx)
	rows, err := q.Query(ctx, getVariantSQL+forUpdate(ctx, "FOR UPDATE OF v"), id)
	if err != nil {
		return nil, fmt.Errorf("getting variant %q: %w", id, err)
	}

	v, err := pgx.CollectExactlyOneRow(rows, scanVariant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrVariantNotFound
		}
		return nil, fmt.Errorf("getting variant %q: %w", id, err)
	}

	vs := []catalog.Variant{v}
	if err := r.attachPrices(ctx, q, vs); err != nil {
		return nil, err
	}
	return &vs[0], nil
}

// GetVariants returns the variants matching ids in the order of ids.
// Unknown ids are skipped.
func (r *CatalogRepository) GetVariants(ctx context.Context, ids []string) ([]catalog.Variant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := r.s.q(ctx)
	rows, err := q.Query(ctx, getVariantsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting variants: %w", err)
	}
	found, err := pgx.CollectRows(rows, scanVariant)
	if err != nil {
		return nil, fmt.Errorf("getting variants: %w", err)
	}
	if err := r.attachPrices(ctx, q, found); err != nil {
		return nil, err
	}

	byID := make(map[string]catalog.Variant, len(found))
	for _, v := range found {
		byID[v.ID] = v
	}
	out := make([]catalog.Variant, 0, len(found))
	for _, id := range ids {
		if v, ok := byID[id]; ok {
			out = append(out, v)
			delete(byID, id)
		}
	}
	return out, nil
}

func (r *CatalogRepository) attachPrices(ctx context.Context, q querier, vs []catalog.Variant) error {
	ids := make([]string, len(vs))
	index := make(map[string]int, len(vs))
	for i, v := range vs {
		ids[i] = v.ID
		index[v.ID] = i
	}
	rows, err := q.Query(ctx, getPricesSQL, ids)
	if err != nil {
		return fmt.Errorf("getting prices: %w", err)
	}
	prices, err := pgx.CollectRows(rows, scanPrice)
	if err != nil {
		return fmt.Errorf("getting prices: %w", err)
	}
	for _, p := range prices {
		i := index[p.VariantID]
		vs[i].Prices = append(vs[i].Prices, p)
	}
	return nil
}

// DecrementStock lowers stock with a guarded update, so stock never goes
// negative even without a prior lock.
func (r *CatalogRepository) DecrementStock(ctx context.Context, id string, qty int) error {
	q := r.s.q(ctx)
	tag, err := q.Exec(ctx, decrementStockSQL, id, qty)
	if err != nil {
		return fmt.Errorf("decrementing stock of %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var stock int
	if err := q.QueryRow(ctx, getStockSQL, id).Scan(&stock); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.ErrVariantNotFound
		}
		return fmt.Errorf("reading stock of %q: %w", id, err)
	}
	return catalog.ErrInsufficientStock.With("variantId", id).With("max", stock)
}

func scanVariant(row pgx.CollectableRow) (catalog.Variant, error) {
	var v catalog.Variant
	err := row.Scan(
		&v.ID, &v.ProductID, &v.ProductName, &v.SKU, &v.Name,
		&v.Stock, &v.Active, &v.Price, &v.BasePrice,
	)
	return v, err
}

func scanPrice(row pgx.CollectableRow) (catalog.Price, error) {
	var (
		p   catalog.Price
		typ string
	)
	err := row.Scan(&p.ID, &p.VariantID, &typ, &p.Amount, &p.StartsAt, &p.EndsAt)
	p.Type = catalog.PriceType(typ)
	return p, err
}

// AddressRepository implements address.Repository backed by PostgreSQL.
type AddressRepository struct {
	s *Store
}

// GetForUser returns the address when it belongs to userID.
func (r *AddressRepository) GetForUser(ctx context.Context, userID, addressID string) (*address.Address, error) {
	var a address.Address
	err := r.s.q(ctx).QueryRow(ctx, getAddressSQL, addressID, userID).Scan(
		&a.ID, &a.UserID, &a.Recipient, &a.Phone, &a.Line, &a.Ward, &a.District, &a.Province,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, address.ErrNotFound
		}
		return nil, fmt.Errorf("getting address %q: %w", addressID, err)
	}
	return &a, nil
}

// APIKeyRepository provides API key lookups backed by PostgreSQL.
type APIKeyRepository struct {
	s *Store
}

// FindByHash looks up an active API key by its HMAC-SHA256 hash.
func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.APIKeyInfo, error) {
	var info auth.APIKeyInfo
	err := r.s.q(ctx).QueryRow(ctx, getAPIKeyByHashSQL, hash).Scan(
		&info.ID, &info.KeyHash, &info.Name, &info.Scopes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrUnauthorized
		}
		return nil, fmt.Errorf("finding api key by hash: %w", err)
	}
	return &info, nil
}
