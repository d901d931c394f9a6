/*
ledger.go - Append-only movement log with idempotent ingestion

PURPOSE:
  The Ledger is the single entry point for recording stock movements.
  It validates candidates, normalises units, enforces idempotency and keeps
  the Balance Tracker in step with the log.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. IDEMPOTENT: Same (tenant, idempotency key) = one movement, one balance delta.
  3. ATOMIC: Movement creation and its balance delta commit together.

INGEST FLOW:
  1. Validate the candidate (struct tags, quantity > 0, unit cost rules)
  2. Resolve the unit of measure (product-specific, then global, else as-is)
  3. Look up the idempotency key; if present, return a skipped result
  4. Store.CreateMovement (movement + balance delta in one transaction)
  5. A concurrent duplicate that slipped past step 3 is caught by the store's
     uniqueness constraint and also reported as skipped

CORRECTIONS:
  A wrong movement is never edited. Record an adjustment (Adjust) or a
  return movement in the opposite direction.

SEE ALSO:
  - store.go: Store interface
  - uom.go: Unit resolution
  - balance.go: Rebuild and reconcile of balances
*/
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var validate = validator.New()

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store   Store
	UoM     *UoMResolver
	Catalog ProductCatalog // nil = every product is known
	Logger  logrus.FieldLogger
	Metrics *Metrics
}

func NewLedger(store Store, conversions UoMConversions, logger logrus.FieldLogger) *Ledger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ledger{
		Store:  store,
		UoM:    &UoMResolver{Conversions: conversions},
		Logger: logger,
	}
}

// Ingest records one movement candidate. A duplicate idempotency key is not
// an error: the existing movement is returned with status IngestSkipped.
func (l *Ledger) Ingest(ctx context.Context, c MovementCandidate) (*IngestResult, error) {
	m, err := l.prepare(ctx, c)
	if err != nil {
		l.Metrics.observeIngest(c.Type, "invalid")
		return nil, err
	}

	existing, err := l.Store.MovementByIdempotencyKey(ctx, m.TenantID, m.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return l.skipped(*existing), nil
	}

	created, err := l.Store.CreateMovement(ctx, m)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Lost the race to a concurrent ingest of the same key.
		existing, lookupErr := l.Store.MovementByIdempotencyKey(ctx, m.TenantID, m.IdempotencyKey)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing == nil {
			return nil, err
		}
		return l.skipped(*existing), nil
	}
	if err != nil {
		return nil, err
	}

	l.Metrics.observeIngest(created.Type, string(IngestCreated))
	l.Logger.WithFields(logrus.Fields{
		"tenant":      created.TenantID,
		"movement_id": created.ID,
		"type":        created.Type,
		"product":     created.ProductID,
		"warehouse":   created.WarehouseID,
		"quantity":    created.Quantity.String(),
	}).Debug("movement ingested")

	return &IngestResult{Status: IngestCreated, Movement: created}, nil
}

func (l *Ledger) skipped(m StockMovement) *IngestResult {
	l.Metrics.observeIngest(m.Type, string(IngestSkipped))
	l.Logger.WithFields(logrus.Fields{
		"tenant":          m.TenantID,
		"movement_id":     m.ID,
		"idempotency_key": m.IdempotencyKey,
	}).Info("duplicate idempotency key, skipped")
	return &IngestResult{Status: IngestSkipped, Movement: m}
}

// Movements returns movements ordered by (movement_date, id).
func (l *Ledger) Movements(ctx context.Context, q MovementQuery) ([]StockMovement, error) {
	return l.Store.Movements(ctx, q)
}

// Movement returns a single movement by id.
func (l *Ledger) Movement(ctx context.Context, tenant TenantID, id int64) (*StockMovement, error) {
	return l.Store.Movement(ctx, tenant, id)
}

// =============================================================================
// MANUAL ADJUSTMENTS
// =============================================================================

// AdjustmentInput is a manual correction with a signed quantity:
// positive adds stock, negative removes it.
type AdjustmentInput struct {
	TenantID       TenantID
	ProductID      string
	WarehouseID    string
	Quantity       decimal.Decimal
	UnitCost       *decimal.Decimal // required when Quantity > 0
	UnitOfMeasure  string
	MovementDate   time.Time
	Reason         string
	SourceID       string
	IdempotencyKey string
}

// NormalizeSigned splits a signed quantity into its magnitude and direction.
func NormalizeSigned(q decimal.Decimal) (decimal.Decimal, Direction) {
	if q.IsNegative() {
		return q.Abs(), DirectionOut
	}
	return q, DirectionIn
}

// Adjust records a manual adjustment as a movement of type adjustment.
func (l *Ledger) Adjust(ctx context.Context, in AdjustmentInput) (*IngestResult, error) {
	if in.Quantity.IsZero() {
		return nil, invalid("quantity", "adjustment quantity must be non-zero")
	}
	qty, dir := NormalizeSigned(in.Quantity)

	meta := map[string]string{}
	if in.Reason != "" {
		meta["reason"] = in.Reason
	}
	unitCost := in.UnitCost
	if dir == DirectionOut {
		unitCost = nil
	}

	return l.Ingest(ctx, MovementCandidate{
		TenantID:       in.TenantID,
		Type:           MovementAdjustment,
		Direction:      dir,
		ProductID:      in.ProductID,
		WarehouseID:    in.WarehouseID,
		Quantity:       qty,
		UnitCost:       unitCost,
		UnitOfMeasure:  in.UnitOfMeasure,
		MovementDate:   in.MovementDate,
		SourceType:     "manual_adjustment",
		SourceID:       in.SourceID,
		IdempotencyKey: in.IdempotencyKey,
		Metadata:       meta,
	})
}

// =============================================================================
// VALIDATION + NORMALISATION
// =============================================================================

func (l *Ledger) prepare(ctx context.Context, c MovementCandidate) (StockMovement, error) {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return StockMovement{}, &ValidationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed %q check", fe.Tag()),
				cause:   err,
			}
		}
		return StockMovement{}, &ValidationError{Message: err.Error(), cause: err}
	}

	if !c.Quantity.IsPositive() {
		return StockMovement{}, invalid("quantity", "must be positive, got %s", c.Quantity)
	}

	dir, err := resolveDirection(c.Type, c.Direction)
	if err != nil {
		return StockMovement{}, err
	}

	unitCost := c.UnitCost
	if dir == DirectionIn {
		if unitCost == nil {
			return StockMovement{}, invalid("unit_cost", "required for %s movements", c.Type)
		}
		if unitCost.IsNegative() {
			return StockMovement{}, invalid("unit_cost", "must not be negative, got %s", unitCost)
		}
	} else {
		// Outbound cost is allocated by the costing strategies.
		unitCost = nil
	}

	if l.Catalog != nil {
		ok, err := l.Catalog.ProductExists(ctx, c.TenantID, c.ProductID)
		if err != nil {
			return StockMovement{}, err
		}
		if !ok {
			return StockMovement{}, &ValidationError{
				Field:   "product_id",
				Message: fmt.Sprintf("unknown product %q", c.ProductID),
				cause:   ErrUnknownProduct,
			}
		}
	}

	res, err := l.UoM.Resolve(ctx, c.TenantID, c.ProductID, c.UnitOfMeasure, c.Quantity, unitCost)
	if err != nil {
		return StockMovement{}, err
	}

	qty := RoundQty(res.Quantity)
	if !qty.IsPositive() {
		return StockMovement{}, invalid("quantity", "rounds to zero after conversion")
	}
	if res.UnitCost != nil {
		uc := RoundUnitCost(*res.UnitCost)
		res.UnitCost = &uc
	}

	meta := make(map[string]string, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		meta[k] = v
	}
	if res.Unit != c.UnitOfMeasure {
		meta["source_uom"] = c.UnitOfMeasure
		meta["source_quantity"] = c.Quantity.String()
	}

	return StockMovement{
		TenantID:       c.TenantID,
		Type:           c.Type,
		Direction:      dir,
		ProductID:      c.ProductID,
		WarehouseID:    c.WarehouseID,
		Quantity:       qty,
		UnitCost:       res.UnitCost,
		UnitOfMeasure:  res.Unit,
		MovementDate:   c.MovementDate.UTC(),
		SourceType:     c.SourceType,
		SourceID:       c.SourceID,
		IdempotencyKey: c.IdempotencyKey,
		Metadata:       meta,
	}, nil
}

func resolveDirection(t MovementType, given Direction) (Direction, error) {
	implied := t.DefaultDirection()
	switch {
	case implied == "" && given == "":
		return "", invalid("direction", "required for %s movements", t)
	case implied == "":
		return given, nil
	case given != "" && given != implied:
		return "", invalid("direction", "%s movements are always %s", t, implied)
	}
	return implied, nil
}
