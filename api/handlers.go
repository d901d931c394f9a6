/*
handlers.go - HTTP API handlers for the costing engine

PURPOSE:
  Exposes the movement ledger, the costing orchestrator and the comparison
  reports via REST API. Handles HTTP request/response, JSON serialization,
  and delegates to the inventory, costing and report packages.

ENDPOINTS:
  Movements:
    POST   /api/movements              Ingest a movement candidate
    GET    /api/movements              List movements (product_id, warehouse_id, from, to)
    POST   /api/adjustments            Manual adjustment with a signed quantity

  Balances:
    GET    /api/balances               Tracked on-hand per product/warehouse
    POST   /api/balances/rebuild       Replay the ledger into balances
    GET    /api/balances/reconcile     Compare tracked balances with a replay

  Reference data:
    POST   /api/uom-conversions        Register a UoM conversion
    POST   /api/products               Register a product

  Costing:
    POST   /api/costing/runs           Run strategies over a window

  Reports:
    GET    /api/reports/comparison            start, end, strategies
    GET    /api/reports/sku/{productID}       start, end, strategies
    GET    /api/reports/movements/{id}        strategies

TENANCY:
  The tenant is read from the X-Tenant-ID header, falling back to the
  configured default tenant.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid window, unknown strategy
  - 404: Movement not found
  - 500: Internal errors
  Strategy failures inside a costing run are not HTTP errors. They are
  listed in the run response's "errors" array with status 200.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/warp/costing-engine/config"
	"github.com/warp/costing-engine/costing"
	"github.com/warp/costing-engine/inventory"
	"github.com/warp/costing-engine/report"
)

// TenantHeader carries the tenant of a request.
const TenantHeader = "X-Tenant-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the API needs from a storage backend. Both
// store/memory and store/sqlite implement it.
type Store interface {
	inventory.Store
	inventory.UoMConversions
	inventory.ProductCatalog
	costing.ResultStore

	SaveConversion(ctx context.Context, tenant inventory.TenantID, c inventory.Conversion) error
	RegisterProduct(ctx context.Context, tenant inventory.TenantID, productID string) error
	ResetTenant(ctx context.Context, tenant inventory.TenantID) error
}

// Options configures a Handler.
type Options struct {
	DefaultTenant       inventory.TenantID
	Methods             []costing.Method // default strategy set for runs and reports
	Policy              costing.NegativeInventoryPolicy
	MaxParallel         int
	ReplayFromInception bool
	RequireKnownProduct bool
	Registry            *prometheus.Registry // nil creates a private registry
}

// OptionsFromConfig maps the costing and server sections of cfg.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	methods, err := cfg.Methods()
	if err != nil {
		return Options{}, err
	}
	return Options{
		DefaultTenant:       inventory.TenantID(cfg.Server.DefaultTenant),
		Methods:             methods,
		Policy:              cfg.Policy(),
		MaxParallel:         cfg.Costing.MaxParallel,
		ReplayFromInception: cfg.Costing.ReplayFromInception,
		RequireKnownProduct: cfg.Costing.RequireKnownProduct,
	}, nil
}

type Handler struct {
	Store        Store
	Ledger       *inventory.Ledger
	Orchestrator *costing.Orchestrator
	Reports      *report.Service
	Registry     *prometheus.Registry
	Logger       logrus.FieldLogger

	DefaultTenant inventory.TenantID
	Methods       []costing.Method

	mu              sync.Mutex
	currentScenario map[inventory.TenantID]string
}

// NewHandler wires the ledger, orchestrator and report service over store.
func NewHandler(store Store, opts Options, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if opts.DefaultTenant == "" {
		opts.DefaultTenant = "demo"
	}
	if len(opts.Methods) == 0 {
		opts.Methods = costing.Methods()
	}

	ledger := inventory.NewLedger(store, store, logger.WithField("component", "ledger"))
	ledger.Metrics = inventory.NewMetrics(reg)
	if opts.RequireKnownProduct {
		ledger.Catalog = store
	}

	orch := costing.NewOrchestrator(store, store, logger.WithField("component", "orchestrator"))
	orch.Metrics = costing.NewMetrics(reg)
	orch.MaxParallel = opts.MaxParallel
	orch.ReplayFromInception = opts.ReplayFromInception
	if opts.Policy != "" {
		orch.Policy = opts.Policy
	}

	return &Handler{
		Store:           store,
		Ledger:          ledger,
		Orchestrator:    orch,
		Reports:         report.NewService(store),
		Registry:        reg,
		Logger:          logger,
		DefaultTenant:   opts.DefaultTenant,
		Methods:         opts.Methods,
		currentScenario: make(map[inventory.TenantID]string),
	}
}

func (h *Handler) tenant(r *http.Request) inventory.TenantID {
	if t := strings.TrimSpace(r.Header.Get(TenantHeader)); t != "" {
		return inventory.TenantID(t)
	}
	return h.DefaultTenant
}

// =============================================================================
// MOVEMENT ENDPOINTS
// =============================================================================

// CreateMovement ingests one movement candidate. Returns 201 when created
// and 200 when the idempotency key was already used.
func (h *Handler) CreateMovement(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, err := h.Ledger.Ingest(r.Context(), req.candidate(h.tenant(r)))
	if err != nil {
		h.writeDomainError(w, "CreateMovement", err)
		return
	}
	writeIngestResult(w, res)
}

// CreateAdjustment records a manual adjustment.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, err := h.Ledger.Adjust(r.Context(), inventory.AdjustmentInput{
		TenantID:       h.tenant(r),
		ProductID:      req.ProductID,
		WarehouseID:    req.WarehouseID,
		Quantity:       req.Quantity,
		UnitCost:       req.UnitCost,
		UnitOfMeasure:  req.UnitOfMeasure,
		MovementDate:   req.MovementDate,
		Reason:         req.Reason,
		SourceID:       req.SourceID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeDomainError(w, "CreateAdjustment", err)
		return
	}
	writeIngestResult(w, res)
}

func writeIngestResult(w http.ResponseWriter, res *inventory.IngestResult) {
	status := http.StatusCreated
	if res.Status == inventory.IngestSkipped {
		status = http.StatusOK
	}
	writeJSON(w, status, IngestResponse{
		Status:   string(res.Status),
		Movement: toMovementDTO(res.Movement),
	})
}

// ListMovements lists movements in (movement_date, id) order.
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := inventory.MovementQuery{
		TenantID:  h.tenant(r),
		ProductID: q.Get("product_id"),
	}
	if q.Has("warehouse_id") {
		wh := q.Get("warehouse_id")
		query.WarehouseID = &wh
	}

	var err error
	if query.From, err = parseDateParam(q.Get("from"), false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from", err)
		return
	}
	if query.To, err = parseDateParam(q.Get("to"), true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to", err)
		return
	}

	movements, err := h.Ledger.Movements(r.Context(), query)
	if err != nil {
		h.writeDomainError(w, "ListMovements", err)
		return
	}
	dtos := make([]MovementDTO, 0, len(movements))
	for _, m := range movements {
		dtos = append(dtos, toMovementDTO(m))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BALANCE ENDPOINTS
// =============================================================================

func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Ledger.Balances(r.Context(), h.tenant(r))
	if err != nil {
		h.writeDomainError(w, "ListBalances", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTOs(balances))
}

func (h *Handler) RebuildBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.Ledger.RebuildBalances(r.Context(), h.tenant(r))
	if err != nil {
		h.writeDomainError(w, "RebuildBalances", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTOs(balances))
}

func (h *Handler) ReconcileBalances(w http.ResponseWriter, r *http.Request) {
	drift, err := h.Ledger.Reconcile(r.Context(), h.tenant(r))
	if err != nil {
		h.writeDomainError(w, "ReconcileBalances", err)
		return
	}
	resp := ReconcileResponse{Consistent: len(drift) == 0, Drift: make([]DriftDTO, 0, len(drift))}
	for _, d := range drift {
		resp.Drift = append(resp.Drift, DriftDTO{
			ProductID:   d.Key.ProductID,
			WarehouseID: d.Key.WarehouseID,
			Stored:      qtyString(d.Stored),
			Replayed:    qtyString(d.Replayed),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func toBalanceDTOs(balances []inventory.Balance) []BalanceDTO {
	dtos := make([]BalanceDTO, 0, len(balances))
	for _, b := range balances {
		dtos = append(dtos, toBalanceDTO(b))
	}
	return dtos
}

// =============================================================================
// REFERENCE DATA ENDPOINTS
// =============================================================================

func (h *Handler) CreateConversion(w http.ResponseWriter, r *http.Request) {
	var req ConversionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.FromUnit == "" || req.ToUnit == "" {
		writeError(w, http.StatusBadRequest, "from_unit and to_unit are required", nil)
		return
	}
	if !req.Factor.IsPositive() {
		writeError(w, http.StatusBadRequest, "factor must be positive", nil)
		return
	}

	c := inventory.Conversion{
		ProductID: req.ProductID,
		FromUnit:  req.FromUnit,
		ToUnit:    req.ToUnit,
		Factor:    req.Factor,
	}
	if err := h.Store.SaveConversion(r.Context(), h.tenant(r), c); err != nil {
		h.writeDomainError(w, "CreateConversion", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		writeError(w, http.StatusBadRequest, "product_id is required", nil)
		return
	}
	if err := h.Store.RegisterProduct(r.Context(), h.tenant(r), req.ProductID); err != nil {
		h.writeDomainError(w, "CreateProduct", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// =============================================================================
// COSTING ENDPOINTS
// =============================================================================

// RunCosting runs the requested strategies over [start, end] and persists
// the results. Per-strategy failures are part of a 200 response.
func (h *Handler) RunCosting(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	methods, err := h.methods(req.Strategies)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid strategies", err)
		return
	}
	var policy costing.NegativeInventoryPolicy
	if req.Policy != "" {
		if policy, err = costing.ParsePolicy(req.Policy); err != nil {
			writeError(w, http.StatusBadRequest, "invalid negative_inventory", err)
			return
		}
	}

	out, err := h.Orchestrator.Run(r.Context(), costing.RunInput{
		TenantID:    h.tenant(r),
		Strategies:  methods,
		Start:       req.Start,
		End:         req.End,
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Policy:      policy,
	})
	if err != nil {
		h.writeDomainError(w, "RunCosting", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(out))
}

// =============================================================================
// REPORT ENDPOINTS
// =============================================================================

func (h *Handler) ComparisonReport(w http.ResponseWriter, r *http.Request) {
	start, end, methods, ok := h.reportParams(w, r)
	if !ok {
		return
	}
	c, err := h.Reports.ComparisonReport(r.Context(), h.tenant(r), start, end, methods)
	if err != nil {
		h.writeDomainError(w, "ComparisonReport", err)
		return
	}
	writeJSON(w, http.StatusOK, toComparisonDTO(c))
}

func (h *Handler) SKUDrilldown(w http.ResponseWriter, r *http.Request) {
	start, end, methods, ok := h.reportParams(w, r)
	if !ok {
		return
	}
	d, err := h.Reports.SKUDrilldown(r.Context(), h.tenant(r), chi.URLParam(r, "productID"), start, end, methods)
	if err != nil {
		h.writeDomainError(w, "SKUDrilldown", err)
		return
	}
	writeJSON(w, http.StatusOK, toSKUDrilldownDTO(d))
}

func (h *Handler) MovementDrilldown(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid movement id", err)
		return
	}
	methods, err := h.methods(splitList(r.URL.Query().Get("strategies")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid strategies", err)
		return
	}
	d, err := h.Reports.MovementDrilldown(r.Context(), h.tenant(r), id, methods)
	if err != nil {
		h.writeDomainError(w, "MovementDrilldown", err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDrilldownDTO(d))
}

func (h *Handler) reportParams(w http.ResponseWriter, r *http.Request) (start, end time.Time, methods []costing.Method, ok bool) {
	q := r.URL.Query()
	var err error
	if start, err = parseDateParam(q.Get("start"), false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid start", err)
		return
	}
	if end, err = parseDateParam(q.Get("end"), true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid end", err)
		return
	}
	if methods, err = h.methods(splitList(q.Get("strategies"))); err != nil {
		writeError(w, http.StatusBadRequest, "invalid strategies", err)
		return
	}
	return start, end, methods, true
}

// methods parses names, falling back to the configured set.
func (h *Handler) methods(names []string) ([]costing.Method, error) {
	methods, err := costing.ParseMethods(names)
	if err != nil {
		return nil, err
	}
	if len(methods) == 0 {
		return h.Methods, nil
	}
	return methods, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, funcName string, err error) {
	switch {
	case inventory.IsValidation(err):
		writeError(w, http.StatusBadRequest, "validation failed", err)
	case inventory.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", err)
	case errors.Is(err, costing.ErrInvalidWindow),
		errors.Is(err, costing.ErrUnknownStrategy),
		errors.Is(err, report.ErrNoStrategies):
		writeError(w, http.StatusBadRequest, "invalid costing request", err)
	default:
		config.LogError(h.Logger, "api", funcName, "request failed", nil, err)
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

// parseDateParam accepts RFC3339 or YYYY-MM-DD. A bare date used as a
// window end means the end of that day.
func parseDateParam(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
