package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"storefront/internal/models"
	"storefront/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultPageSize is the number of rows on an admin table page
const DefaultPageSize = 10

var (
	ErrUnknownResource = errors.New("unknown admin resource")
	ErrSuperseded      = errors.New("search superseded by a newer one")
)

// Doer issues JSON requests against the storefront API
type Doer interface {
	Do(ctx context.Context, method, path string, body, out interface{}, unwrap ...string) error
}

// Resource is the CRUD contract of one admin screen
type Resource[T any] struct {
	client   Doer
	name     string
	listPath string
	itemPath string
	key      string
	idOf     func(*T) int64
}

// NewResource creates a resource. listPath serves the collection; itemPath
// serves single records and creation. key is the envelope key the API may
// wrap records in.
func NewResource[T any](client Doer, name, listPath, itemPath, key string, idOf func(*T) int64) *Resource[T] {
	return &Resource[T]{
		client:   client,
		name:     name,
		listPath: listPath,
		itemPath: itemPath,
		key:      key,
		idOf:     idOf,
	}
}

// Name returns the resource name used in routes
func (r *Resource[T]) Name() string {
	return r.name
}

// List fetches the collection, filtered server side when query is set
func (r *Resource[T]) List(ctx context.Context, query string) ([]T, error) {
	path := r.listPath
	if query != "" {
		path += "?" + url.Values{"search": {query}}.Encode()
	}

	var rows []T
	if err := r.client.Do(ctx, http.MethodGet, path, nil, &rows, strings.ReplaceAll(r.name, "-", "_")); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.name, err)
	}
	if rows == nil {
		rows = []T{}
	}
	return rows, nil
}

// Get fetches one record
func (r *Resource[T]) Get(ctx context.Context, id int64) (*T, error) {
	var row T
	if err := r.client.Do(ctx, http.MethodGet, r.path(id), nil, &row, r.key); err != nil {
		return nil, fmt.Errorf("failed to get %s %d: %w", r.name, id, err)
	}
	return &row, nil
}

// Save creates the record when id is zero and updates it otherwise
func (r *Resource[T]) Save(ctx context.Context, id int64, row *T) (*T, error) {
	method, path := http.MethodPost, r.itemPath
	if id != 0 {
		method, path = http.MethodPut, r.path(id)
	}

	var saved T
	if err := r.client.Do(ctx, method, path, row, &saved, r.key); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", r.name, err)
	}
	if r.idOf(&saved) == 0 {
		return row, nil
	}
	return &saved, nil
}

// Delete removes one record
func (r *Resource[T]) Delete(ctx context.Context, id int64) error {
	if err := r.client.Do(ctx, http.MethodDelete, r.path(id), nil, nil); err != nil {
		return fmt.Errorf("failed to delete %s %d: %w", r.name, id, err)
	}
	return nil
}

func (r *Resource[T]) path(id int64) string {
	return fmt.Sprintf("%s/%d", r.itemPath, id)
}

// PageResult is one page of an admin table
type PageResult struct {
	Rows       interface{} `json:"rows"`
	Page       int         `json:"page"`
	TotalPages int         `json:"total_pages"`
	TotalRows  int         `json:"total_rows"`
}

// Page returns the 1-based page of rows. Pages past the end are empty.
func Page[T any](rows []T, page, size int) ([]T, int) {
	if size <= 0 {
		size = DefaultPageSize
	}
	totalPages := (len(rows) + size - 1) / size
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(rows) {
		return []T{}, totalPages
	}
	end := start + size
	if end > len(rows) {
		end = len(rows)
	}
	return rows[start:end], totalPages
}

// Table is the loaded rows of one admin screen
type Table[T any] struct {
	resource *Resource[T]
	rows     []T
	pageSize int
}

// NewTable creates an empty table over resource
func NewTable[T any](resource *Resource[T], pageSize int) *Table[T] {
	return &Table[T]{resource: resource, pageSize: pageSize}
}

// Load replaces the rows with a fresh listing
func (t *Table[T]) Load(ctx context.Context, query string) error {
	rows, err := t.resource.List(ctx, query)
	if err != nil {
		return err
	}
	t.rows = rows
	return nil
}

// Rows returns every loaded row
func (t *Table[T]) Rows() []T {
	return t.rows
}

// Page returns one page of the loaded rows
func (t *Table[T]) Page(page int) *PageResult {
	rows, total := Page(t.rows, page, t.pageSize)
	if page < 1 {
		page = 1
	}
	return &PageResult{Rows: rows, Page: page, TotalPages: total, TotalRows: len(t.rows)}
}

// Delete removes the record upstream, then from the table. A failed delete
// leaves the table untouched.
func (t *Table[T]) Delete(ctx context.Context, id int64) error {
	if err := t.resource.Delete(ctx, id); err != nil {
		return err
	}
	kept := t.rows[:0]
	for i := range t.rows {
		if t.resource.idOf(&t.rows[i]) != id {
			kept = append(kept, t.rows[i])
		}
	}
	t.rows = kept
	return nil
}

// Screen is a resource with its record type erased, for routing by name
type Screen interface {
	Name() string
	ListPage(ctx context.Context, query string, page int) (*PageResult, error)
	GetRecord(ctx context.Context, id int64) (interface{}, error)
	SaveRecord(ctx context.Context, id int64, payload []byte) (interface{}, error)
	DeleteRecord(ctx context.Context, id int64, page int) (*PageResult, error)
}

type screen[T any] struct {
	*Resource[T]
	pageSize int
}

func (s *screen[T]) ListPage(ctx context.Context, query string, page int) (*PageResult, error) {
	table := NewTable(s.Resource, s.pageSize)
	if err := table.Load(ctx, query); err != nil {
		return nil, err
	}
	return table.Page(page), nil
}

func (s *screen[T]) GetRecord(ctx context.Context, id int64) (interface{}, error) {
	return s.Get(ctx, id)
}

func (s *screen[T]) SaveRecord(ctx context.Context, id int64, payload []byte) (interface{}, error) {
	var row T
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, &ValidationError{Fields: map[string]string{"body": "Invalid " + s.name + " payload"}}
	}
	return s.Save(ctx, id, &row)
}

func (s *screen[T]) DeleteRecord(ctx context.Context, id int64, page int) (*PageResult, error) {
	table := NewTable(s.Resource, s.pageSize)
	if err := table.Load(ctx, ""); err != nil {
		return nil, err
	}
	if err := table.Delete(ctx, id); err != nil {
		return nil, err
	}
	return table.Page(page), nil
}

// Debouncer lets only the latest of a burst of calls per key through. A call
// waits for the window; if a newer call for the same key arrived meanwhile it
// fails with ErrSuperseded.
type Debouncer struct {
	window time.Duration

	mu      sync.Mutex
	seq     uint64
	pending map[string]uint64
}

// NewDebouncer creates a debouncer with the given quiet window
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]uint64),
	}
}

// Wait blocks for the window and reports whether this call is still the
// latest for key
func (d *Debouncer) Wait(ctx context.Context, key string) error {
	d.mu.Lock()
	d.seq++
	ticket := d.seq
	d.pending[key] = ticket
	d.mu.Unlock()

	timer := time.NewTimer(d.window)
	defer timer.Stop()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[key] != ticket {
		return ErrSuperseded
	}
	delete(d.pending, key)
	return err
}

// Dashboard is the admin landing data
type Dashboard struct {
	Products   []models.Product  `json:"products"`
	Users      []models.User     `json:"users"`
	Categories []models.Category `json:"categories"`
	Orders     []models.Order    `json:"orders"`
	Accounts   []models.Account  `json:"accounts"`
}

// AdminService routes admin screens by resource name
type AdminService struct {
	screens  map[string]Screen
	debounce *Debouncer
	logger   *zap.Logger

	products   *Resource[models.Product]
	users      *Resource[models.User]
	categories *Resource[models.Category]
	orders     *Resource[models.Order]
	accounts   *Resource[models.Account]
}

// NewAdminService registers every admin resource
func NewAdminService(client Doer, debounce time.Duration, pageSize int) *AdminService {
	s := &AdminService{
		screens:  make(map[string]Screen),
		debounce: NewDebouncer(debounce),
		logger:   util.GetLogger(),

		products: NewResource(client, "products", "/api/products", "/api/products", "product",
			func(p *models.Product) int64 { return p.ID }),
		users: NewResource(client, "users", "/api/getalluser", "/api/users", "user",
			func(u *models.User) int64 { return u.ID }),
		categories: NewResource(client, "categories", "/api/categories", "/api/categories", "category",
			func(c *models.Category) int64 { return c.ID }),
		orders: NewResource(client, "orders", "/api/orders", "/api/orders", "order",
			func(o *models.Order) int64 { return o.ID }),
		accounts: NewResource(client, "accounts", "/api/accounts", "/api/accounts", "account",
			func(a *models.Account) int64 { return a.ID }),
	}

	register(s, pageSize, s.products)
	register(s, pageSize, s.users)
	register(s, pageSize, s.categories)
	register(s, pageSize, s.orders)
	register(s, pageSize, s.accounts)
	register(s, pageSize, NewResource(client, "payments", "/api/payments", "/api/payments", "payment",
		func(p *models.Payment) int64 { return p.ID }))
	register(s, pageSize, NewResource(client, "transactions", "/api/transactions", "/api/transactions", "transaction",
		func(t *models.Transaction) int64 { return t.ID }))
	register(s, pageSize, NewResource(client, "audit-logs", "/api/audit-logs", "/api/audit-logs", "audit_log",
		func(a *models.AuditLog) int64 { return a.ID }))
	register(s, pageSize, NewResource(client, "roles", "/api/roles", "/api/roles", "role",
		func(r *models.Role) int64 { return r.ID }))

	return s
}

func register[T any](s *AdminService, pageSize int, r *Resource[T]) {
	s.screens[r.Name()] = &screen[T]{Resource: r, pageSize: pageSize}
}

// Screen returns the screen registered under name
func (s *AdminService) Screen(name string) (Screen, error) {
	sc, ok := s.screens[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	return sc, nil
}

// Resources lists the registered screen names
func (s *AdminService) Resources() []string {
	names := make([]string, 0, len(s.screens))
	for name := range s.screens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Search lists one page of a resource. Searches typed in quick succession by
// the same session collapse into the last one.
func (s *AdminService) Search(ctx context.Context, sid, resource, query string, page int) (*PageResult, error) {
	sc, err := s.Screen(resource)
	if err != nil {
		return nil, err
	}

	if query != "" {
		if err := s.debounce.Wait(ctx, sid+":"+resource); err != nil {
			return nil, err
		}
	}
	return sc.ListPage(util.WithSessionID(ctx, sid), query, page)
}

// Dashboard loads the landing data concurrently; any failure fails the load
func (s *AdminService) Dashboard(ctx context.Context, sid string) (*Dashboard, error) {
	ctx = util.WithSessionID(ctx, sid)
	ctx, span := util.StartSpan(ctx, "AdminService.Dashboard")
	defer span.End()

	var d Dashboard
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		d.Products, err = s.products.List(gctx, "")
		return err
	})
	g.Go(func() (err error) {
		d.Users, err = s.users.List(gctx, "")
		return err
	})
	g.Go(func() (err error) {
		d.Categories, err = s.categories.List(gctx, "")
		return err
	})
	g.Go(func() (err error) {
		d.Orders, err = s.orders.List(gctx, "")
		return err
	})
	g.Go(func() (err error) {
		d.Accounts, err = s.accounts.List(gctx, "")
		return err
	})

	if err := g.Wait(); err != nil {
		util.RecordError(span, err)
		s.logger.Error("Failed to load admin dashboard", zap.Error(err))
		return nil, err
	}
	return &d, nil
}
