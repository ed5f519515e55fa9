package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"storefront/internal/apiclient"
	"storefront/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	method string
	path   string
}

// fakeDoer answers API calls from canned JSON responses keyed by
// "METHOD path"
type fakeDoer struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     []call
}

func newFakeDoer() *fakeDoer {
	return &fakeDoer{responses: make(map[string]string), errs: make(map[string]error)}
}

func (f *fakeDoer) Do(_ context.Context, method, path string, _, out interface{}, _ ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := method + " " + path
	f.calls = append(f.calls, call{method, path})
	if err := f.errs[key]; err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	body, ok := f.responses[key]
	if !ok {
		return nil
	}
	return json.Unmarshal([]byte(body), out)
}

func productRows(n int) string {
	rows := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, fmt.Sprintf(`{"id":%d,"name":"P%d","price":100}`, i, i))
	}
	return "[" + strings.Join(rows, ",") + "]"
}

func TestPage(t *testing.T) {
	rows := make([]int, 23)
	for i := range rows {
		rows[i] = i
	}

	first, total := Page(rows, 1, 10)
	assert.Equal(t, 3, total)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, first)

	last, _ := Page(rows, 3, 10)
	assert.Equal(t, []int{20, 21, 22}, last)

	past, _ := Page(rows, 4, 10)
	assert.Empty(t, past)

	clamped, _ := Page(rows, 0, 0)
	assert.Len(t, clamped, DefaultPageSize)

	_, total = Page([]int{}, 1, 10)
	assert.Zero(t, total)
}

func TestResourceSaveChoosesMethod(t *testing.T) {
	doer := newFakeDoer()
	doer.responses["POST /api/categories"] = `{"id":12,"name":"Hats"}`
	doer.responses["PUT /api/categories/12"] = `{"id":12,"name":"Caps"}`
	r := NewResource(doer, "categories", "/api/categories", "/api/categories", "category",
		func(c *models.Category) int64 { return c.ID })
	ctx := context.Background()

	created, err := r.Save(ctx, 0, &models.Category{Name: "Hats"})
	require.NoError(t, err)
	assert.Equal(t, int64(12), created.ID)

	updated, err := r.Save(ctx, 12, &models.Category{ID: 12, Name: "Caps"})
	require.NoError(t, err)
	assert.Equal(t, "Caps", updated.Name)

	assert.Equal(t, []call{
		{http.MethodPost, "/api/categories"},
		{http.MethodPut, "/api/categories/12"},
	}, doer.calls)
}

func TestResourceListEncodesSearch(t *testing.T) {
	doer := newFakeDoer()
	r := NewResource(doer, "products", "/api/products", "/api/products", "product",
		func(p *models.Product) int64 { return p.ID })

	rows, err := r.List(context.Background(), "red shirt")
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Equal(t, "/api/products?search=red+shirt", doer.calls[0].path)
}

func TestTableDeleteOnlyAfterSuccess(t *testing.T) {
	doer := newFakeDoer()
	doer.responses["GET /api/products"] = productRows(3)
	doer.errs["DELETE /api/products/2"] = &apiclient.APIError{Status: 500, Endpoint: "/api/products/:id"}
	r := NewResource(doer, "products", "/api/products", "/api/products", "product",
		func(p *models.Product) int64 { return p.ID })
	table := NewTable(r, 10)
	ctx := context.Background()

	require.NoError(t, table.Load(ctx, ""))
	require.Len(t, table.Rows(), 3)

	err := table.Delete(ctx, 2)
	require.Error(t, err)
	assert.Len(t, table.Rows(), 3)

	require.NoError(t, table.Delete(ctx, 3))
	require.Len(t, table.Rows(), 2)
	assert.Equal(t, int64(1), table.Rows()[0].ID)
	assert.Equal(t, int64(2), table.Rows()[1].ID)
}

func TestScreensAreRegisteredByName(t *testing.T) {
	svc := NewAdminService(newFakeDoer(), time.Millisecond, 10)

	assert.Equal(t, []string{
		"accounts", "audit-logs", "categories", "orders", "payments",
		"products", "roles", "transactions", "users",
	}, svc.Resources())

	_, err := svc.Screen("coupons")
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestScreenListPage(t *testing.T) {
	doer := newFakeDoer()
	doer.responses["GET /api/products"] = productRows(25)
	svc := NewAdminService(doer, time.Millisecond, 10)

	page, err := svc.Search(context.Background(), "s1", "products", "", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Page)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 25, page.TotalRows)
	assert.Len(t, page.Rows, 5)
}

func TestScreenSaveRejectsBadPayload(t *testing.T) {
	svc := NewAdminService(newFakeDoer(), time.Millisecond, 10)
	sc, err := svc.Screen("roles")
	require.NoError(t, err)

	_, err = sc.SaveRecord(context.Background(), 0, []byte(`{"id":"x"`))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestUsersListUsesAdminEndpoint(t *testing.T) {
	doer := newFakeDoer()
	svc := NewAdminService(doer, time.Millisecond, 10)
	sc, err := svc.Screen("users")
	require.NoError(t, err)

	_, err = sc.ListPage(context.Background(), "", 1)
	require.NoError(t, err)
	_, err = sc.GetRecord(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, "/api/getalluser", doer.calls[0].path)
	assert.Equal(t, "/api/users/3", doer.calls[1].path)
}

func TestDebouncerSupersedesOlderCall(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- d.Wait(ctx, "s1:products") }()
	time.Sleep(10 * time.Millisecond)

	other := make(chan error, 1)
	go func() { other <- d.Wait(ctx, "s2:products") }()

	require.NoError(t, d.Wait(ctx, "s1:products"))
	assert.ErrorIs(t, <-first, ErrSuperseded)
	assert.NoError(t, <-other)
}

func TestDebouncerHonoursContext(t *testing.T) {
	d := NewDebouncer(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := d.Wait(ctx, "k")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDashboardLoadsEverything(t *testing.T) {
	doer := newFakeDoer()
	doer.responses["GET /api/products"] = productRows(2)
	doer.responses["GET /api/getalluser"] = `[{"id":1,"name":"Lan","email":"lan@example.com"}]`
	doer.responses["GET /api/categories"] = `[{"id":1,"name":"Shirts"}]`
	doer.responses["GET /api/orders"] = `[{"id":1,"user_id":1,"total_amount":100,"status":"pending"}]`
	doer.responses["GET /api/accounts"] = `[{"id":1,"user_id":1,"email":"lan@example.com"}]`
	svc := NewAdminService(doer, time.Millisecond, 10)

	d, err := svc.Dashboard(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, d.Products, 2)
	assert.Len(t, d.Users, 1)
	assert.Len(t, d.Categories, 1)
	assert.Len(t, d.Orders, 1)
	assert.Len(t, d.Accounts, 1)
}

func TestDashboardFailsOnAnyError(t *testing.T) {
	doer := newFakeDoer()
	doer.errs["GET /api/orders"] = errBoom
	svc := NewAdminService(doer, time.Millisecond, 10)

	_, err := svc.Dashboard(context.Background(), "s1")
	assert.ErrorIs(t, err, errBoom)
}
