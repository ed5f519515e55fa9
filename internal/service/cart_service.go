package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"storefront/internal/apiclient"
	"storefront/internal/models"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// CartStorageKey is the local storage entry holding the cart
const CartStorageKey = "cart"

var (
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrItemNotFound    = errors.New("cart item not found")
)

// LocalStorage is the browser local storage area, scoped by session id
type LocalStorage interface {
	GetItem(ctx context.Context, sid, key string) (string, bool, error)
	SetItem(ctx context.Context, sid, key, value string) error
	RemoveItem(ctx context.Context, sid, key string) error
}

// StockChecker confirms a quantity against server inventory
type StockChecker interface {
	CheckStock(ctx context.Context, productID int64, quantity int) (*models.StockCheck, error)
}

// CartView is the cart after a mutation, with a user-facing notice when a
// quantity had to be clamped to stock
type CartView struct {
	Items  []models.CartItem `json:"items"`
	Total  int64             `json:"total"`
	Notice string            `json:"notice,omitempty"`
}

// CartService manages the browser cart
type CartService struct {
	storage LocalStorage
	stock   StockChecker
	logger  *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(storage LocalStorage, stock StockChecker) *CartService {
	return &CartService{
		storage: storage,
		stock:   stock,
		logger:  util.GetLogger(),
	}
}

// Items returns the stored cart
func (s *CartService) Items(ctx context.Context, sid string) ([]models.CartItem, error) {
	raw, ok, err := s.storage.GetItem(ctx, sid, CartStorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read cart: %w", err)
	}
	if !ok || raw == "" {
		return []models.CartItem{}, nil
	}

	var items []models.CartItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		s.logger.Warn("Discarding unreadable cart", zap.String("sid", sid), zap.Error(err))
		return []models.CartItem{}, nil
	}
	for i := range items {
		items[i].Recalculate()
	}
	return items, nil
}

// View returns the stored cart with its total
func (s *CartService) View(ctx context.Context, sid string) (*CartView, error) {
	items, err := s.Items(ctx, sid)
	if err != nil {
		return nil, err
	}
	return &CartView{Items: items, Total: CartTotal(items)}, nil
}

// Add puts quantity units of a product in the cart, merging with an existing
// line for the same product
func (s *CartService) Add(ctx context.Context, sid string, product *models.Product, quantity int) (*CartView, error) {
	ctx = util.WithSessionID(ctx, sid)
	ctx, span := util.StartSpan(ctx, "CartService.Add")
	defer span.End()

	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	items, err := s.Items(ctx, sid)
	if err != nil {
		return nil, err
	}

	index := -1
	for i := range items {
		if items[i].ProductID == product.ID {
			index = i
			break
		}
	}

	requested := quantity
	if index >= 0 {
		requested += items[index].Quantity
	}

	granted, notice, err := s.reserve(ctx, product.ID, product.Name, requested)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	switch {
	case index >= 0 && granted == 0:
		items = append(items[:index], items[index+1:]...)
	case index >= 0:
		items[index].Quantity = granted
		items[index].Price = product.Price
		items[index].Recalculate()
	case granted > 0:
		item := models.CartItem{
			ProductID: product.ID,
			Name:      product.Name,
			Price:     product.Price,
			Quantity:  granted,
		}
		item.Recalculate()
		items = append(items, item)
	}

	util.CartMutationsTotal.WithLabelValues("add").Inc()
	return s.persist(ctx, sid, items, notice)
}

// ChangeQuantity sets the quantity of the line at index
func (s *CartService) ChangeQuantity(ctx context.Context, sid string, index, quantity int) (*CartView, error) {
	ctx = util.WithSessionID(ctx, sid)
	ctx, span := util.StartSpan(ctx, "CartService.ChangeQuantity")
	defer span.End()

	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	items, err := s.Items(ctx, sid)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(items) {
		return nil, ErrItemNotFound
	}

	granted, notice, err := s.reserve(ctx, items[index].ProductID, items[index].Name, quantity)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if granted == 0 {
		items = append(items[:index], items[index+1:]...)
	} else {
		items[index].Quantity = granted
		items[index].Recalculate()
	}

	util.CartMutationsTotal.WithLabelValues("change").Inc()
	return s.persist(ctx, sid, items, notice)
}

// Remove drops the line at index
func (s *CartService) Remove(ctx context.Context, sid string, index int) (*CartView, error) {
	items, err := s.Items(ctx, sid)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(items) {
		return nil, ErrItemNotFound
	}

	items = append(items[:index], items[index+1:]...)

	util.CartMutationsTotal.WithLabelValues("remove").Inc()
	return s.persist(ctx, sid, items, "")
}

// Clear empties the cart
func (s *CartService) Clear(ctx context.Context, sid string) error {
	if err := s.storage.RemoveItem(ctx, sid, CartStorageKey); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	util.CartMutationsTotal.WithLabelValues("clear").Inc()
	return nil
}

// Revalidate re-checks every line against current stock, clamping or dropping
// lines that can no longer be covered. Checkout runs it before ordering.
func (s *CartService) Revalidate(ctx context.Context, sid string) (*CartView, error) {
	ctx = util.WithSessionID(ctx, sid)
	ctx, span := util.StartSpan(ctx, "CartService.Revalidate")
	defer span.End()

	items, err := s.Items(ctx, sid)
	if err != nil {
		return nil, err
	}

	kept := make([]models.CartItem, 0, len(items))
	var notices []string
	for _, item := range items {
		granted, notice, err := s.reserve(ctx, item.ProductID, item.Name, item.Quantity)
		if err != nil {
			util.RecordError(span, err)
			return nil, err
		}
		if notice != "" {
			notices = append(notices, notice)
		}
		if granted == 0 {
			continue
		}
		item.Quantity = granted
		item.Recalculate()
		kept = append(kept, item)
	}

	if len(notices) == 0 {
		return &CartView{Items: kept, Total: CartTotal(kept)}, nil
	}
	return s.persist(ctx, sid, kept, strings.Join(notices, "; "))
}

// reserve returns how many units may go in the cart. Insufficient stock is
// not an error: the quantity is clamped and a notice explains why.
func (s *CartService) reserve(ctx context.Context, productID int64, name string, quantity int) (int, string, error) {
	_, err := s.stock.CheckStock(ctx, productID, quantity)
	if err == nil {
		return quantity, "", nil
	}

	var stockErr *apiclient.StockError
	if !errors.As(err, &stockErr) {
		return 0, "", fmt.Errorf("stock check failed: %w", err)
	}

	util.CartStockClampsTotal.Inc()
	s.logger.Info("Clamping cart quantity to stock",
		zap.Int64("product_id", productID),
		zap.Int("requested", quantity),
		zap.Int("available", stockErr.Available))

	if stockErr.Available <= 0 {
		return 0, fmt.Sprintf("%s is out of stock", displayName(name, productID)), nil
	}
	granted := stockErr.Available
	if granted > quantity {
		granted = quantity
	}
	return granted, fmt.Sprintf("Only %d of %s left in stock", stockErr.Available, displayName(name, productID)), nil
}

func (s *CartService) persist(ctx context.Context, sid string, items []models.CartItem, notice string) (*CartView, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cart: %w", err)
	}
	if err := s.storage.SetItem(ctx, sid, CartStorageKey, string(data)); err != nil {
		return nil, fmt.Errorf("failed to save cart: %w", err)
	}
	return &CartView{Items: items, Total: CartTotal(items), Notice: notice}, nil
}

// CartTotal sums the line totals
func CartTotal(items []models.CartItem) int64 {
	var total int64
	for _, item := range items {
		total += item.Total
	}
	return total
}

func displayName(name string, productID int64) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("product %d", productID)
}
