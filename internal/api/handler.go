package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"storefront/internal/apiclient"
	"storefront/internal/models"
	"storefront/internal/service"
	"storefront/internal/util"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	sidKey     = "sid"
	sessionKey = "session"
	sidMaxAge  = 365 * 24 * 60 * 60
)

// Sessions is the auth session store seen by the HTTP layer
type Sessions interface {
	Current(ctx context.Context, sid string) (*service.Session, error)
	Login(ctx context.Context, sid, email, password string) (*service.Session, error)
	Register(ctx context.Context, sid string, req *apiclient.RegisterRequest) (*service.Session, error)
	Logout(ctx context.Context, sid string) error
	Invalidate(ctx context.Context, sid string) (*service.Session, error)
}

// Catalog is the read side of the storefront API
type Catalog interface {
	ListProducts(ctx context.Context) ([]models.Product, error)
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	SearchProducts(ctx context.Context, query string) ([]models.Product, error)
	TopSelling(ctx context.Context) ([]models.Product, error)
	ListCategories(ctx context.Context) ([]models.Category, error)
	Feedbacks(ctx context.Context, productID int64) ([]models.Feedback, error)
	CreateFeedback(ctx context.Context, feedback *models.Feedback) error
	Revenue(ctx context.Context) ([]models.Revenue, error)
}

// Cart is the browser cart
type Cart interface {
	View(ctx context.Context, sid string) (*service.CartView, error)
	Add(ctx context.Context, sid string, product *models.Product, quantity int) (*service.CartView, error)
	ChangeQuantity(ctx context.Context, sid string, index, quantity int) (*service.CartView, error)
	Remove(ctx context.Context, sid string, index int) (*service.CartView, error)
	Clear(ctx context.Context, sid string) error
}

// Checkout drives order placement and payment
type Checkout interface {
	Current(ctx context.Context, sid string) (*models.Checkout, error)
	PlaceOrder(ctx context.Context, sid string) (*service.CheckoutResult, error)
	SubmitPayment(ctx context.Context, sid string, details service.PaymentDetails) (*service.CheckoutResult, error)
	ConfirmTransfer(ctx context.Context, sid string) (*service.CheckoutResult, error)
	History(ctx context.Context, sid string) ([]models.Order, error)
	CancelOrder(ctx context.Context, sid string, orderID int64) error
}

// PaymentStream hands out realtime payment subscriptions
type PaymentStream interface {
	Subscribe(ctx context.Context, orderID int64) *service.Subscription
}

// Admin routes the back-office screens
type Admin interface {
	Screen(name string) (service.Screen, error)
	Resources() []string
	Search(ctx context.Context, sid, resource, query string, page int) (*service.PageResult, error)
	Dashboard(ctx context.Context, sid string) (*service.Dashboard, error)
}

// Options tune the HTTP surface
type Options struct {
	CookieName     string
	SecureCookie   bool
	AllowedOrigins []string
	ReadyChecks    map[string]func(context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	sessions Sessions
	catalog  Catalog
	cart     Cart
	checkout Checkout
	payments PaymentStream
	admin    Admin
	opts     Options
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	sessions Sessions,
	catalog Catalog,
	cart Cart,
	checkout Checkout,
	payments PaymentStream,
	admin Admin,
	opts Options,
) *Handler {
	if opts.CookieName == "" {
		opts.CookieName = "sid"
	}
	return &Handler{
		sessions: sessions,
		catalog:  catalog,
		cart:     cart,
		checkout: checkout,
		payments: payments,
		admin:    admin,
		opts:     opts,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())
	corsConfig := cors.Config{
		AllowOrigins:     h.opts.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", h.sessionMiddleware())
	{
		v1.GET("/session", h.getSession)
		v1.POST("/session/login", h.login)
		v1.POST("/session/register", h.register)
		v1.POST("/session/logout", h.logout)

		v1.GET("/products", h.listProducts)
		v1.GET("/products/:id", h.getProduct)
		v1.GET("/products/:id/feedbacks", h.listFeedbacks)
		v1.POST("/products/:id/feedbacks", h.createFeedback)
		v1.GET("/categories", h.listCategories)

		v1.GET("/cart", h.getCart)
		v1.POST("/cart/items", h.addCartItem)
		v1.PATCH("/cart/items/:index", h.changeCartItem)
		v1.DELETE("/cart/items/:index", h.removeCartItem)
		v1.DELETE("/cart", h.clearCart)

		v1.GET("/checkout", h.getCheckout)
		v1.POST("/checkout/order", h.placeOrder)
		v1.POST("/checkout/payment", h.submitPayment)
		v1.POST("/checkout/confirm-transfer", h.confirmTransfer)

		v1.GET("/orders", h.orderHistory)
		v1.POST("/orders/:id/cancel", h.cancelOrder)

		v1.GET("/payments/stream", h.paymentStream)

		admin := v1.Group("/admin")
		admin.GET("", h.adminResources)
		admin.GET("/dashboard", h.adminDashboard)
		admin.GET("/revenue", h.adminRevenue)
		admin.GET("/:resource", h.adminList)
		admin.GET("/:resource/:id", h.adminGet)
		admin.POST("/:resource", h.adminCreate)
		admin.PUT("/:resource/:id", h.adminUpdate)
		admin.DELETE("/:resource/:id", h.adminDelete)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports whether every backing store answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.opts.ReadyChecks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// sessionMiddleware assigns the browser its sid cookie and restores the
// session behind it
func (h *Handler) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sid, err := c.Cookie(h.opts.CookieName)
		if err != nil || !validSID(sid) {
			sid = uuid.NewString()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(h.opts.CookieName, sid, sidMaxAge, "/", "", h.opts.SecureCookie, true)
		}

		c.Set(sidKey, sid)
		c.Request = c.Request.WithContext(util.WithSessionID(c.Request.Context(), sid))

		sess, err := h.sessions.Current(c.Request.Context(), sid)
		if err != nil {
			h.fail(c, err)
			c.Abort()
			return
		}
		c.Set(sessionKey, sess)
		c.Next()
	}
}

func validSID(sid string) bool {
	_, err := uuid.Parse(sid)
	return err == nil
}

func sessionID(c *gin.Context) string {
	return c.GetString(sidKey)
}

func currentSession(c *gin.Context) *service.Session {
	if v, ok := c.Get(sessionKey); ok {
		if sess, ok := v.(*service.Session); ok {
			return sess
		}
	}
	return &service.Session{ID: sessionID(c)}
}

// requireLogin aborts with 401 for anonymous sessions
func (h *Handler) requireLogin(c *gin.Context) bool {
	if currentSession(c).LoggedIn {
		return true
	}
	h.fail(c, service.ErrUnauthenticated)
	return false
}

func (h *Handler) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, currentSession(c))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	sess, err := h.sessions.Login(c.Request.Context(), sessionID(c), req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) register(c *gin.Context) {
	var req apiclient.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	sess, err := h.sessions.Register(c.Request.Context(), sessionID(c), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) logout(c *gin.Context) {
	if err := h.sessions.Logout(c.Request.Context(), sessionID(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, &service.Session{ID: sessionID(c)})
}

func (h *Handler) listProducts(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		products []models.Product
		err      error
	)
	switch {
	case c.Query("q") != "":
		products, err = h.catalog.SearchProducts(ctx, c.Query("q"))
	case c.Query("top") == "true":
		products, err = h.catalog.TopSelling(ctx)
	default:
		products, err = h.catalog.ListProducts(ctx)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	if products == nil {
		products = []models.Product{}
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) getProduct(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	product, err := h.catalog.GetProduct(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) listFeedbacks(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	feedbacks, err := h.catalog.Feedbacks(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if feedbacks == nil {
		feedbacks = []models.Feedback{}
	}
	c.JSON(http.StatusOK, gin.H{"feedbacks": feedbacks})
}

func (h *Handler) createFeedback(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var feedback models.Feedback
	if err := c.ShouldBindJSON(&feedback); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	feedback.ProductID = id
	if user := currentSession(c).User; user != nil {
		feedback.UserID = user.ID
	}

	if err := h.catalog.CreateFeedback(c.Request.Context(), &feedback); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, feedback)
}

func (h *Handler) listCategories(c *gin.Context) {
	categories, err := h.catalog.ListCategories(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if categories == nil {
		categories = []models.Category{}
	}
	c.JSON(http.StatusOK, gin.H{"categories": categories})
}

func (h *Handler) getCart(c *gin.Context) {
	view, err := h.cart.View(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type addItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity"`
}

func (h *Handler) addCartItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 1 {
		h.fail(c, service.ErrInvalidQuantity)
		return
	}

	ctx := c.Request.Context()
	product, err := h.catalog.GetProduct(ctx, req.ProductID)
	if err != nil {
		h.fail(c, err)
		return
	}

	view, err := h.cart.Add(ctx, sessionID(c), product, req.Quantity)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type changeItemRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) changeCartItem(c *gin.Context) {
	index, ok := pathIndex(c)
	if !ok {
		return
	}
	var req changeItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	view, err := h.cart.ChangeQuantity(c.Request.Context(), sessionID(c), index, req.Quantity)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) removeCartItem(c *gin.Context) {
	index, ok := pathIndex(c)
	if !ok {
		return
	}
	view, err := h.cart.Remove(c.Request.Context(), sessionID(c), index)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) clearCart(c *gin.Context) {
	if err := h.cart.Clear(c.Request.Context(), sessionID(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, &service.CartView{Items: []models.CartItem{}})
}

func (h *Handler) getCheckout(c *gin.Context) {
	checkout, err := h.checkout.Current(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkout": checkout})
}

func (h *Handler) placeOrder(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	res, err := h.checkout.PlaceOrder(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) submitPayment(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	var details service.PaymentDetails
	if err := c.ShouldBindJSON(&details); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	res, err := h.checkout.SubmitPayment(c.Request.Context(), sessionID(c), details)
	if err != nil {
		h.failWith(c, err, partialResult(res))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) confirmTransfer(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	res, err := h.checkout.ConfirmTransfer(c.Request.Context(), sessionID(c))
	if err != nil {
		h.failWith(c, err, partialResult(res))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) orderHistory(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	orders, err := h.checkout.History(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) cancelOrder(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.checkout.CancelOrder(c.Request.Context(), sessionID(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "status": models.OrderStatusCancelled})
}

func partialResult(res *service.CheckoutResult) interface{} {
	if res == nil {
		return nil
	}
	return res
}

// fail renders err with the status its kind maps to
func (h *Handler) fail(c *gin.Context, err error) {
	h.failWith(c, err, nil)
}

// failWith renders err; a non-nil partial result is included so the UI can
// keep showing what it needs (transfer instructions after a failed
// confirmation, for instance)
func (h *Handler) failWith(c *gin.Context, err error, partial interface{}) {
	status, body := h.describe(c, err)
	if partial != nil {
		body["result"] = partial
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("sid", sessionID(c)),
			zap.Error(err))
	}
	c.JSON(status, body)
}

func (h *Handler) describe(c *gin.Context, err error) (int, gin.H) {
	var (
		verr     *service.ValidationError
		adjusted *service.CartAdjustedError
		apiErr   *apiclient.APIError
	)

	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, gin.H{"error": verr.Error(), "fields": verr.Fields}

	case errors.As(err, &adjusted):
		return http.StatusConflict, gin.H{"error": adjusted.Error(), "cart": adjusted.Cart}

	case errors.Is(err, apiclient.ErrUnauthorized):
		if sid := sessionID(c); sid != "" {
			if _, ierr := h.sessions.Invalidate(c.Request.Context(), sid); ierr != nil {
				h.logger.Warn("Failed to clear rejected session", zap.String("sid", sid), zap.Error(ierr))
			}
		}
		return http.StatusUnauthorized, gin.H{"error": "Your session has expired, please log in again"}

	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized, gin.H{"error": service.ErrUnauthenticated.Error()}

	case errors.Is(err, service.ErrInvalidQuantity), errors.Is(err, service.ErrEmptyCart):
		return http.StatusBadRequest, gin.H{"error": rootMessage(err)}

	case errors.Is(err, service.ErrItemNotFound),
		errors.Is(err, service.ErrUnknownResource),
		errors.Is(err, apiclient.ErrNotFound):
		return http.StatusNotFound, gin.H{"error": "Not found"}

	case errors.Is(err, service.ErrSuperseded),
		errors.Is(err, service.ErrCheckoutBusy),
		errors.Is(err, service.ErrNoOrder):
		return http.StatusConflict, gin.H{"error": rootMessage(err)}

	case errors.Is(err, service.ErrOrderCreation):
		return http.StatusBadGateway, gin.H{"error": service.ErrOrderCreation.Error()}
	case errors.Is(err, service.ErrPaymentSubmission):
		return http.StatusBadGateway, gin.H{"error": service.ErrPaymentSubmission.Error()}
	case errors.Is(err, service.ErrTransferConfirmation):
		return http.StatusBadGateway, gin.H{"error": service.ErrTransferConfirmation.Error()}

	case errors.As(err, &apiErr):
		if apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusUnprocessableEntity {
			return http.StatusBadRequest, gin.H{"error": apiErr.Message}
		}
		return http.StatusBadGateway, gin.H{"error": "The store is unavailable, please try again"}
	}

	return http.StatusInternalServerError, gin.H{"error": "Internal server error"}
}

// rootMessage is the message of the innermost error
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func badRequest(c *gin.Context, msg string, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}

func pathIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid item index"})
		return 0, false
	}
	return index, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
