package api

import (
	"net/http"
	"strconv"

	"storefront/internal/models"

	"github.com/gin-gonic/gin"
)

func (h *Handler) adminResources(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"resources": h.admin.Resources()})
}

func (h *Handler) adminDashboard(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	d, err := h.admin.Dashboard(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) adminRevenue(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	revenue, err := h.catalog.Revenue(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if revenue == nil {
		revenue = []models.Revenue{}
	}
	c.JSON(http.StatusOK, gin.H{"revenue": revenue})
}

// adminList serves one page of a resource table, optionally searched
func (h *Handler) adminList(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))

	result, err := h.admin.Search(c.Request.Context(), sessionID(c), c.Param("resource"), c.Query("q"), page)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) adminGet(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	screen, err := h.admin.Screen(c.Param("resource"))
	if err != nil {
		h.fail(c, err)
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	record, err := screen.GetRecord(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) adminCreate(c *gin.Context) {
	h.adminSave(c, 0)
}

func (h *Handler) adminUpdate(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	h.adminSave(c, id)
}

func (h *Handler) adminSave(c *gin.Context, id int64) {
	if !h.requireLogin(c) {
		return
	}
	screen, err := h.admin.Screen(c.Param("resource"))
	if err != nil {
		h.fail(c, err)
		return
	}

	payload, err := c.GetRawData()
	if err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	record, err := screen.SaveRecord(c.Request.Context(), id, payload)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusOK
	if id == 0 {
		status = http.StatusCreated
	}
	c.JSON(status, record)
}

// adminDelete removes a record and returns the refreshed page it was on
func (h *Handler) adminDelete(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	screen, err := h.admin.Screen(c.Param("resource"))
	if err != nil {
		h.fail(c, err)
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))

	result, err := screen.DeleteRecord(c.Request.Context(), id, page)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
