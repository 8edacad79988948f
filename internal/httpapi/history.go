package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"classattend/internal/attendance"
)

func (h *Handler) history(c *gin.Context) {
	sessions, err := h.svc.History(c.Request.Context(), profileFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if sessions == nil {
		sessions = []attendance.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) historyRecords(c *gin.Context) {
	records, err := h.svc.HistoryRecords(c.Request.Context(), profileFrom(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *Handler) amend(c *gin.Context) {
	var req struct {
		Disposition string `json:"disposition" binding:"required"`
		Reason      string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := attendance.ParseDisposition(req.Disposition)
	if err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.svc.AmendHistory(c.Request.Context(), profileFrom(c), c.Param("id"), c.Param("student"), d, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) deleteHistory(c *gin.Context) {
	if err := h.svc.DeleteHistory(c.Request.Context(), profileFrom(c), c.Param("id"), c.Query("reason")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteHistoryRecord(c *gin.Context) {
	err := h.svc.DeleteHistoryRecord(c.Request.Context(), profileFrom(c), c.Param("id"), c.Param("student"), c.Query("reason"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
