package api

import (
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"kabu-trader/internal/models"
	"kabu-trader/internal/security"
	"kabu-trader/internal/trading"
)

type handlers struct {
	engine Engine
}

type accountRequest struct {
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	Password string `json:"password"`
	Active   *bool  `json:"active"`
}

// accountView never carries the password itself.
type accountView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url"`
	Password  string    `json:"password_masked"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h *handlers) saveAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	id, err := h.engine.SaveAccount(c.Request.Context(), req.Name, req.BaseURL, req.Password, active)
	if err != nil {
		Handle(c, err)
		return
	}
	Created(c, gin.H{"id": id})
}

func (h *handlers) activeAccount(c *gin.Context) {
	acct, err := h.engine.LoadAccount(c.Request.Context())
	if err != nil {
		Handle(c, err)
		return
	}
	Success(c, accountView{
		ID:        acct.ID,
		Name:      acct.Name,
		BaseURL:   acct.BaseURL,
		Password:  security.MaskCredential(acct.Password),
		IsActive:  acct.IsActive,
		UpdatedAt: acct.UpdatedAt,
	})
}

func (h *handlers) submit(c *gin.Context) {
	var sub trading.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		BadRequest(c, err.Error())
		return
	}
	job, err := h.engine.SubmitOrders(c.Request.Context(), sub)
	if err != nil {
		Handle(c, err)
		return
	}
	Created(c, gin.H{"job_id": job.ID, "code": job.Code, "status": job.Status})
}

func (h *handlers) clear(c *gin.Context) {
	n, err := h.engine.ClearOrders(c.Request.Context())
	if err != nil {
		Handle(c, err)
		return
	}
	Success(c, gin.H{"cancelled": n})
}

func itemID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(c, "item id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *handlers) closeItem(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	if err := h.engine.ManualClose(c.Request.Context(), id); err != nil {
		Handle(c, err)
		return
	}
	Success(c, gin.H{"item_id": id})
}

func (h *handlers) cancelItem(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	if err := h.engine.CancelScheduled(c.Request.Context(), id); err != nil {
		Handle(c, err)
		return
	}
	Success(c, gin.H{"item_id": id})
}

func (h *handlers) lookup(c *gin.Context) {
	ex, err := models.ParseExchange(c.Query("exchange"))
	if err != nil {
		BadRequest(c, err.Error())
		return
	}
	info, err := h.engine.LookupSymbol(c.Request.Context(), security.NormalizeSymbol(c.Param("code")), ex)
	if err != nil {
		Handle(c, err)
		return
	}
	Success(c, info)
}

func (h *handlers) events(c *gin.Context) {
	var jobID int64
	if s := c.Query("job"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			BadRequest(c, "job must be an integer")
			return
		}
		jobID = n
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		BadRequest(c, "limit must be a positive integer")
		return
	}
	events, err := h.engine.Events(c.Request.Context(), jobID, limit)
	if err != nil {
		Handle(c, err)
		return
	}
	Success(c, events)
}

func (h *handlers) tick(c *gin.Context) {
	report, err := h.engine.Tick(c.Request.Context())
	if err != nil {
		Handle(c, err)
		return
	}
	Success(c, report)
}

func (h *handlers) status(c *gin.Context) {
	update, err := h.engine.Status(c.Request.Context())
	if err != nil {
		Handle(c, err)
		return
	}
	Success(c, update)
}

// stream pushes every status update as a server-sent event until the
// client goes away.
func (h *handlers) stream(c *gin.Context) {
	updates, cancel := h.engine.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case u, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("status", u)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
