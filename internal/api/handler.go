package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"go-certscraper/internal/scraper"
	"go-certscraper/internal/scraper/engine"
	"go-certscraper/pkg/models"
)

// Service is the part of the coordinator the API drives.
type Service interface {
	Scrape(ctx context.Context, cert string) (*engine.Result, error)
	Get(ctx context.Context, cert string) (*models.CoinRecord, error)
	List(ctx context.Context, q models.ListQuery) ([]models.CoinRecord, int, error)
	Delete(ctx context.Context, cert string) (bool, error)
}

type Handler struct {
	svc           Service
	scrapeTimeout time.Duration
}

func NewHandler(svc Service, scrapeTimeout time.Duration) *Handler {
	return &Handler{svc: svc, scrapeTimeout: scrapeTimeout}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/scrape", h.scrape)              // POST /api/scrape
	rg.GET("/coins", h.list)                  // GET /api/coins
	rg.GET("/coins/:cert", h.getByCert)       // GET /api/coins/:cert
	rg.DELETE("/coins/:cert", h.deleteByCert) // DELETE /api/coins/:cert
}

type scrapeRequest struct {
	CertNumber string `json:"cert_number"`
}

func (h *Handler) scrape(c *gin.Context) {
	var req scrapeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid", "message": "invalid json"})
		return
	}
	cert := strings.TrimSpace(req.CertNumber)
	if cert == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid", "message": "cert_number is required"})
		return
	}

	ctx := c.Request.Context()
	if h.scrapeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.scrapeTimeout)
		defer cancel()
	}

	res, err := h.svc.Scrape(ctx, cert)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"success":  true,
		"data":     res.Record,
		"warnings": res.Warnings,
		"attempts": res.Attempts,
	})
}

func (h *Handler) list(c *gin.Context) {
	q := models.ListQuery{
		Limit:  parseInt(c.Query("limit"), models.DefaultListLimit),
		Offset: parseInt(c.Query("offset"), 0),
		Grade:  c.Query("grade"),
	}.Normalized()

	coins, total, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"coins":  coins,
		"total":  total,
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}

func (h *Handler) getByCert(c *gin.Context) {
	rec, err := h.svc.Get(c.Request.Context(), c.Param("cert"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) deleteByCert(c *gin.Context) {
	cert := c.Param("cert")
	deleted, err := h.svc.Delete(c.Request.Context(), cert)
	if err != nil {
		writeError(c, err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": scraper.KindNotFound.String(), "message": "coin not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "deleted"})
}

// StatusFor maps an error kind onto an HTTP status.
func StatusFor(err error) int {
	switch scraper.KindOf(err) {
	case scraper.KindInvalid:
		return http.StatusBadRequest
	case scraper.KindNotFound:
		return http.StatusNotFound
	case scraper.KindBusy:
		return http.StatusConflict
	case scraper.KindNavigation, scraper.KindFetchTimeout, scraper.KindBlocked, scraper.KindAssetDownload:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	kind := scraper.KindOf(err).String()

	var se *scraper.Error
	if !errors.As(err, &se) {
		kind = "Internal"
	}
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "Request failed", "path", c.FullPath(), "status", status, "err", err)
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   kind,
		"message": err.Error(),
	})
}

func parseInt(s string, def int) int {
	if strings.TrimSpace(s) == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
