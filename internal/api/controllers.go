package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"signal-router/pkg/db"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":        s.Meta.Version,
		"mock_mode":      s.Meta.MockMode,
		"testnet":        s.Meta.Testnet,
		"started_at":     s.Meta.StartedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.Meta.StartedAt).Seconds()),
		"db_path":        s.Meta.DBPath,
		"webhook_path":   s.Meta.WebhookPath,
		"events_dropped": s.Bus.Dropped(),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getStrategies lists configured strategies. Webhook tokens never leave the
// server.
func (s *Server) getStrategies(c *gin.Context) {
	strategies, err := s.Store.ListStrategies(c.Request.Context())
	if err != nil {
		log.Printf("[api] list strategies: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load strategies"})
		return
	}

	out := make([]gin.H, 0, len(strategies))
	for _, st := range strategies {
		out = append(out, gin.H{
			"id":          st.ID,
			"group_name":  st.GroupName,
			"market_type": st.MarketType,
			"enabled":     st.Enabled,
			"created_at":  st.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out, "count": len(out)})
}

// getAccounts lists accounts with their routing eligibility. Credentials
// never leave the server.
func (s *Server) getAccounts(c *gin.Context) {
	accounts, err := s.Store.ListAccounts(c.Request.Context())
	if err != nil {
		log.Printf("[api] list accounts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load accounts"})
		return
	}

	out := make([]gin.H, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, gin.H{
			"id":         a.ID,
			"name":       a.Name,
			"exchange":   a.Exchange,
			"market":     a.Market,
			"testnet":    a.Testnet,
			"is_active":  a.IsActive,
			"updated_at": a.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out, "count": len(out)})
}

// enableAccount puts an account back into routing after an auth quarantine.
func (s *Server) enableAccount(c *gin.Context) {
	id := c.Param("id")
	if err := s.Store.SetAccountActive(c.Request.Context(), id, true); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		log.Printf("[api] enable account %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enable account"})
		return
	}
	log.Printf("[api] account %s re-enabled", id)
	c.JSON(http.StatusOK, gin.H{"account_id": id, "is_active": true})
}

func (s *Server) getOrders(c *gin.Context) {
	limit := queryLimit(c, 100)
	orders, err := s.Store.ListRecentOrders(c.Request.Context(), limit)
	if err != nil {
		log.Printf("[api] list orders: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load orders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.Store.ListPositions(c.Request.Context(), c.Query("strategy_id"))
	if err != nil {
		log.Printf("[api] list positions: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load positions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) getTrades(c *gin.Context) {
	limit := queryLimit(c, 100)
	trades, err := s.Store.ListRecentTrades(c.Request.Context(), limit)
	if err != nil {
		log.Printf("[api] list trades: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load trades"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) getFailedOrders(c *gin.Context) {
	limit := queryLimit(c, 100)
	failed, err := s.Store.ListFailedOrders(c.Request.Context(), limit)
	if err != nil {
		log.Printf("[api] list failed orders: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load failed orders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"failed_orders": failed, "count": len(failed)})
}

func queryLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}
