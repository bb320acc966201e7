// Package api exposes the HTTP surface: health, metrics, public round
// history and verification, the websocket upgrade, and the admin controls.
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evetabi/crash/internal/config"
	"github.com/evetabi/crash/internal/domain"
	"github.com/evetabi/crash/internal/fair"
	"github.com/evetabi/crash/internal/game"
	"github.com/evetabi/crash/internal/indexer"
	"github.com/evetabi/crash/internal/ledger"
	"github.com/evetabi/crash/internal/repository"
	"github.com/evetabi/crash/internal/service"
	"github.com/evetabi/crash/internal/ws"
)

// RouterDeps bundles every dependency needed to build the router.
// Populated once in main() and passed to SetupRouter.
type RouterDeps struct {
	Cfg      *config.Config
	Sched    *game.Scheduler
	Engine   *service.BalanceEngine
	Store    ledger.Store
	Rounds   *repository.RoundRepository
	Indexer  *indexer.Indexer // may be nil without chain access
	Solvency *service.SolvencyService
	Kill     *service.Switch
	Seeds    *fair.SeedRotator
	WS       *ws.Server
}

// SetupRouter creates and configures the Gin engine with all routes.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Cfg.IsProd() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// ── Operational surface ──────────────────────────────────────────────────
	r.GET("/health", healthHandler(deps))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ── Realtime ─────────────────────────────────────────────────────────────
	r.GET("/ws", func(c *gin.Context) {
		deps.WS.ServeWS(c.Writer, c.Request)
	})

	// ── Public API ───────────────────────────────────────────────────────────
	api := r.Group("/api")
	{
		api.GET("/rounds/recent", recentRoundsHandler(deps))
		api.GET("/rounds/:id/verify", verifyRoundHandler(deps))
	}

	// ── Authenticated API ────────────────────────────────────────────────────
	me := api.Group("/me")
	me.Use(userJWTMiddleware(deps.Cfg.Auth))
	{
		me.GET("/balance", balanceHandler(deps))
		me.GET("/ledger", ledgerHandler(deps))
		me.GET("/bets", myBetsHandler(deps))
	}

	// ── Admin ────────────────────────────────────────────────────────────────
	admin := r.Group("/admin")
	admin.Use(adminJWTMiddleware(deps.Cfg.Auth))
	{
		admin.GET("/solvency", solvencyHandler(deps))
		admin.POST("/users/:id/freeze", freezeHandler(deps, true))
		admin.POST("/users/:id/unfreeze", freezeHandler(deps, false))
		admin.POST("/kill_switch", killSwitchHandler(deps))
		admin.POST("/rotate_seed", rotateSeedHandler(deps))
	}

	return r
}

// ──────────────────────────────────────────────────────────────────────────────
// Handlers
// ──────────────────────────────────────────────────────────────────────────────

func healthHandler(deps RouterDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := gin.H{
			"status":      "ok",
			"round":       deps.Sched.Status(),
			"kill_switch": deps.Kill.Engaged(),
		}
		if deps.Indexer != nil {
			status["indexer_lag_blocks"] = deps.Indexer.LagBlocks()
		}
		if report := deps.Solvency.LastReport(); report != nil {
			status["solvency"] = report
			if report.DriftBaseUnits != "0" {
				status["status"] = "degraded"
			}
		}
		if deps.Kill.Engaged() {
			status["status"] = "paused"
		}
		c.JSON(http.StatusOK, status)
	}
}

func recentRoundsHandler(deps RouterDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		rounds, err := deps.Rounds.RecentRevealed(c.Request.Context(), deps.Cfg.Game.HistorySize)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rounds": rounds})
	}
}

// verifyRoundHandler recomputes a revealed round server-side, so a client
// without its own verifier can still check the house.
func verifyRoundHandler(deps RouterDeps) gin.HandlerFunc {
	params := fair.Params{
		EdgeBps:             deps.Cfg.Game.EdgeBps(),
		InstantCrashDivisor: deps.Cfg.Game.InstantCrashDivisor,
		MaxX100:             deps.Cfg.Game.MaxX100(),
	}
	return func(c *gin.Context) {
		roundID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid round id"})
			return
		}
		round, err := deps.Rounds.GetRound(c.Request.Context(), roundID)
		if err != nil || round.Phase != domain.PhaseRevealed {
			c.JSON(http.StatusNotFound, gin.H{"error": "round not revealed"})
			return
		}
		revealed := round.Reveal()
		if err := params.VerifyRound(revealed); err != nil {
			c.JSON(http.StatusOK, gin.H{"round": revealed, "valid": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"round": revealed, "valid": true})
	}
}

func balanceHandler(deps RouterDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		balance, err := deps.Engine.GetBalance(c.Request.Context(), authedUser(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "balance unavailable"})
			return
		}
		c.JSON(http.StatusOK, balance)
	}
}

func ledgerHandler(deps RouterDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		entries, err := deps.Store.UserEntries(c.Request.Context(), authedUser(c), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

func myBetsHandler(deps RouterDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		bets, err := deps.Rounds.UserBets(c.Request.Context(), authedUser(c).String(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "bets unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"bets": bets})
	}
}

func solvencyHandler(deps RouterDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		totals, err := deps.Store.Totals(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "totals unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"snapshot_available": totals.SnapshotAvailable,
			"snapshot_locked":    totals.SnapshotLocked,
			"reconstructed":      totals.Reconstructed,
			"last_report":        deps.Solvency.LastReport(),
			"kill_switch":        deps.Kill.Engaged(),
		})
	}
}

func freezeHandler(deps RouterDeps, frozen bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if err := deps.Store.SetFrozen(c.Request.Context(), userID, frozen); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "freeze update failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "frozen": frozen})
	}
}

func killSwitchHandler(deps RouterDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Engaged bool `json:"engaged"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "engaged flag required"})
			return
		}
		deps.Kill.Set(req.Engaged)
		c.JSON(http.StatusOK, gin.H{"kill_switch": req.Engaged})
	}
}

func rotateSeedHandler(deps RouterDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Seed string `json:"seed" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "seed required"})
			return
		}
		deps.Seeds.Rotate(req.Seed)
		c.JSON(http.StatusOK, gin.H{"rotated": true})
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Middleware
// ──────────────────────────────────────────────────────────────────────────────

const userIDKey = "auth_user_id"

func authedUser(c *gin.Context) uuid.UUID {
	id, _ := c.MustGet(userIDKey).(uuid.UUID)
	return id
}

// userJWTMiddleware accepts the session tokens issued over the websocket.
func userJWTMiddleware(auth config.AuthConfig) gin.HandlerFunc {
	return jwtMiddleware(auth, false)
}

// adminJWTMiddleware additionally requires the admin role claim.  Admin
// tokens are minted out of band by the operator tooling.
func adminJWTMiddleware(auth config.AuthConfig) gin.HandlerFunc {
	return jwtMiddleware(auth, true)
}

func jwtMiddleware(auth config.AuthConfig, requireAdmin bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tok, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(auth.JWTSecret), nil
		})
		if err != nil || !tok.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		claims, ok := tok.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if requireAdmin {
			if role, _ := claims["role"].(string); role != "admin" {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
				return
			}
		}
		sub, _ := claims.GetSubject()
		userID, err := uuid.Parse(sub)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token subject"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}
