package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/faceauth/internal/auth"
	"github.com/example/faceauth/internal/repository"
	"github.com/example/faceauth/internal/usecase"
)

// MaxUploadSize is the default request body limit. Enrollment bodies carry
// several base64 encoded images.
const MaxUploadSize = 20 << 20

// Service is the use case surface exposed over HTTP.
type Service interface {
	Enroll(ctx context.Context, req usecase.EnrollRequest) (*usecase.EnrollResult, error)
	Verify(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error)
	GetResult(ctx context.Context, username, requestID string) (*repository.AuthAttempt, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Config tunes the gateway. Zero values fall back to defaults.
type Config struct {
	MaxBodyBytes int64
	CORSOrigins  []string
	Logger       *zap.Logger
}

type enrollPayload struct {
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	Password   string   `json:"password"`
	Images     []string `json:"images"`
}

type verifyPayload struct {
	Username string `json:"username"`
	Image    string `json:"image"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc Service, authMiddleware gin.HandlerFunc, cfg Config) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = MaxUploadSize
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	router.Use(requestLogger(cfg.Logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	limit := limitBody(cfg.MaxBodyBytes)

	enroll := func(c *gin.Context) {
		var payload enrollPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			if rejectOversized(c, err) {
				return
			}
			cfg.Logger.Warn("malformed enroll body", zap.Error(err))
			payload = enrollPayload{}
		}
		credential := payload.Credential
		if credential == "" {
			credential = payload.Password
		}

		res, err := svc.Enroll(c.Request.Context(), usecase.EnrollRequest{
			Username:   payload.Username,
			Credential: credential,
			Images:     payload.Images,
		})
		if err != nil || res == nil {
			var requestID string
			if res != nil {
				requestID = res.RequestID
			}
			cfg.Logger.Error("enroll failed", zap.String("request_id", requestID), zap.Error(err))
			internalError(c, requestID, "internal error")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":    res.Success,
			"message":    res.Message,
			"request_id": res.RequestID,
		})
	}
	router.POST("/enroll", limit, enroll)
	router.POST("/signup", limit, enroll)

	verify := func(c *gin.Context) {
		var payload verifyPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			if rejectOversized(c, err) {
				return
			}
			cfg.Logger.Warn("malformed verify body", zap.Error(err))
			payload = verifyPayload{}
		}

		res, err := svc.Verify(c.Request.Context(), usecase.VerifyRequest{
			Username: payload.Username,
			Image:    payload.Image,
		})
		if err != nil || res == nil {
			var requestID string
			if res != nil {
				requestID = res.RequestID
			}
			cfg.Logger.Error("verify failed", zap.String("request_id", requestID), zap.Error(err))
			internalError(c, requestID, "internal error")
			return
		}
		body := gin.H{
			"success":    res.Success,
			"message":    res.Message,
			"request_id": res.RequestID,
		}
		if res.Token != "" {
			body["token"] = res.Token
		}
		c.JSON(http.StatusOK, body)
	}
	router.POST("/verify", limit, verify)
	router.POST("/signin", limit, verify)

	router.GET("/result/:id", authMiddleware, func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "id is required"})
			return
		}

		username, ok := auth.GetUsername(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "unauthorized"})
			return
		}

		attempt, err := svc.GetResult(c.Request.Context(), username, requestID)
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "result not found"})
			return
		}
		if err != nil {
			internalError(c, requestID, "failed to load result")
			return
		}

		body := gin.H{
			"request_id": attempt.RequestID,
			"username":   attempt.Username,
			"flow":       attempt.Flow,
			"success":    attempt.Success,
			"reason":     attempt.Reason,
			"latency_ms": attempt.LatencyMs,
			"created_at": attempt.CreatedAt,
		}
		if attempt.Distance != nil {
			body["distance"] = *attempt.Distance
		}
		c.JSON(http.StatusOK, body)
	})

	router.GET("/metrics", authMiddleware, func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			internalError(c, "", "failed to load metrics")
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// limitBody caps the request body. Requests announcing a larger body are
// rejected before any read.
func limitBody(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > max {
			tooLarge(c)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}

// rejectOversized answers 413 when err comes from the body limit. Any other
// bind error leaves the payload empty so the service reports invalid_request.
func rejectOversized(c *gin.Context, err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		tooLarge(c)
		return true
	}
	return false
}

func tooLarge(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "message": "request body too large"})
}

func internalError(c *gin.Context, requestID, message string) {
	body := gin.H{"success": false, "message": message}
	if requestID != "" {
		body["request_id"] = requestID
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, body)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
