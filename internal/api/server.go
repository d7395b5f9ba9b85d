package api

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/tontinex/relance/internal/domain"
	"github.com/tontinex/relance/internal/engine"
	"github.com/tontinex/relance/internal/repository"
	"github.com/tontinex/relance/internal/storage"
	"github.com/tontinex/relance/internal/whatsapp"
	"github.com/tontinex/relance/internal/ws"
	"github.com/tontinex/relance/pkg/config"
)

type Server struct {
	app     *fiber.App
	cfg     *config.Config
	repos   *repository.Repositories
	engine  *engine.Engine
	hub     *ws.Hub
	pool    *whatsapp.SessionPool
	storage *storage.Storage
}

func NewServer(cfg *config.Config, repos *repository.Repositories, eng *engine.Engine, hub *ws.Hub, pool *whatsapp.SessionPool, store *storage.Storage) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Relance",
		BodyLimit:             16 * 1024 * 1024, // 16MB max upload
		DisableStartupMessage: false,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"error":   err.Error(),
			})
		},
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "15:04:05",
	}))

	app.Use(helmet.New(helmet.Config{
		XSSProtection:             "1; mode=block",
		ContentTypeNosniff:        "nosniff",
		XFrameOptions:             "DENY",
		ReferrerPolicy:            "strict-origin-when-cross-origin",
		CrossOriginEmbedderPolicy: "require-corp",
		CrossOriginOpenerPolicy:   "same-origin",
		CrossOriginResourcePolicy: "same-origin",
		PermissionPolicy:          "geolocation=(), microphone=(), camera=()",
	}))

	// Rate limiting, 300 requests per minute per IP
	app.Use(limiter.New(limiter.Config{
		Max:        300,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success": false,
				"error":   "too many requests, please slow down",
			})
		},
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), "/ws")
		},
	}))

	corsOrigins := "http://localhost:3000,http://localhost:8080"
	if cfg.IsProduction() && len(cfg.CORSOrigins) > 0 {
		corsOrigins = strings.Join(cfg.CORSOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,Upgrade,Connection",
		AllowCredentials: true,
	}))

	server := &Server{
		app:     app,
		cfg:     cfg,
		repos:   repos,
		engine:  eng,
		hub:     hub,
		pool:    pool,
		storage: store,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	// Health check
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now(),
		})
	})

	api := s.app.Group("/api")

	// Auth routes (no auth required)
	auth := api.Group("/auth")
	auth.Post("/login", s.handleLogin)

	// Protected routes
	protected := api.Group("", s.authMiddleware)
	protected.Get("/me", s.handleGetMe)
	protected.Post("/auth/logout", s.handleLogout)

	// Session routes
	session := protected.Group("/session")
	session.Post("/connect", s.handleConnectSession)
	session.Get("/status", s.handleSessionStatus)
	session.Post("/disconnect", s.handleDisconnectSession)
	session.Patch("/config", s.handleUpdateSessionConfig)

	// Campaign routes
	campaigns := protected.Group("/campaigns")
	campaigns.Get("/", s.handleGetCampaigns)
	campaigns.Post("/", s.handleCreateCampaign)
	campaigns.Post("/preview", s.handlePreviewAudience)
	campaigns.Get("/:id", s.handleGetCampaign)
	campaigns.Delete("/:id", s.handleDeleteCampaign)
	campaigns.Put("/:id/messages", s.handleUpdateDayMessages)
	campaigns.Post("/:id/start", s.handleStartCampaign)
	campaigns.Post("/:id/pause", s.handlePauseCampaign)
	campaigns.Post("/:id/resume", s.handleResumeCampaign)
	campaigns.Post("/:id/cancel", s.handleCancelCampaign)
	campaigns.Get("/:id/targets", s.handleGetTargets)
	campaigns.Delete("/:id/targets/:targetId", s.handleExitTarget)

	// Default loop stats
	protected.Get("/stats/default", s.handleDefaultStats)

	// Media upload (campaign day attachments)
	protected.Post("/media/upload", s.handleMediaUpload)

	// WebSocket route
	s.app.Use("/ws", s.wsUpgrade)
	s.app.Get("/ws", websocket.New(s.handleWebSocket))
}

// Auth middleware
func (s *Server) authMiddleware(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		// Try cookie
		authHeader = c.Cookies("auth-token")
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return c.Status(401).JSON(fiber.Map{
			"success": false,
			"error":   "Unauthorized",
		})
	}

	claims, err := s.validateToken(token)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid token",
		})
	}

	c.Locals("claims", claims)
	c.Locals("user_id", claims.UserID)
	return c.Next()
}

// WebSocket upgrade middleware
func (s *Server) wsUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		// Validate token from query param
		token := c.Query("token")
		if token == "" {
			return c.Status(401).JSON(fiber.Map{"error": "Missing token"})
		}

		claims, err := s.validateToken(token)
		if err != nil {
			return c.Status(401).JSON(fiber.Map{"error": "Invalid token"})
		}

		c.Locals("claims", claims)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// --- Auth Handlers ---

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid request"})
	}

	token, user, err := s.login(c.Context(), req.Username, req.Password)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	c.Cookie(&fiber.Cookie{
		Name:     "auth-token",
		Value:    token,
		Expires:  time.Now().Add(24 * 7 * time.Hour),
		HTTPOnly: true,
		Secure:   s.cfg.IsProduction(),
		SameSite: "Lax",
	})

	return c.JSON(fiber.Map{
		"success": true,
		"token":   token,
		"user": fiber.Map{
			"id":           user.ID,
			"username":     user.Username,
			"display_name": user.DisplayName,
			"language":     user.Language,
			"country":      user.Country,
		},
	})
}

func (s *Server) handleLogout(c *fiber.Ctx) error {
	c.Cookie(&fiber.Cookie{
		Name:    "auth-token",
		Value:   "",
		Expires: time.Now().Add(-time.Hour),
	})
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleGetMe(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(uuid.UUID)
	user, err := s.repos.User.GetByID(c.Context(), userID)
	if err != nil || user == nil {
		return c.Status(404).JSON(fiber.Map{"success": false, "error": "User not found"})
	}

	return c.JSON(fiber.Map{"success": true, "user": user})
}

// --- Session Handlers ---

func (s *Server) handleConnectSession(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(uuid.UUID)

	// The QR pairing flow outlives the request, so it cannot run on the
	// request context.
	if err := s.pool.Connect(context.Background(), userID); err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	return c.JSON(fiber.Map{"success": true, "message": "Connecting session..."})
}

func (s *Server) handleSessionStatus(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(uuid.UUID)

	session, err := s.repos.Session.GetByReferrer(c.Context(), userID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	if session == nil {
		return c.JSON(fiber.Map{"success": true, "session": nil, "connected": false})
	}

	session.QRCode = s.pool.CurrentQRCode(userID)

	return c.JSON(fiber.Map{
		"success":   true,
		"session":   session,
		"connected": s.pool.Connected(userID),
	})
}

func (s *Server) handleDisconnectSession(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(uuid.UUID)

	var req struct {
		Force bool `json:"force"`
	}
	// Body is optional; a bare disconnect keeps the stored credential.
	_ = c.BodyParser(&req)

	if err := s.pool.Disconnect(c.Context(), userID, req.Force); err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	return c.JSON(fiber.Map{"success": true, "message": "Session disconnected"})
}

func (s *Server) handleUpdateSessionConfig(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(uuid.UUID)

	var req struct {
		MaxMessagesPerDay          *int  `json:"max_messages_per_day"`
		EnrollmentPaused           *bool `json:"enrollment_paused"`
		SendingPaused              *bool `json:"sending_paused"`
		DefaultCampaignPaused      *bool `json:"default_campaign_paused"`
		AllowSimultaneousCampaigns *bool `json:"allow_simultaneous_campaigns"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid request"})
	}

	session, err := s.repos.Session.GetOrCreate(c.Context(), userID, s.cfg.DailySendCap)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	if req.MaxMessagesPerDay != nil {
		if *req.MaxMessagesPerDay < 1 {
			return c.Status(400).JSON(fiber.Map{"success": false, "error": "max_messages_per_day must be at least 1"})
		}
		session.MaxMessagesPerDay = *req.MaxMessagesPerDay
	}
	if req.EnrollmentPaused != nil {
		session.EnrollmentPaused = *req.EnrollmentPaused
	}
	if req.SendingPaused != nil {
		session.SendingPaused = *req.SendingPaused
	}
	if req.DefaultCampaignPaused != nil {
		session.DefaultCampaignPaused = *req.DefaultCampaignPaused
	}
	if req.AllowSimultaneousCampaigns != nil {
		session.AllowSimultaneousCampaigns = *req.AllowSimultaneousCampaigns
	}

	if err := s.repos.Session.UpdateSwitches(c.Context(), session); err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	// Pause switches feed straight into the default loop state.
	if err := s.engine.SyncDefaultLoop(c.Context(), userID); err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	return c.JSON(fiber.Map{"success": true, "session": session})
}

// --- Campaign Handlers ---

func (s *Server) handleGetCampaigns(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(uuid.UUID)

	campaigns, err := s.repos.Campaign.GetByReferrer(c.Context(), userID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	if campaigns == nil {
		campaigns = []*domain.Campaign{}
	}

	return c.JSON(fiber.Map{"success": true, "campaigns": campaigns})
}

func (s *Server) handleCreateCampaign(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(uuid.UUID)

	var input engine.CreateCampaignInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid request"})
	}

	campaign, err := s.engine.CreateCampaign(c.Context(), userID, &input)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	return c.Status(201).JSON(fiber.Map{"success": true, "campaign": campaign})
}

func (s *Server) handlePreviewAudience(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(uuid.UUID)

	var req struct {
		Filter *domain.CampaignFilter `json:"filter"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid request"})
	}

	result, err := s.engine.Preview(c.Context(), userID, req.Filter)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	return c.JSON(fiber.Map{"success": true, "preview": result})
}

func (s *Server) handleGetCampaign(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(uuid.UUID)

	campaign, err := s.ownedCampaign(c, userID)
	if err != nil || campaign == nil {
		return err
	}

	messages, err := s.repos.Campaign.GetDayMessages(c.Context(), campaign.ID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	campaign.DayMessages = messages

	return c.JSON(fiber.Map{"success": true, "campaign": campaign})
}

func (s *Server) handleDeleteCampaign(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(uuid.UUID)
	campaignID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid campaign ID"})
	}

	removed, err := s.engine.DeleteCampaign(c.Context(), userID, campaignID)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	return c.JSON(fiber.Map{"success": true, "targets_removed": removed})
}

func (s *Server) handleUpdateDayMessages(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(uuid.UUID)
	campaignID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid campaign ID"})
	}

	var req struct {
		Messages []*domain.DayMessage `json:"messages"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid request"})
	}

	if err := s.engine.UpdateDayMessages(c.Context(), userID, campaignID, req.Messages); err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleStartCampaign(c *fiber.Ctx) error {
	return s.campaignAction(c, s.engine.StartCampaign)
}

func (s *Server) handlePauseCampaign(c *fiber.Ctx) error {
	return s.campaignAction(c, s.engine.PauseCampaign)
}

func (s *Server) handleResumeCampaign(c *fiber.Ctx) error {
	return s.campaignAction(c, s.engine.ResumeCampaign)
}

func (s *Server) handleCancelCampaign(c *fiber.Ctx) error {
	return s.campaignAction(c, s.engine.CancelCampaign)
}

// campaignAction runs one of the engine's lifecycle transitions and returns
// the campaign in its new state.
func (s *Server) campaignAction(c *fiber.Ctx, action func(context.Context, uuid.UUID, uuid.UUID) (*domain.Campaign, error)) error {
	userID := c.Locals("user_id").(uuid.UUID)
	campaignID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid campaign ID"})
	}

	campaign, err := action(c.Context(), userID, campaignID)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	return c.JSON(fiber.Map{"success": true, "campaign": campaign})
}

// --- Target Handlers ---

func (s *Server) handleGetTargets(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(uuid.UUID)

	campaign, err := s.ownedCampaign(c, userID)
	if err != nil || campaign == nil {
		return err
	}

	targets, err := s.repos.Target.GetByCampaign(c.Context(), campaign.ID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	if targets == nil {
		targets = []*domain.Target{}
	}

	if c.QueryBool("with_deliveries", false) {
		for _, t := range targets {
			deliveries, err := s.repos.Target.GetDeliveries(c.Context(), t.ID)
			if err != nil {
				return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
			}
			t.Deliveries = deliveries
		}
	}

	return c.JSON(fiber.Map{"success": true, "targets": targets})
}

func (s *Server) handleExitTarget(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(uuid.UUID)
	campaignID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid campaign ID"})
	}
	targetID, err := uuid.Parse(c.Params("targetId"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid target ID"})
	}

	if err := s.engine.ExitTarget(c.Context(), userID, campaignID, targetID); err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	return c.JSON(fiber.Map{"success": true})
}

// --- Stats Handlers ---

func (s *Server) handleDefaultStats(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(uuid.UUID)

	stats, err := s.engine.DefaultStats(c.Context(), userID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	return c.JSON(fiber.Map{"success": true, "stats": stats})
}

// --- Media Handlers ---

func (s *Server) handleMediaUpload(c *fiber.Ctx) error {
	if s.storage == nil {
		return c.Status(503).JSON(fiber.Map{"success": false, "error": "Storage not configured"})
	}

	userID := c.Locals("user_id").(uuid.UUID)

	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "No file provided"})
	}
	if file.Size > 16*1024*1024 {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "File too large (max 16MB)"})
	}

	src, err := file.Open()
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "error": "Failed to read file"})
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "error": "Failed to read file"})
	}

	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	publicURL, err := s.storage.UploadCampaignMedia(c.Context(), userID, file.Filename, data, contentType)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"success": false, "error": "Failed to upload: " + err.Error()})
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"public_url": publicURL,
	})
}

// --- WebSocket ---

func (s *Server) handleWebSocket(c *websocket.Conn) {
	claims := c.Locals("claims").(*JWTClaims)

	client := &ws.Client{
		ID:     uuid.New().String(),
		UserID: claims.UserID,
		Conn:   c,
		Send:   make(chan []byte, 256),
		Hub:    s.hub,
	}

	s.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}

// ownedCampaign loads the campaign from the :id route param and checks it
// belongs to the authenticated referrer. On failure it writes the error
// response and returns a nil campaign.
func (s *Server) ownedCampaign(c *fiber.Ctx, userID uuid.UUID) (*domain.Campaign, error) {
	campaignID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid campaign ID"})
	}

	campaign, err := s.repos.Campaign.GetByID(c.Context(), campaignID)
	if err != nil {
		return nil, c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	if campaign == nil || campaign.ReferrerUserID != userID {
		return nil, c.Status(404).JSON(fiber.Map{"success": false, "error": "Campaign not found"})
	}

	return campaign, nil
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
