package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/rs/zerolog"

	"github.com/jndoye/pikaboard/internal/board"
	"github.com/jndoye/pikaboard/internal/characters"
	perrors "github.com/jndoye/pikaboard/internal/errors"
	"github.com/jndoye/pikaboard/internal/gateway"
	"github.com/jndoye/pikaboard/internal/health"
	"github.com/jndoye/pikaboard/internal/metrics"
	"github.com/jndoye/pikaboard/internal/notify"
)

// Chat is the slice of the gateway client the HTTP edge needs.
type Chat interface {
	GetSnapshot() gateway.Snapshot
	Send(text string) error
	Reconnect()
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	store     *board.Store
	roster    *characters.Registry
	chat      Chat
	minter    *TokenMinter
	checker   *health.Checker
	notifier  *notify.Notifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a Handlers instance. chat, minter, and notifier may be
// nil when the corresponding feature is not configured.
func NewHandlers(
	store *board.Store,
	roster *characters.Registry,
	chat Chat,
	minter *TokenMinter,
	checker *health.Checker,
	notifier *notify.Notifier,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Handlers {
	return &Handlers{
		store:     store,
		roster:    roster,
		chat:      chat,
		minter:    minter,
		checker:   checker,
		notifier:  notifier,
		metrics:   m,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

func metricsHandler(m *metrics.Metrics) fiber.Handler {
	return adaptor.HTTPHandler(m.Handler())
}

// actor extracts the display name of the caller, defaulting to "someone".
func actor(c *fiber.Ctx) string {
	if a := c.Get("X-Actor"); a != "" {
		return a
	}
	return "someone"
}

// storeErr maps store errors onto problem responses.
func (h *Handlers) storeErr(c *fiber.Ctx, op string, err error) error {
	switch {
	case errors.Is(err, perrors.ErrNotFound):
		h.metrics.RecordBoardOp(op, "not_found")
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", "No such task")
	case errors.Is(err, perrors.ErrInvalidInput):
		h.metrics.RecordBoardOp(op, "invalid")
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_input", "Bad Request", "Invalid task fields")
	default:
		h.metrics.RecordBoardOp(op, "error")
		h.logger.Error().Err(err).Str("op", op).Msg("store operation failed")
		return problemResponse(c, fiber.StatusInternalServerError,
			"store_error", "Internal Server Error", "Storage operation failed")
	}
}

// --- Probes ---

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.Context())

	ready := true
	for _, s := range results {
		if s == health.StatusDown {
			ready = false
			break
		}
	}

	resp := fiber.Map{"checks": results}
	if ready {
		resp["status"] = "ready"
		return c.JSON(resp)
	}
	resp["status"] = "not_ready"
	return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
}

// --- Board ---

// ListTasks handles GET /api/tasks.
func (h *Handlers) ListTasks(c *fiber.Ctx) error {
	tasks, err := h.store.ListTasks(board.TaskFilter{
		Status:   c.Query("status"),
		Assignee: c.Query("assignee"),
	})
	if err != nil {
		return h.storeErr(c, "list", err)
	}
	h.metrics.RecordBoardOp("list", "ok")
	if tasks == nil {
		tasks = []*board.Task{}
	}
	return c.JSON(fiber.Map{"tasks": tasks})
}

// CreateTask handles POST /api/tasks.
func (h *Handlers) CreateTask(c *fiber.Ctx) error {
	var req createTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	if req.CharacterID != "" {
		if _, err := h.roster.Get(req.CharacterID); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"unknown_character", "Bad Request", "Unknown character: "+req.CharacterID)
		}
	}

	task, err := h.store.CreateTask(req.Title, req.Notes, req.Status, req.Assignee, req.CharacterID)
	if err != nil {
		return h.storeErr(c, "create", err)
	}
	h.metrics.RecordBoardOp("create", "ok")

	who := actor(c)
	if err := h.store.RecordActivity(task.ID, who, "created", task.Title); err != nil {
		h.logger.Warn().Err(err).Msg("failed to record activity")
	}
	h.notifier.TaskCreated(task, who)

	return c.Status(fiber.StatusCreated).JSON(task)
}

// GetTask handles GET /api/tasks/:id.
func (h *Handlers) GetTask(c *fiber.Ctx) error {
	task, err := h.store.GetTask(c.Params("id"))
	if err != nil {
		return h.storeErr(c, "get", err)
	}
	return c.JSON(task)
}

// UpdateTask handles PATCH /api/tasks/:id.
func (h *Handlers) UpdateTask(c *fiber.Ctx) error {
	var req updateTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	if req.CharacterID != nil && *req.CharacterID != "" {
		if _, err := h.roster.Get(*req.CharacterID); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"unknown_character", "Bad Request", "Unknown character: "+*req.CharacterID)
		}
	}

	task, err := h.store.UpdateTask(c.Params("id"), board.TaskUpdate{
		Title:       req.Title,
		Notes:       req.Notes,
		Assignee:    req.Assignee,
		CharacterID: req.CharacterID,
	})
	if err != nil {
		return h.storeErr(c, "update", err)
	}
	h.metrics.RecordBoardOp("update", "ok")

	if err := h.store.RecordActivity(task.ID, actor(c), "updated", task.Title); err != nil {
		h.logger.Warn().Err(err).Msg("failed to record activity")
	}
	return c.JSON(task)
}

// MoveTask handles POST /api/tasks/:id/move.
func (h *Handlers) MoveTask(c *fiber.Ctx) error {
	var req moveTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	id := c.Params("id")
	before, err := h.store.GetTask(id)
	if err != nil {
		return h.storeErr(c, "move", err)
	}

	task, err := h.store.MoveTask(id, req.Status, req.Position)
	if err != nil {
		return h.storeErr(c, "move", err)
	}
	h.metrics.RecordBoardOp("move", "ok")

	who := actor(c)
	if before.Status != task.Status {
		detail := before.Status + " -> " + task.Status
		if err := h.store.RecordActivity(task.ID, who, "moved", detail); err != nil {
			h.logger.Warn().Err(err).Msg("failed to record activity")
		}
	}
	h.notifier.TaskMoved(task, before.Status, who)

	return c.JSON(task)
}

// DeleteTask handles DELETE /api/tasks/:id.
func (h *Handlers) DeleteTask(c *fiber.Ctx) error {
	id := c.Params("id")
	task, err := h.store.GetTask(id)
	if err != nil {
		return h.storeErr(c, "delete", err)
	}

	if err := h.store.DeleteTask(id); err != nil {
		return h.storeErr(c, "delete", err)
	}
	h.metrics.RecordBoardOp("delete", "ok")

	who := actor(c)
	if err := h.store.RecordActivity(id, who, "deleted", task.Title); err != nil {
		h.logger.Warn().Err(err).Msg("failed to record activity")
	}
	h.notifier.TaskDeleted(task.Title, who)

	return c.SendStatus(fiber.StatusNoContent)
}

// ListActivity handles GET /api/activity.
func (h *Handlers) ListActivity(c *fiber.Ctx) error {
	entries, err := h.store.ListActivity(c.QueryInt("limit", 50))
	if err != nil {
		return h.storeErr(c, "activity", err)
	}
	if entries == nil {
		entries = []*board.Activity{}
	}
	return c.JSON(fiber.Map{"activity": entries})
}

// --- Characters ---

// ListCharacters handles GET /api/characters.
func (h *Handlers) ListCharacters(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"characters": h.roster.List()})
}

// GetCharacter handles GET /api/characters/:id.
func (h *Handlers) GetCharacter(c *fiber.Ctx) error {
	ch, err := h.roster.Get(c.Params("id"))
	if err != nil {
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", "No such character")
	}
	return c.JSON(ch)
}

// --- Chat ---

// ChatSnapshot handles GET /api/chat/snapshot.
func (h *Handlers) ChatSnapshot(c *fiber.Ctx) error {
	if h.chat == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"chat_disabled", "Service Unavailable", "Chat is not configured")
	}
	return c.JSON(h.chat.GetSnapshot())
}

// ChatSend handles POST /api/chat/send.
func (h *Handlers) ChatSend(c *fiber.Ctx) error {
	if h.chat == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"chat_disabled", "Service Unavailable", "Chat is not configured")
	}

	var req chatSendRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}

	switch err := h.chat.Send(req.Message); {
	case err == nil:
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
	case errors.Is(err, perrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest,
			"empty_message", "Bad Request", "Message must not be empty")
	case errors.Is(err, perrors.ErrNotConnected):
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"not_connected", "Service Unavailable", "Not connected to the agent gateway")
	case errors.Is(err, perrors.ErrRunActive):
		return problemResponse(c, fiber.StatusConflict,
			"run_active", "Conflict", "An agent response is already in progress")
	default:
		h.logger.Error().Err(err).Msg("chat send failed")
		return problemResponse(c, fiber.StatusInternalServerError,
			"chat_error", "Internal Server Error", "Failed to send message")
	}
}

// ChatReconnect handles POST /api/chat/reconnect.
func (h *Handlers) ChatReconnect(c *fiber.Ctx) error {
	if h.chat == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"chat_disabled", "Service Unavailable", "Chat is not configured")
	}
	h.chat.Reconnect()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "reconnecting"})
}

// --- Gateway credential ---

// GatewayToken handles GET /api/gateway/token.
func (h *Handlers) GatewayToken(c *fiber.Ctx) error {
	if h.minter == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"tokens_disabled", "Service Unavailable", "Gateway credentials are not configured")
	}

	token, expiresAt, err := h.minter.Mint()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to mint gateway token")
		return problemResponse(c, fiber.StatusInternalServerError,
			"mint_failed", "Internal Server Error", "Failed to mint gateway token")
	}
	return c.JSON(tokenResponse{Token: token, ExpiresAt: expiresAt})
}
