package fiber

import (
	"context"
	"time"

	"fleetdesk.com/session/session"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// SessionController is the part of session.Controller the HTTP adapter uses.
type SessionController interface {
	State() session.State
	CheckAuthStatus(ctx context.Context) bool
	Login(ctx context.Context, email, password string) bool
	Signup(ctx context.Context, req session.SignupRequest) bool
	Logout(ctx context.Context) bool
	RefreshUserData(ctx context.Context) bool
	HasActiveSubscription() bool
}

// LegacyController adds the backend-only credential paths.
type LegacyController interface {
	SessionController
	LegacyLogin(ctx context.Context, email, password string) bool
	Register(ctx context.Context, req session.SignupRequest) bool
}

// logoutSettle bounds how long Logout waits for the sign-out event to be
// applied before answering.
const logoutSettle = 2 * time.Second

// SessionHandlers exposes a SessionController over HTTP for UI code.
type SessionHandlers struct {
	ctrl      SessionController
	validator *validator.Validate
}

// NewSessionHandlers creates a new session handlers instance
func NewSessionHandlers(ctrl SessionController) *SessionHandlers {
	return &SessionHandlers{
		ctrl:      ctrl,
		validator: validator.New(),
	}
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// GetState returns the current session snapshot
// GET /session
func (h *SessionHandlers) GetState(c *fiber.Ctx) error {
	return c.JSON(h.ctrl.State())
}

// Check re-reconciles the session with the identity provider
// POST /session/check
func (h *SessionHandlers) Check(c *fiber.Ctx) error {
	ok := h.ctrl.CheckAuthStatus(c.UserContext())
	return h.result(c, ok, fiber.StatusUnauthorized)
}

// Login handles sign-in requests
// POST /session/login
func (h *SessionHandlers) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if ok, err := h.parse(c, &req); !ok {
		return err
	}

	ok := h.ctrl.Login(c.UserContext(), req.Email, req.Password)
	return h.result(c, ok, fiber.StatusUnauthorized)
}

// Signup handles account creation. A successful response does not mean the
// session is bridged yet; poll GET /session.
// POST /session/signup
func (h *SessionHandlers) Signup(c *fiber.Ctx) error {
	var req session.SignupRequest
	if ok, err := h.parse(c, &req); !ok {
		return err
	}

	ok := h.ctrl.Signup(c.UserContext(), req)
	return h.result(c, ok, fiber.StatusBadRequest)
}

// Logout signs the user out. The user and credentials are cleared by the
// controller's sign-out event, so the response waits for that to land.
// POST /session/logout
func (h *SessionHandlers) Logout(c *fiber.Ctx) error {
	ok := h.ctrl.Logout(c.UserContext())
	if ok {
		h.awaitSignedOut(c.UserContext(), logoutSettle)
	}
	return h.result(c, ok, fiber.StatusBadGateway)
}

func (h *SessionHandlers) awaitSignedOut(ctx context.Context, limit time.Duration) {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for h.ctrl.State().IsAuthenticated {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

// Refresh re-runs the bridge and organization fetch
// POST /session/refresh
func (h *SessionHandlers) Refresh(c *fiber.Ctx) error {
	ok := h.ctrl.RefreshUserData(c.UserContext())
	return h.result(c, ok, fiber.StatusUnauthorized)
}

// LegacyLogin signs in against the backend without the identity provider
// POST /session/legacy/login
func (h *SessionHandlers) LegacyLogin(ctrl LegacyController) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req LoginRequest
		if ok, err := h.parse(c, &req); !ok {
			return err
		}
		ok := ctrl.LegacyLogin(c.UserContext(), req.Email, req.Password)
		return h.result(c, ok, fiber.StatusUnauthorized)
	}
}

// Register creates a backend account and signs it in
// POST /session/legacy/register
func (h *SessionHandlers) Register(ctrl LegacyController) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req session.SignupRequest
		if ok, err := h.parse(c, &req); !ok {
			return err
		}
		ok := ctrl.Register(c.UserContext(), req)
		return h.result(c, ok, fiber.StatusBadRequest)
	}
}

// parse decodes and validates the body. When it reports false the 400
// response has already been written and err is the write error, if any.
func (h *SessionHandlers) parse(c *fiber.Ctx, out interface{}) (bool, error) {
	if err := c.BodyParser(out); err != nil {
		return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body: " + err.Error(),
		})
	}
	if err := h.validator.Struct(out); err != nil {
		return false, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Validation failed: " + err.Error(),
		})
	}
	return true, nil
}

func (h *SessionHandlers) result(c *fiber.Ctx, ok bool, failStatus int) error {
	st := h.ctrl.State()
	if !ok {
		msg := st.Error
		if msg == "" {
			msg = "Request failed"
		}
		return c.Status(failStatus).JSON(fiber.Map{
			"success": false,
			"error":   msg,
			"state":   st,
		})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"state":   st,
	})
}

// SetupSessionRoutes mounts the session endpoints on app.
func SetupSessionRoutes(app *fiber.App, ctrl SessionController) {
	handlers := NewSessionHandlers(ctrl)

	group := app.Group("/session")
	group.Get("/", handlers.GetState)
	group.Post("/check", handlers.Check)
	group.Post("/login", handlers.Login)
	group.Post("/signup", handlers.Signup)
	group.Post("/logout", handlers.Logout)
	group.Post("/refresh", RequireSession(ctrl), handlers.Refresh)
}

// SetupLegacyRoutes mounts the backend-only login and register endpoints.
func SetupLegacyRoutes(app *fiber.App, ctrl LegacyController) {
	handlers := NewSessionHandlers(ctrl)

	group := app.Group("/session/legacy")
	group.Post("/login", handlers.LegacyLogin(ctrl))
	group.Post("/register", handlers.Register(ctrl))
}
