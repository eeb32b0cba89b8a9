package fiber

import (
	"github.com/gofiber/fiber/v2"
)

// Session-gating middleware for routes served next to the dashboard.

// RequireSession rejects requests while nobody is signed in. While the
// session is still being reconciled it answers 503 so callers retry instead
// of treating the user as signed out.
func RequireSession(ctrl SessionController) fiber.Handler {
	return func(c *fiber.Ctx) error {
		st := ctrl.State()
		if st.Loading && !st.IsAuthenticated {
			c.Set(fiber.HeaderRetryAfter, "1")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "Session is loading",
			})
		}
		if !st.IsAuthenticated {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		c.Locals("session_user", st.User)
		if st.User != nil {
			c.Locals("user_id", st.User.ID)
			c.Locals("role", st.User.Role)
		}
		return c.Next()
	}
}

// RequireOrganization sends users without an organization to onboarding.
// Use after RequireSession.
func RequireOrganization(ctrl SessionController) fiber.Handler {
	return func(c *fiber.Ctx) error {
		st := ctrl.State()
		if st.Organization == nil {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":             "Organization registration required",
				"needsOrganization": st.NeedsOrganization,
			})
		}
		c.Locals("organization", st.Organization)
		return c.Next()
	}
}

// RequireActiveSubscription blocks paid features for expired, cancelled or
// unknown subscriptions.
func RequireActiveSubscription(ctrl SessionController) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !ctrl.HasActiveSubscription() {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":              "Active subscription required",
				"subscriptionStatus": ctrl.State().SubscriptionStatus,
			})
		}
		return c.Next()
	}
}
