// Package api hosts the JSON handlers behind /api and /healthz.
//
// Handler coordinates request validation, token checks, and response shaping
// while delegating persistence to the storage.Repository injected at
// construction time. Tokens are issued and validated by auth.TokenManager;
// emails go through mail.Mailer and billing facts through events.Dispatcher.
// Nothing here reaches for globals: callers supply configured dependencies.
//
// Handlers assume the middleware in internal/server already attached the
// authenticated user for protected paths, applied rate limits, and recorded
// metrics and audit entries. Each handler still checks roles itself.
package api
