package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets the response headers every API response carries.
// The server speaks JSON to browser clients handling patient data, so
// responses must never be cached, framed, or content-sniffed.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")

			// A JSON API loads no resources and embeds nowhere.
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

			// One year, including subdomains.
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			h.Set("Referrer-Policy", "no-referrer")

			// Questionnaire responses and invitation tokens must not land
			// in intermediary caches.
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
