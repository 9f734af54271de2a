package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ErrForbidden is returned when the caller lacks a required capability.
var ErrForbidden = errors.New("forbidden")

// HasPermission reports whether the context carries the given capability.
// The "*" capability grants everything; a prefix wildcard such as
// "examination:*" grants every operation on that resource.
func HasPermission(ctx context.Context, perm string) bool {
	for _, granted := range PermissionsFromContext(ctx) {
		if granted == perm || granted == "*" {
			return true
		}
		if res, ok := strings.CutSuffix(granted, ":*"); ok && strings.HasPrefix(perm, res+":") {
			return true
		}
	}
	return false
}

// Require returns ErrForbidden (wrapped with the missing capability) unless
// the context carries perm. Services call this before any state transition.
func Require(ctx context.Context, perm string) error {
	if HasPermission(ctx, perm) {
		return nil
	}
	return fmt.Errorf("%w: requires %s", ErrForbidden, perm)
}

// RequirePermission returns middleware that rejects requests lacking all of
// the listed capabilities.
func RequirePermission(perms ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			for _, p := range perms {
				if HasPermission(ctx, p) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required permission: %s", strings.Join(perms, " or ")))
		}
	}
}

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admin always passes.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == "admin" {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
