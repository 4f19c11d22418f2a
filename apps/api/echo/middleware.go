package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/kanisa/core/officer"
)

func adminMiddleware(svc officer.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			o, err := getContextOfficer(ctx, svc)
			if err != nil {
				return errors.Wrap(err, "getting context officer")
			}
			if o.IsAdmin {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

// activeOfficerMiddleware rejects tokens of officers that were deactivated or deleted since they logged in.
func activeOfficerMiddleware(svc officer.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if _, err := getContextOfficer(ctx, svc); err != nil {
				return errors.Wrap(err, "getting context officer")
			}
			return next(ctx)
		}
	}
}

// actingFor returns the context officer if they may act for role.
func actingFor(ctx echo.Context, svc officer.Service, role string) (officer.Officer, error) {
	o, err := getContextOfficer(ctx, svc)
	if err != nil {
		return officer.Officer{}, errors.Wrap(err, "getting context officer")
	}
	if !o.CanActFor(role) {
		return officer.Officer{}, errHttpForbidden
	}
	return o, nil
}
