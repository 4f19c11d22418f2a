package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/core/officer"
)

var (
	errUnauthorized         = echo.NewHTTPError(http.StatusUnauthorized, "officer not authenticated")
	errAuthenticationFailed = echo.NewHTTPError(http.StatusBadRequest, "authentication failed")
	errAccountDeactivated   = echo.NewHTTPError(http.StatusForbidden, "account deactivated")
	errRefreshExpired       = echo.NewHTTPError(http.StatusForbidden, "refresh has expired")
	errHttpForbidden        = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errHttpNotFound         = echo.NewHTTPError(http.StatusNotFound, "not found")
)

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		switch origErr := errors.Cause(err).(type) {
		case *echo.HTTPError:
			if origErr == middleware.ErrJWTMissing {
				code = http.StatusUnauthorized
				message = origErr.Message
				break
			}
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			message = origErr.Message
		case validator.ValidationErrors:
			fldErrs := make(map[string]string, len(origErr))
			for _, vErr := range origErr {
				fldErrs[vErr.Field()] = vErr.Translate(translator)
			}
			code = http.StatusBadRequest
			message = fldErrs
		case *core.ValidationError:
			if origErr.Fields != nil {
				fldErrs := make(map[string]string, len(origErr.Fields))
				for _, fErr := range origErr.Fields {
					fldErrs[fErr.Field] = fErr.Error
				}
				message = fldErrs
			} else {
				message = origErr.Error()
			}
			code = http.StatusBadRequest
		case *attendance.ConflictError:
			code = http.StatusConflict
			message = echo.Map{
				"error":         origErr.Error(),
				"activeSession": echo.Map{"id": origErr.SessionID, "role": origErr.ActiveRole},
			}
		default:
			switch origErr {
			case attendance.ErrNotOwner:
				code = http.StatusForbidden
			case attendance.ErrNoActiveSession, attendance.ErrSessionClosed,
				attendance.ErrOwnSession, attendance.ErrActiveSessionExists:
				code = http.StatusConflict
			case attendance.ErrNotFound, officer.ErrNotFound:
				code = http.StatusNotFound
			}
			if code != 0 {
				message = origErr.Error()
				break
			}

			// any other error is a server error
			code = http.StatusInternalServerError
			msg := http.StatusText(http.StatusInternalServerError)
			message = msg

			var o officer.Officer
			if claims, cErr := getContextClaims(ctx); cErr == nil {
				o.ID = claims.Subject
				o.Username = claims.Username
				o.Email = claims.Email
			}
			logger.Error(msg, errors.Wrap(err, msg), o)

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		// clients rely on the conflict body to learn who owns the active session
		if _, isMap := message.(echo.Map); !isMap {
			if ctx.Echo().Debug {
				message = err.Error()
			}
			if m, ok := message.(string); ok {
				message = echo.Map{"error": m}
			}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
