package echoapi

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/core/officer"
)

const qrCodeSize = 256

type attendanceApi struct {
	conf       *core.Config
	svc        attendance.Service
	officerSvc officer.Service
	validate   *validator.Validate
}

func registerAttendanceAPI(g *echo.Group, jwt echo.MiddlewareFunc, s *Server) {
	api := attendanceApi{
		conf:       s.deps.Conf,
		svc:        s.deps.AttendanceSvc,
		officerSvc: s.deps.OfficerSvc,
		validate:   s.deps.Validate,
	}

	ag := g.Group("/attendance")

	// attendee-facing endpoints
	ag.GET("/sessions/:id", api.retrieveSession)
	ag.POST("/records", api.signIn)

	// officer endpoints
	og := ag.Group("", jwt, activeOfficerMiddleware(api.officerSvc))
	og.GET("/session", api.status)
	og.POST("/session/start", api.start)
	og.POST("/session/close", api.close)
	og.POST("/session/reset", api.reset)
	og.POST("/session/force-close", api.forceClose)
	og.GET("/session/qr", api.qrCode)
	og.GET("/records", api.records)
	og.GET("/records/export", api.export)
}

// Handlers

func (api *attendanceApi) status(ctx echo.Context) error {
	sess, err := api.svc.Status(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "getting session status")
	}
	return ctx.JSON(http.StatusOK, SessionResponse{Session: sess})
}

func (api *attendanceApi) retrieveSession(ctx echo.Context) error {
	sess, err := api.svc.GetSession(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting session")
	}
	return ctx.JSON(http.StatusOK, SessionResponse{Session: &sess})
}

func (api *attendanceApi) start(ctx echo.Context) error {
	var data attendance.OpenSession
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to OpenSession")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}
	o, err := actingFor(ctx, api.officerSvc, data.Role)
	if err != nil {
		return err
	}
	if data.Ministry == "" && o.Role == data.Role {
		data.Ministry = o.Ministry
	}

	sess, err := api.svc.Open(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "opening session")
	}
	ctx.Logger().Infof("attendance session %s opened for %s by %s", sess.ID, sess.Role, o.Username)
	return ctx.JSON(http.StatusOK, SessionResponse{Session: &sess})
}

func (api *attendanceApi) close(ctx echo.Context) error {
	var data attendance.CloseSession
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CloseSession")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}
	if _, err := actingFor(ctx, api.officerSvc, data.Role); err != nil {
		return err
	}

	sess, err := api.svc.Close(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "closing session")
	}
	return ctx.JSON(http.StatusOK, SessionResponse{Session: &sess})
}

func (api *attendanceApi) reset(ctx echo.Context) error {
	var data attendance.ResetSession
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ResetSession")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}
	o, err := actingFor(ctx, api.officerSvc, data.Role)
	if err != nil {
		return err
	}

	sess, cleared, err := api.svc.Reset(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "resetting session")
	}
	ctx.Logger().Warnf("attendance reset by %s (%s): %d record(s) cleared", o.Username, data.Role, cleared)
	return ctx.JSON(http.StatusOK, ResetResponse{Session: sess, RecordsCleared: cleared})
}

func (api *attendanceApi) forceClose(ctx echo.Context) error {
	var data attendance.ForceCloseSession
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ForceCloseSession")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}
	o, err := actingFor(ctx, api.officerSvc, data.NewRole)
	if err != nil {
		return err
	}

	closed, err := api.svc.ForceClose(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "force-closing session")
	}
	ctx.Logger().Warnf("attendance session %s of %s force-closed by %s (%s)", closed.ID, closed.Role, o.Username, data.NewRole)
	return ctx.JSON(http.StatusOK, ForceCloseResponse{ClosedSession: closed})
}

func (api *attendanceApi) records(ctx echo.Context) error {
	records, err := api.svc.Records(ctx.Request().Context(), ctx.QueryParam("session_id"))
	if err != nil {
		return errors.Wrap(err, "querying records")
	}
	return ctx.JSON(http.StatusOK, RecordsResponse{Records: records})
}

func (api *attendanceApi) signIn(ctx echo.Context) error {
	var data attendance.NewRecord
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewRecord")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	rec, err := api.svc.SignIn(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "signing in")
	}
	return ctx.JSON(http.StatusCreated, rec)
}

func (api *attendanceApi) export(ctx echo.Context) error {
	sessionID := ctx.QueryParam("session_id")
	records, err := api.svc.Records(ctx.Request().Context(), sessionID)
	if err != nil {
		return errors.Wrap(err, "querying records")
	}

	var buf bytes.Buffer
	if err = attendance.ExportXLSX(&buf, records); err != nil {
		return errors.Wrap(err, "exporting records")
	}

	filename := fmt.Sprintf("attendance-%s.xlsx", core.CleanString(sessionID, true /* lower */))
	ctx.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return ctx.Blob(http.StatusOK, attendance.XLSXContentType, buf.Bytes())
}

// qrCode renders the sign-in URL of the active session, for attendees to scan.
func (api *attendanceApi) qrCode(ctx echo.Context) error {
	sess, err := api.svc.Status(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "getting session status")
	}
	if sess == nil {
		return echo.NewHTTPError(http.StatusNotFound, attendance.ErrNoActiveSession.Error())
	}

	png, err := qrcode.Encode(signInURL(api.conf, sess.ID), qrcode.Medium, qrCodeSize)
	if err != nil {
		return errors.Wrap(err, "encoding QR code")
	}
	ctx.Response().Header().Set("Cache-Control", "no-store")
	return ctx.Blob(http.StatusOK, "image/png", png)
}

func signInURL(conf *core.Config, sessionID string) string {
	return strings.TrimSuffix(conf.Server.FrontendBaseURL, "/") + "/sign-in?" + url.Values{"session": {sessionID}}.Encode()
}

type (
	SessionResponse struct {
		Session *attendance.Session `json:"session"`
	}

	ResetResponse struct {
		Session        attendance.Session `json:"session"`
		RecordsCleared int                `json:"recordsCleared"`
	}

	ForceCloseResponse struct {
		ClosedSession attendance.Session `json:"closedSession"`
	}

	RecordsResponse struct {
		Records []attendance.Record `json:"records"`
	}
)
