package echoapi

import (
	"net/http"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/officer"
)

var errOfficerNotFoundInCtx = errors.New("officer object not found in echo.Context")

type officerApi struct {
	conf     *core.Config
	svc      officer.Service
	validate *validator.Validate
}

func registerOfficerAPI(g *echo.Group, jwt echo.MiddlewareFunc, s *Server) {
	api := officerApi{
		conf:     s.deps.Conf,
		svc:      s.deps.OfficerSvc,
		validate: s.deps.Validate,
	}
	admin := adminMiddleware(api.svc)

	og := g.Group("/officers")

	// un-authed endpoints
	og.POST("/login", api.login)

	// authed endpoints
	ag := og.Group("", jwt)
	ag.POST("/logout", api.logout)
	ag.POST("/token-refresh", api.refreshToken)
	ag.GET("/me", api.me, activeOfficerMiddleware(api.svc))
	ag.POST("", api.create, admin)
	ag.GET("", api.query, admin)
	ag.DELETE("", api.destroyMultiple, admin)

	// detail endpoints
	dg := ag.Group("/:id", ctxOfficerOrAdminMiddleware(api.svc))
	dg.GET("", api.retrieve)
	dg.PUT("", api.update)
	dg.DELETE("", api.destroy, admin)
}

// Handlers

func (api *officerApi) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	o, claims, err := authenticate(ctx.Request().Context(), api.conf, data.Username, data.Password, api.svc)
	if err != nil {
		return errors.Wrap(err, "authenticating")
	}
	token, err := GenerateToken(api.conf, claims)
	if err != nil {
		return errors.Wrap(err, "generating token")
	}

	setTokenCookie(ctx, api.conf, token)
	return ctx.JSON(http.StatusOK, LoginResponse{Token: token, Officer: o})
}

func (api *officerApi) logout(ctx echo.Context) error {
	ctx.SetCookie(&http.Cookie{Name: TokenCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	return ctx.NoContent(http.StatusNoContent)
}

func (api *officerApi) refreshToken(ctx echo.Context) error {
	token, err := refreshToken(ctx, api.conf, api.svc)
	if err != nil {
		return errors.Wrap(err, "refreshing token")
	}
	o, _ := getContextOfficer(ctx, api.svc)

	setTokenCookie(ctx, api.conf, token)
	return ctx.JSON(http.StatusOK, LoginResponse{Token: token, Officer: o})
}

func (api *officerApi) me(ctx echo.Context) error {
	o, err := getContextOfficer(ctx, api.svc)
	if err != nil {
		return errors.Wrap(err, "getting context officer")
	}
	return ctx.JSON(http.StatusOK, o)
}

func (api *officerApi) create(ctx echo.Context) error {
	var data officer.NewOfficer
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewOfficer")
	}
	if err := data.Validate(api.validate, api.svc); err != nil {
		return err
	}

	o, err := api.svc.Create(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating officer")
	}
	return ctx.JSON(http.StatusCreated, o)
}

func (api *officerApi) query(ctx echo.Context) error {
	filter := new(officer.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []officer.Officer{})
	}
	filter.Clean()
	ordering := new(Ordering)
	ordering.Bind(ctx)

	officers, err := api.svc.Query(ctx.Request().Context(), filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying officers")
	}
	if officers == nil {
		officers = []officer.Officer{}
	}
	return ctx.JSON(http.StatusOK, officers)
}

func (api *officerApi) retrieve(ctx echo.Context) error {
	o, ok := ctx.Get("object").(officer.Officer)
	if !ok {
		return errors.Wrap(errOfficerNotFoundInCtx, "retrieving object from context")
	}
	return ctx.JSON(http.StatusOK, o)
}

func (api *officerApi) update(ctx echo.Context) error {
	o, ok := ctx.Get("object").(officer.Officer)
	if !ok {
		return errors.Wrap(errOfficerNotFoundInCtx, "retrieving object from context")
	}

	var data officer.UpdateOfficer
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateOfficer")
	}

	ctxOfficer, err := getContextOfficer(ctx, api.svc)
	if err != nil {
		return errors.Wrap(err, "getting context officer")
	}
	if !ctxOfficer.IsAdmin {
		// role, admin rights and activation are granted by admins only
		if data.IsActive != nil || data.IsAdmin != nil || (data.Role != "" && data.Role != o.Role) {
			return errHttpForbidden
		}
	} else if o.ID == ctxOfficer.ID && data.IsAdmin != nil && !*data.IsAdmin {
		// admins cannot demote themselves
		return errHttpForbidden
	}

	if err = data.Validate(o, api.validate, api.svc); err != nil {
		return err
	}

	o, err = api.svc.Update(ctx.Request().Context(), o, data)
	if err != nil {
		return errors.Wrap(err, "updating officer")
	}
	return ctx.JSON(http.StatusOK, o)
}

func (api *officerApi) destroy(ctx echo.Context) error {
	o, ok := ctx.Get("object").(officer.Officer)
	if !ok {
		return errors.Wrap(errOfficerNotFoundInCtx, "retrieving object from context")
	}

	// ctxOfficer cannot delete themselves
	ctxOfficer, err := getContextOfficer(ctx, api.svc)
	if err != nil {
		return errors.Wrap(err, "getting context officer")
	}
	if o.ID == ctxOfficer.ID {
		return errHttpForbidden
	}

	if err := api.svc.Delete(ctx.Request().Context(), o.ID); err != nil {
		return errors.Wrap(err, "deleting officer")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *officerApi) destroyMultiple(ctx echo.Context) error {
	var query DestroyMultipleRequest
	if err := ctx.Bind(&query); err != nil {
		return errors.Wrap(err, "binding to DestroyMultipleRequest")
	}
	if query.IDs == nil {
		return ctx.NoContent(http.StatusNoContent)
	}

	// ctxOfficer cannot delete themselves
	ctxOfficer, err := getContextOfficer(ctx, api.svc)
	if err != nil {
		return errors.Wrap(err, "getting context officer")
	}
	sort.Strings(query.IDs)
	if i := sort.SearchStrings(query.IDs, ctxOfficer.ID); i < len(query.IDs) && query.IDs[i] == ctxOfficer.ID {
		return errHttpForbidden
	}

	if err := api.svc.Delete(ctx.Request().Context(), query.IDs...); err != nil {
		return errors.Wrap(err, "deleting officers")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func ctxOfficerOrAdminMiddleware(svc officer.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			ctxOfficer, err := getContextOfficer(ctx, svc)
			if err != nil {
				return errors.Wrap(err, "getting context officer")
			}

			if ctx.Param("id") == ctxOfficer.ID || ctxOfficer.IsAdmin {
				if o, err := svc.GetByID(ctx.Request().Context(), ctx.Param("id")); err == nil {
					ctx.Set("object", o)
					return next(ctx)
				} else if errors.Cause(err) != officer.ErrNotFound {
					return errors.Wrap(err, "finding officer by ID")
				}
			}
			return errHttpNotFound
		}
	}
}

type (
	LoginRequest struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	LoginResponse struct {
		Token   string          `json:"token"`
		Officer officer.Officer `json:"officer"`
	}

	DestroyMultipleRequest struct {
		IDs []string `query:"id"`
	}
)

func (lr *LoginRequest) Validate(validate *validator.Validate) error {
	lr.Username = core.CleanString(lr.Username, true /* lower */)
	return validate.Struct(lr)
}
