package echoapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/events"
)

const (
	eventBuffer      = 64
	keepAlivePeriod  = 15 * time.Second
	wsWriteTimeout   = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsMaxMessageSize = 512
)

type eventsApi struct {
	conf     *core.Config
	logger   core.Logger
	source   events.Source
	upgrader websocket.Upgrader
}

func registerEventsAPI(g *echo.Group, jwt echo.MiddlewareFunc, s *Server) {
	if s.deps.Events == nil {
		return
	}
	api := &eventsApi{
		conf:   s.deps.Conf,
		logger: s.deps.Logger,
		source: s.deps.Events,
	}
	api.upgrader = websocket.Upgrader{CheckOrigin: api.checkOrigin}

	eg := g.Group("/events", jwt, activeOfficerMiddleware(s.deps.OfficerSvc))
	eg.GET("", api.stream)
	eg.GET("/ws", api.socket)
}

// checkOrigin accepts non-browser clients (no Origin), the frontend and same-host pages.
func (api *eventsApi) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if front, err := url.Parse(api.conf.Server.FrontendBaseURL); err == nil && front.Host == u.Host {
		return true
	}
	return u.Host == r.Host
}

// subscribe feeds every event into a buffered channel. Events are dropped for consumers that fall behind,
// since clients re-sync on their next poll anyway.
func (api *eventsApi) subscribe() (<-chan events.Event, func()) {
	ch := make(chan events.Event, eventBuffer)
	unsubscribe := api.source.SubscribeAll(func(evt events.Event) {
		select {
		case ch <- evt:
		default:
			api.logger.Warn(fmt.Sprintf("events: dropping %s for slow consumer", evt.Kind))
		}
	})
	return ch, unsubscribe
}

// stream serves events as Server-Sent Events.
func (api *eventsApi) stream(ctx echo.Context) error {
	w := ctx.Response()
	flusher, ok := w.Writer.(http.Flusher)
	if !ok {
		return errors.New("streaming unsupported")
	}

	ch, unsubscribe := api.subscribe()
	defer unsubscribe()

	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAlivePeriod)
	defer keepAlive.Stop()

	done := ctx.Request().Context().Done()
	for {
		select {
		case <-done:
			return nil
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
		case evt := <-ch:
			data, err := json.Marshal(evt)
			if err != nil {
				return errors.Wrap(err, "marshalling event")
			}
			if _, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data); err != nil {
				return nil // client went away
			}
		}
		flusher.Flush()
	}
}

// socket serves events as websocket JSON frames. Incoming frames are ignored.
func (api *eventsApi) socket(ctx echo.Context) error {
	conn, err := api.upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		// the upgrader already replied
		api.logger.Warn(fmt.Sprintf("events: websocket upgrade failed: %v", err))
		return nil
	}
	defer func() { _ = conn.Close() }()

	ch, unsubscribe := api.subscribe()
	defer unsubscribe()

	// read pump: handles pongs and close frames
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(wsMaxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(keepAlivePeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return nil
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return nil
			}
		case evt := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return nil
			}
		}
	}
}
