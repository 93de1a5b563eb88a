package hub

import (
	"net/http"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/matheus3301/dmhub/internal/auth"
	"github.com/matheus3301/dmhub/internal/chaterr"
	"github.com/matheus3301/dmhub/internal/delivery"
	"github.com/matheus3301/dmhub/internal/store"
	"github.com/matheus3301/dmhub/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
)

const userKey = "userID"

// NewServer builds the public HTTP server: the websocket endpoint, the REST
// message API and a health check. HTTP metrics go to reg.
func NewServer(h *Hub, reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.BodyLimit("64K"))
	e.Use(middleware.RequestID())
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "dmhub",
		Registerer: reg,
	}))
	e.Use(middleware.Recover())

	e.GET("/hub", h.ServeWS)
	e.GET("/health", h.health)

	api := e.Group("/api", h.requireUser)
	api.GET("/messages/:contactID", h.conversation)
	api.POST("/messages/send/:contactID", h.send)
	api.POST("/messages/markAsRead/:senderID", h.markAsRead)
	return e
}

// NewMetricsServer serves reg on /metrics.
func NewMetricsServer(reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))
	return e
}

// requireUser authenticates REST calls. Only the Authorization header is
// accepted here; the query-parameter token is reserved for the handshake.
func (h *Hub) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := h.verifier.Verify(auth.TokenFromRequest(c.Request(), false))
		if err != nil {
			return writeError(c, err)
		}
		c.Set(userKey, userID)
		return next(c)
	}
}

func (h *Hub) conversation(c echo.Context) error {
	userID := c.Get(userKey).(string)
	msgs, err := h.delivery.Conversation(c.Request().Context(), userID, c.Param("contactID"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, lo.Map(msgs, func(m store.Message, _ int) wire.Message {
		return wire.Message{
			ID:         m.ID,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
			Content:    m.Content,
			Timestamp:  m.Timestamp,
			Read:       m.Read,
			ClientKey:  m.ClientKey,
		}
	}))
}

type sendBody struct {
	Content   string `json:"content"`
	ClientKey string `json:"clientKey"`
}

// send is the REST twin of the SendMessage invocation. The message is pushed
// to the contact's live connections exactly as a websocket send would be.
func (h *Hub) send(c echo.Context) error {
	userID := c.Get(userKey).(string)
	var body sendBody
	if err := c.Bind(&body); err != nil {
		return writeError(c, chaterr.Invalid("body", "malformed JSON"))
	}
	res, err := h.delivery.SendMessage(c.Request().Context(), delivery.SendRequest{
		SenderID:   userID,
		ReceiverID: c.Param("contactID"),
		Content:    body.Content,
		ClientKey:  body.ClientKey,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sendResult(res))
}

func sendResult(res *delivery.Result) wire.SendMessageResult {
	return wire.SendMessageResult{
		MessageID: res.Message.ID,
		Timestamp: res.Message.Timestamp,
		ClientKey: res.Message.ClientKey,
		Delivery:  string(res.Delivery),
		Pushed:    res.Pushed,
	}
}

func (h *Hub) markAsRead(c echo.Context) error {
	userID := c.Get(userKey).(string)
	updated, err := h.delivery.MarkMessagesAsRead(c.Request().Context(), c.Param("senderID"), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, wire.MarkMessagesAsReadResult{Updated: updated})
}

type healthResponse struct {
	Status      string `json:"status"`
	Users       int    `json:"users"`
	Connections int    `json:"connections"`
}

func (h *Hub) health(c echo.Context) error {
	stats := h.registry.Stats()
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Users:       stats.Users,
		Connections: stats.Connections,
	})
}
