package laborder

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicalrecord/internal/platform/auth"
	"github.com/ehr/clinicalrecord/internal/platform/lifecycle"
	"github.com/ehr/clinicalrecord/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse, lab_tech
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "lab_tech"))
	readGroup.GET("/lab-orders", h.ListOrders)
	readGroup.GET("/lab-orders/:id", h.GetOrder)
	readGroup.GET("/lab-orders/:id/summary", h.GetOrderSummary)
	readGroup.GET("/lab-orders/:id/status-history", h.GetStatusHistory)

	// Ordering – admin, physician
	orderGroup := api.Group("", auth.RequireRole("admin", "physician"))
	orderGroup.POST("/lab-orders", h.CreateOrder)
	orderGroup.POST("/lab-orders/:id/cancel", h.Cancel)

	// Specimen handling – physician, nurse, lab_tech
	sampleGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "lab_tech"))
	sampleGroup.POST("/lab-orders/:id/request-sample", h.RequestSample)
	sampleGroup.POST("/lab-orders/:id/collect-sample", h.CollectSample)

	// Lab workflow – lab_tech
	labGroup := api.Group("", auth.RequireRole("admin", "lab_tech"))
	labGroup.POST("/lab-orders/:id/acknowledge", h.Acknowledge)
	labGroup.POST("/lab-orders/:id/receive", h.ReceiveInLab)
	labGroup.POST("/lab-orders/:id/start-processing", h.StartProcessing)
	labGroup.POST("/lab-orders/:id/partial-results", h.MarkPartialResults)
	labGroup.POST("/lab-orders/:id/tests", h.AddTest)
	labGroup.PUT("/lab-orders/:id/tests/:testId/status", h.SetTestStatus)
	labGroup.POST("/lab-orders/:id/tests/:testId/results", h.AddResult)
	labGroup.POST("/lab-orders/:id/complete", h.Complete)
	labGroup.POST("/lab-orders/:id/verify", h.Verify)
	labGroup.POST("/lab-orders/:id/report", h.Report)
}

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{ID: auth.UserIDFromContext(ctx), Name: auth.UserNameFromContext(ctx)}
}

func respond(c echo.Context, status int, o *Order) error {
	lifecycle.SetETag(c, o.VersionID)
	return c.JSON(status, o)
}

// -- Order Handlers --

func (h *Handler) CreateOrder(c echo.Context) error {
	var in CreateOrderInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&in); err != nil {
		return err
	}
	o, err := h.svc.CreateOrder(c.Request().Context(), in, actorFrom(c))
	if err != nil {
		return lifecycle.HTTPError(err)
	}
	return respond(c, http.StatusCreated, o)
}

func (h *Handler) GetOrder(c echo.Context) error {
	o, err := h.svc.GetOrder(c.Request().Context(), c.Param("id"))
	if err != nil {
		return lifecycle.HTTPError(err)
	}
	return respond(c, http.StatusOK, o)
}

// GetOrderSummary returns the derived view: aggregates, completion and
// turnaround.
func (h *Handler) GetOrderSummary(c echo.Context) error {
	o, err := h.svc.GetOrder(c.Request().Context(), c.Param("id"))
	if err != nil {
		return lifecycle.HTTPError(err)
	}
	return c.JSON(http.StatusOK, Summarize(*o))
}

func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	if patientID := c.QueryParam("patient_id"); patientID != "" {
		items, total, err := h.svc.ListOrdersByPatient(ctx, patientID, pg.Limit, pg.Offset)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
	params := map[string]string{}
	for _, k := range []string{"doctor", "status", "priority", "critical"} {
		if v := c.QueryParam(k); v != "" {
			params[k] = v
		}
	}
	items, total, err := h.svc.SearchOrders(ctx, params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetStatusHistory(c echo.Context) error {
	history, err := h.svc.StatusHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return lifecycle.HTTPError(err)
	}
	return c.JSON(http.StatusOK, history)
}

// -- Transition Handlers --

type transitionFunc func(c echo.Context, id string, version int, actor Actor) (*Order, error)

// transition adapts a service call that needs no request body.
func (h *Handler) transition(fn transitionFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		version, err := lifecycle.ExpectedVersion(c)
		if err != nil {
			return err
		}
		o, err := fn(c, c.Param("id"), version, actorFrom(c))
		if err != nil {
			return lifecycle.HTTPError(err)
		}
		return respond(c, http.StatusOK, o)
	}
}

func (h *Handler) Acknowledge(c echo.Context) error {
	return h.transition(func(c echo.Context, id string, v int, a Actor) (*Order, error) {
		return h.svc.Acknowledge(c.Request().Context(), id, v, a)
	})(c)
}

func (h *Handler) RequestSample(c echo.Context) error {
	return h.transition(func(c echo.Context, id string, v int, a Actor) (*Order, error) {
		return h.svc.RequestSample(c.Request().Context(), id, v, a)
	})(c)
}

type collectRequest struct {
	SampleNumber string     `json:"sample_number,omitempty"`
	CollectedAt  *time.Time `json:"collected_at,omitempty"`
}

func (h *Handler) CollectSample(c echo.Context) error {
	var req collectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.transition(func(c echo.Context, id string, v int, a Actor) (*Order, error) {
		return h.svc.CollectSample(c.Request().Context(), id, v, req.SampleNumber, req.CollectedAt, a)
	})(c)
}

func (h *Handler) ReceiveInLab(c echo.Context) error {
	return h.transition(func(c echo.Context, id string, v int, a Actor) (*Order, error) {
		return h.svc.ReceiveInLab(c.Request().Context(), id, v, a)
	})(c)
}

func (h *Handler) StartProcessing(c echo.Context) error {
	return h.transition(func(c echo.Context, id string, v int, a Actor) (*Order, error) {
		return h.svc.StartProcessing(c.Request().Context(), id, v, a)
	})(c)
}

func (h *Handler) MarkPartialResults(c echo.Context) error {
	return h.transition(func(c echo.Context, id string, v int, a Actor) (*Order, error) {
		return h.svc.MarkPartialResults(c.Request().Context(), id, v, a)
	})(c)
}

func (h *Handler) AddTest(c echo.Context) error {
	var in NewTest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&in); err != nil {
		return err
	}
	return h.transition(func(c echo.Context, id string, v int, a Actor) (*Order, error) {
		return h.svc.AddTest(c.Request().Context(), id, v, in, a)
	})(c)
}

type testStatusRequest struct {
	Status TestStatus `json:"status" validate:"required,oneof=pending in_progress completed verified cancelled"`
}

func (h *Handler) SetTestStatus(c echo.Context) error {
	var req testStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	return h.transition(func(c echo.Context, id string, v int, a Actor) (*Order, error) {
		return h.svc.SetTestStatus(c.Request().Context(), id, v, c.Param("testId"), req.Status, a)
	})(c)
}

func (h *Handler) AddResult(c echo.Context) error {
	var in NewResult
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&in); err != nil {
		return err
	}
	return h.transition(func(c echo.Context, id string, v int, a Actor) (*Order, error) {
		return h.svc.AddResult(c.Request().Context(), id, v, c.Param("testId"), in, a)
	})(c)
}

func (h *Handler) Complete(c echo.Context) error {
	return h.transition(func(c echo.Context, id string, v int, a Actor) (*Order, error) {
		return h.svc.Complete(c.Request().Context(), id, v, a)
	})(c)
}

func (h *Handler) Verify(c echo.Context) error {
	return h.transition(func(c echo.Context, id string, v int, a Actor) (*Order, error) {
		return h.svc.Verify(c.Request().Context(), id, v, a)
	})(c)
}

func (h *Handler) Report(c echo.Context) error {
	return h.transition(func(c echo.Context, id string, v int, a Actor) (*Order, error) {
		return h.svc.Report(c.Request().Context(), id, v, a)
	})(c)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"notblank"`
}

func (h *Handler) Cancel(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	return h.transition(func(c echo.Context, id string, v int, a Actor) (*Order, error) {
		return h.svc.Cancel(c.Request().Context(), id, v, req.Reason, a)
	})(c)
}
