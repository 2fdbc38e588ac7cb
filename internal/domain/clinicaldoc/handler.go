package clinicaldoc

import (
	"net/http"

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
	// Read endpoints – admin, physician, nurse
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	readGroup.GET("/progress-notes", h.ListNotes)
	readGroup.GET("/progress-notes/:id", h.GetNote)
	readGroup.GET("/progress-notes/:id/status-history", h.GetNoteHistory)
	readGroup.GET("/discharge-summaries", h.ListSummaries)
	readGroup.GET("/discharge-summaries/:id", h.GetSummary)
	readGroup.GET("/discharge-summaries/:id/validation", h.ValidateSummary)
	readGroup.GET("/discharge-summaries/:id/length-of-stay", h.GetLengthOfStay)
	readGroup.GET("/discharge-summaries/:id/status-history", h.GetSummaryHistory)

	// Note authoring – admin, physician, nurse
	noteGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	noteGroup.POST("/progress-notes", h.CreateNote)
	noteGroup.PUT("/progress-notes/:id", h.UpdateNote)
	noteGroup.POST("/progress-notes/:id/sign", h.SignNote)
	noteGroup.POST("/progress-notes/:id/addenda", h.AddAddendum)

	// Physician-only – cosign and discharge summaries
	physicianGroup := api.Group("", auth.RequireRole("admin", "physician"))
	physicianGroup.POST("/progress-notes/:id/cosign", h.CosignNote)
	physicianGroup.POST("/discharge-summaries", h.CreateSummary)
	physicianGroup.PUT("/discharge-summaries/:id", h.UpdateSummary)
	physicianGroup.POST("/discharge-summaries/:id/submit", h.SubmitSummary)
	physicianGroup.POST("/discharge-summaries/:id/approve", h.ApproveSummary)
	physicianGroup.POST("/discharge-summaries/:id/finalize", h.FinalizeSummary)
}

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{ID: auth.UserIDFromContext(ctx), Name: auth.UserNameFromContext(ctx)}
}

func bindAndValidate(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Validate(v)
}

func searchParams(c echo.Context, keys ...string) map[string]string {
	params := map[string]string{}
	for _, k := range keys {
		if v := c.QueryParam(k); v != "" {
			params[k] = v
		}
	}
	return params
}

// -- Progress Note Handlers --

func respondNote(c echo.Context, status int, n *ProgressNote) error {
	lifecycle.SetETag(c, n.VersionID)
	return c.JSON(status, n)
}

func (h *Handler) CreateNote(c echo.Context) error {
	var in CreateNoteInput
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	n, err := h.svc.CreateNote(c.Request().Context(), in, actorFrom(c))
	if err != nil {
		return lifecycle.HTTPError(err)
	}
	return respondNote(c, http.StatusCreated, n)
}

func (h *Handler) GetNote(c echo.Context) error {
	n, err := h.svc.GetNote(c.Request().Context(), c.Param("id"))
	if err != nil {
		return lifecycle.HTTPError(err)
	}
	return respondNote(c, http.StatusOK, n)
}

func (h *Handler) ListNotes(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := searchParams(c, "patient", "encounter", "author", "status", "note_type")
	if v := c.QueryParam("patient_id"); v != "" {
		params["patient"] = v
	}
	items, total, err := h.svc.SearchNotes(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetNoteHistory(c echo.Context) error {
	history, err := h.svc.NoteHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return lifecycle.HTTPError(err)
	}
	return c.JSON(http.StatusOK, history)
}

type noteFunc func(c echo.Context, id string, version int, actor Actor) (*ProgressNote, error)

func (h *Handler) noteTransition(c echo.Context, fn noteFunc) error {
	version, err := lifecycle.ExpectedVersion(c)
	if err != nil {
		return err
	}
	n, err := fn(c, c.Param("id"), version, actorFrom(c))
	if err != nil {
		return lifecycle.HTTPError(err)
	}
	return respondNote(c, http.StatusOK, n)
}

func (h *Handler) UpdateNote(c echo.Context) error {
	var in NoteContent
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	return h.noteTransition(c, func(c echo.Context, id string, v int, a Actor) (*ProgressNote, error) {
		return h.svc.UpdateNote(c.Request().Context(), id, v, in, a)
	})
}

func (h *Handler) SignNote(c echo.Context) error {
	return h.noteTransition(c, func(c echo.Context, id string, v int, a Actor) (*ProgressNote, error) {
		return h.svc.SignNote(c.Request().Context(), id, v, a)
	})
}

func (h *Handler) CosignNote(c echo.Context) error {
	return h.noteTransition(c, func(c echo.Context, id string, v int, a Actor) (*ProgressNote, error) {
		return h.svc.CosignNote(c.Request().Context(), id, v, a)
	})
}

func (h *Handler) AddAddendum(c echo.Context) error {
	var in NewAddendum
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	return h.noteTransition(c, func(c echo.Context, id string, v int, a Actor) (*ProgressNote, error) {
		return h.svc.AddAddendum(c.Request().Context(), id, v, in, a)
	})
}

// -- Discharge Summary Handlers --

func respondSummary(c echo.Context, status int, s *DischargeSummary) error {
	lifecycle.SetETag(c, s.VersionID)
	return c.JSON(status, s)
}

func (h *Handler) CreateSummary(c echo.Context) error {
	var in CreateSummaryInput
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	s, err := h.svc.CreateSummary(c.Request().Context(), in, actorFrom(c))
	if err != nil {
		return lifecycle.HTTPError(err)
	}
	return respondSummary(c, http.StatusCreated, s)
}

func (h *Handler) GetSummary(c echo.Context) error {
	s, err := h.svc.GetSummary(c.Request().Context(), c.Param("id"))
	if err != nil {
		return lifecycle.HTTPError(err)
	}
	return respondSummary(c, http.StatusOK, s)
}

func (h *Handler) ListSummaries(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := searchParams(c, "patient", "admission", "attending", "status")
	if v := c.QueryParam("patient_id"); v != "" {
		params["patient"] = v
	}
	items, total, err := h.svc.SearchSummaries(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// ValidateSummary reports the approval checks for the summary as it stands.
func (h *Handler) ValidateSummary(c echo.Context) error {
	check, err := h.svc.ValidateSummary(c.Request().Context(), c.Param("id"))
	if err != nil {
		return lifecycle.HTTPError(err)
	}
	return c.JSON(http.StatusOK, check)
}

func (h *Handler) GetLengthOfStay(c echo.Context) error {
	stay, err := h.svc.SummaryLengthOfStay(c.Request().Context(), c.Param("id"))
	if err != nil {
		return lifecycle.HTTPError(err)
	}
	return c.JSON(http.StatusOK, stay)
}

func (h *Handler) GetSummaryHistory(c echo.Context) error {
	history, err := h.svc.SummaryHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return lifecycle.HTTPError(err)
	}
	return c.JSON(http.StatusOK, history)
}

type summaryFunc func(c echo.Context, id string, version int, actor Actor) (*DischargeSummary, error)

func (h *Handler) summaryTransition(c echo.Context, fn summaryFunc) error {
	version, err := lifecycle.ExpectedVersion(c)
	if err != nil {
		return err
	}
	s, err := fn(c, c.Param("id"), version, actorFrom(c))
	if err != nil {
		return lifecycle.HTTPError(err)
	}
	return respondSummary(c, http.StatusOK, s)
}

func (h *Handler) UpdateSummary(c echo.Context) error {
	var in SummaryContent
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	return h.summaryTransition(c, func(c echo.Context, id string, v int, a Actor) (*DischargeSummary, error) {
		return h.svc.UpdateSummary(c.Request().Context(), id, v, in, a)
	})
}

func (h *Handler) SubmitSummary(c echo.Context) error {
	return h.summaryTransition(c, func(c echo.Context, id string, v int, a Actor) (*DischargeSummary, error) {
		return h.svc.SubmitSummary(c.Request().Context(), id, v, a)
	})
}

func (h *Handler) ApproveSummary(c echo.Context) error {
	return h.summaryTransition(c, func(c echo.Context, id string, v int, a Actor) (*DischargeSummary, error) {
		return h.svc.ApproveSummary(c.Request().Context(), id, v, a)
	})
}

func (h *Handler) FinalizeSummary(c echo.Context) error {
	return h.summaryTransition(c, func(c echo.Context, id string, v int, a Actor) (*DischargeSummary, error) {
		return h.svc.FinalizeSummary(c.Request().Context(), id, v, a)
	})
}
