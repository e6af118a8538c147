// Package fhir exposes search, history, erase and index ingest over HTTP.
package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/index"
	"github.com/ehr/fhirstore/internal/platform/index/consumer"
	"github.com/ehr/fhirstore/internal/platform/persistence"
	"github.com/ehr/fhirstore/pkg/pagination"
)

type Searcher interface {
	Search(ctx context.Context, req persistence.SearchRequest) (*persistence.SearchResult, error)
}

type Historian interface {
	History(ctx context.Context, resourceType, logicalID string, page persistence.Page) (*persistence.HistoryResult, error)
}

type Eraser interface {
	Erase(ctx context.Context, req persistence.EraseRequest) (persistence.EraseRecord, error)
}

// MessageHandler indexes one message, retrying transient failures.
type MessageHandler interface {
	Handle(ctx context.Context, msg index.Message) (consumer.Outcome, error)
}

type Config struct {
	// BaseURL prefixes fullUrl values in bundles.
	BaseURL       string
	DefaultCount  int
	MaxCount      int
	// EraseDisabled turns $erase away with 405 before touching the store.
	EraseDisabled bool
}

type Handler struct {
	search  Searcher
	history Historian
	eraser  Eraser
	indexer MessageHandler
	cfg     Config
	logger  zerolog.Logger
}

func NewHandler(search Searcher, history Historian, eraser Eraser, indexer MessageHandler, cfg Config, logger zerolog.Logger) *Handler {
	if cfg.DefaultCount <= 0 {
		cfg.DefaultCount = pagination.DefaultCount
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = pagination.MaxCount
	}
	return &Handler{
		search:  search,
		history: history,
		eraser:  eraser,
		indexer: indexer,
		cfg:     cfg,
		logger:  logger.With().Str("component", "fhir").Logger(),
	}
}

// RegisterRoutes mounts the FHIR routes on fhirGroup and the ingest route
// on api. admin guards erase; ingest wraps the index route.
func (h *Handler) RegisterRoutes(api, fhirGroup *echo.Group, admin echo.MiddlewareFunc, ingest ...echo.MiddlewareFunc) {
	fhirGroup.GET("/:type", h.Search)
	fhirGroup.GET("/:type/:id/_history", h.History)
	fhirGroup.POST("/:type/:id/$erase", h.Erase, admin)

	api.POST("/index", h.Index, ingest...)
}

func (h *Handler) fail(c echo.Context, err error) error {
	status, oo := outcomeFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Msg("request failed")
	}
	return c.JSON(status, oo)
}

func resourceType(c echo.Context) (string, error) {
	rt := c.Param("type")
	if !index.ValidResourceType(rt) {
		return "", fmt.Errorf("%w: unknown resource type %q", ErrInvalidRequest, rt)
	}
	return rt, nil
}

// Search answers GET /fhir/:type with a searchset Bundle.
func (h *Handler) Search(c echo.Context) error {
	rt, err := resourceType(c)
	if err != nil {
		return h.fail(c, err)
	}
	req, err := persistence.ParseSearchRequest(rt, c.QueryParams(), h.cfg.DefaultCount, h.cfg.MaxCount)
	if err != nil {
		return h.fail(c, err)
	}
	result, err := h.search.Search(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}

	pg := pagination.Params{Page: result.Page.Number, Count: result.Page.Size}
	links := pg.FHIRLinks(c.Request().URL.Path, c.QueryParams(), result.Total)
	return c.JSON(http.StatusOK, NewSearchBundle(rt, result, links, h.cfg.BaseURL))
}

// History answers GET /fhir/:type/:id/_history with a history Bundle.
func (h *Handler) History(c echo.Context) error {
	rt, err := resourceType(c)
	if err != nil {
		return h.fail(c, err)
	}
	pg, err := pagination.FromContext(c, h.cfg.DefaultCount, h.cfg.MaxCount)
	if err != nil {
		return h.fail(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	result, err := h.history.History(c.Request().Context(), rt, c.Param("id"),
		persistence.Page{Number: pg.Page, Size: pg.Count})
	if err != nil {
		return h.fail(c, err)
	}

	links := pg.FHIRLinks(c.Request().URL.Path, c.QueryParams(), result.Total)
	return c.JSON(http.StatusOK, NewHistoryBundle(result, links, h.cfg.BaseURL))
}

// Parameters is the FHIR Parameters resource returned by $erase.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []Parameter `json:"parameter"`
}

type Parameter struct {
	Name         string `json:"name"`
	ValueCode    string `json:"valueCode,omitempty"`
	ValueInteger *int   `json:"valueInteger,omitempty"`
	ValueBoolean *bool  `json:"valueBoolean,omitempty"`
}

func eraseParameters(rec persistence.EraseRecord) *Parameters {
	total, partial := rec.Total, rec.Partial
	return &Parameters{
		ResourceType: "Parameters",
		Parameter: []Parameter{
			{Name: "status", ValueCode: string(rec.Status)},
			{Name: "total", ValueInteger: &total},
			{Name: "partial", ValueBoolean: &partial},
		},
	}
}

// Erase answers POST /fhir/:type/:id/$erase. A partial result is a 200;
// the caller repeats the request until the status is done.
func (h *Handler) Erase(c echo.Context) error {
	if h.cfg.EraseDisabled {
		return c.JSON(http.StatusMethodNotAllowed, NewOperationOutcome(IssueSeverityError, IssueTypeNotSupported,
			"the $erase operation is not enabled"))
	}
	rt, err := resourceType(c)
	if err != nil {
		return h.fail(c, err)
	}
	req := persistence.EraseRequest{ResourceType: rt, LogicalID: c.Param("id")}
	if v := c.QueryParam("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return h.fail(c, fmt.Errorf("%w: version %q", ErrInvalidRequest, v))
		}
		req.Version = &n
	}

	rec, err := h.eraser.Erase(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	if status, oo, ok := eraseOutcome(req, rec); ok {
		return c.JSON(status, oo)
	}
	return c.JSON(http.StatusOK, eraseParameters(rec))
}

// Index answers POST /index with one index message. The message shard
// defaults to the request shard; a message naming another shard is
// rejected.
func (h *Handler) Index(c echo.Context) error {
	ctx := c.Request().Context()

	var msg index.Message
	if err := json.NewDecoder(c.Request().Body).Decode(&msg); err != nil {
		return h.fail(c, fmt.Errorf("%w: decode index message: %v", ErrInvalidRequest, err))
	}
	shard := db.ShardFromContext(ctx)
	switch {
	case msg.RequestShard == "":
		msg.RequestShard = shard
	case shard != "" && msg.RequestShard != shard:
		return h.fail(c, fmt.Errorf("%w: message shard %q does not match request shard %q",
			ErrInvalidRequest, msg.RequestShard, shard))
	}

	outcome, err := h.indexer.Handle(ctx, msg)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, InformationOutcome(
		fmt.Sprintf("%s/%s version %d: %s", msg.ResourceType, msg.LogicalID, msg.VersionID, outcome)))
}
