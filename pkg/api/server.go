package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/runwayhq/runway/pkg/aggregate"
	"github.com/runwayhq/runway/pkg/gateway"
	"github.com/runwayhq/runway/pkg/metrics"
	"github.com/runwayhq/runway/pkg/schema"
	"github.com/runwayhq/runway/pkg/types"
	"github.com/runwayhq/runway/pkg/view"
)

// Query parameter prefixes for field filters and aggregate pre-filters
const (
	filterPrefix = "filter."
	wherePrefix  = "where."
)

// Config holds API server settings
type Config struct {
	PageSize int

	// LoadTimeout bounds how long a request waits for a collection's
	// first record set
	LoadTimeout time.Duration
}

// Deps are the collaborators of the API server
type Deps struct {
	Store   Pinger
	Client  Subscriber
	Gateway gateway.Gateway
	Schemas *schema.Registry
	Auth    *Authenticator
	Logger  zerolog.Logger
}

// Server exposes derived views, aggregates and mutations over HTTP and
// live views over websockets
type Server struct {
	cfg     Config
	store   Pinger
	gw      gateway.Gateway
	schemas *schema.Registry
	hub     *Hub
	logger  zerolog.Logger
	router  *gin.Engine
	http    *http.Server
}

// NewServer creates the API server and its routes
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Client == nil || deps.Gateway == nil || deps.Schemas == nil || deps.Auth == nil {
		return nil, fmt.Errorf("client, gateway, schemas and authenticator are required")
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = view.DefaultPageSize
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 5 * time.Second
	}

	logger := deps.Logger.With().Str("component", "api").Logger()
	s := &Server{
		cfg:     cfg,
		store:   deps.Store,
		gw:      deps.Gateway,
		schemas: deps.Schemas,
		hub:     NewHub(deps.Client, deps.Logger),
		logger:  logger,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/health", s.healthHandler)
	r.GET("/ready", s.readyHandler)
	r.GET("/live", gin.WrapF(metrics.LivenessHandler()))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1", deps.Auth.Middleware(), ReadOnlyInterceptor())
	v1.GET("/collections", s.listCollections)
	v1.GET("/collections/:collection/view", s.viewHandler)
	v1.GET("/collections/:collection/stats", s.statsHandler)
	v1.POST("/collections/:collection/records", s.createHandler)
	v1.PATCH("/collections/:collection/records/:id", s.updateHandler)
	v1.DELETE("/collections/:collection/records/:id", s.deleteHandler)

	r.GET("/ws/collections/:collection", deps.Auth.Middleware(), s.wsHandler)

	s.router = r
	return s, nil
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	metrics.RegisterComponent(metrics.ComponentAPI, true, "listening on "+addr)
	s.logger.Info().Str("addr", addr).Msg("API server listening")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops the listener and closes every shared feed
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.hub.Close()
	metrics.UpdateComponent(metrics.ComponentAPI, false, "shutting down")
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	}
}

func (s *Server) listCollections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"collections": s.schemas.Names()})
}

// collection resolves the :collection parameter or answers 404
func (s *Server) collection(c *gin.Context) (*schema.Schema, bool) {
	sch, ok := s.schemas.Get(c.Param("collection"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown collection " + c.Param("collection")})
		return nil, false
	}
	return sch, true
}

func sortOf(sch *schema.Schema) types.OrderSpec {
	if sch.Sort.Field != "" {
		return sch.Sort
	}
	return types.DefaultOrder
}

// records waits for the collection's feed and returns its current set. A
// feed that failed before delivering anything answers 503.
func (s *Server) records(c *gin.Context, sch *schema.Schema) (types.RecordSet, *types.StoreError, bool) {
	feed, err := s.hub.Feed(sch.Name, sortOf(sch))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return types.RecordSet{}, nil, false
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.LoadTimeout)
	defer cancel()
	if err := feed.Wait(ctx); err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "collection not loaded yet"})
		return types.RecordSet{}, nil, false
	}

	set, serr := feed.Current()
	if serr != nil && set.Seq == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": serr.Error(), "kind": serr.Kind})
		return types.RecordSet{}, nil, false
	}
	return set, serr, true
}

// stateFromQuery builds a view state from query parameters:
// filter.<field>=v, search, sort, dir, size and page
func stateFromQuery(c *gin.Context, sch *schema.Schema, pageSize int) view.State {
	st := view.NewState(sortOf(sch), pageSize)
	for key, vals := range c.Request.URL.Query() {
		if strings.HasPrefix(key, filterPrefix) && len(vals) > 0 {
			st.SetFilter(strings.TrimPrefix(key, filterPrefix), vals[0])
		}
	}
	st.SetSearch(c.Query("search"))
	if field := c.Query("sort"); field != "" {
		st.SetSort(field, types.SortDirection(strings.ToLower(c.DefaultQuery("dir", string(types.Ascending)))))
	}
	if n, err := strconv.Atoi(c.Query("size")); err == nil {
		st.SetPageSize(n)
	}
	if p, err := strconv.Atoi(c.Query("page")); err == nil {
		st.SetPage(p)
	}
	return st
}

// ViewResponse is the body of a view request and of websocket view frames
type ViewResponse struct {
	Collection string            `json:"collection"`
	Seq        uint64            `json:"seq"`
	View       types.DerivedView `json:"view"`
	State      view.State        `json:"state"`
	StoreError string            `json:"storeError,omitempty"`
}

func computeView(set types.RecordSet, serr *types.StoreError, st view.State) ViewResponse {
	timer := metrics.NewTimer()
	v := view.Compute(set.Records, nil, st)
	timer.ObserveDuration(metrics.ViewComputeDuration)

	resp := ViewResponse{Collection: set.Collection, Seq: set.Seq, View: v, State: st}
	if serr != nil {
		resp.StoreError = string(serr.Kind)
	}
	return resp
}

func (s *Server) viewHandler(c *gin.Context) {
	sch, ok := s.collection(c)
	if !ok {
		return
	}
	set, serr, ok := s.records(c, sch)
	if !ok {
		return
	}
	resp := computeView(set, serr, stateFromQuery(c, sch, s.cfg.PageSize))
	resp.Collection = sch.Name
	c.JSON(http.StatusOK, resp)
}

// StatsResponse is the body of a stats request
type StatsResponse struct {
	Collection string                  `json:"collection"`
	Field      string                  `json:"field"`
	Total      int                     `json:"total"`
	Buckets    []types.AggregateBucket `json:"buckets"`
}

func (s *Server) statsHandler(c *gin.Context) {
	sch, ok := s.collection(c)
	if !ok {
		return
	}
	field := c.Query("field")
	if field == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field is required"})
		return
	}
	set, _, ok := s.records(c, sch)
	if !ok {
		return
	}

	records := set.Records
	for key, vals := range c.Request.URL.Query() {
		if strings.HasPrefix(key, wherePrefix) && len(vals) > 0 {
			records = aggregate.Where(records, aggregate.Equals(strings.TrimPrefix(key, wherePrefix), vals[0]))
		}
	}

	var buckets []types.AggregateBucket
	switch {
	case c.Query("multi") == "true":
		buckets = aggregate.CountByMultiValue(records, aggregate.ListField(field))
	case c.Query("by") == "month":
		buckets = aggregate.CountBy(records, aggregate.MonthOf(field))
	default:
		buckets = aggregate.CountBy(records, aggregate.Field(field))
	}

	c.JSON(http.StatusOK, StatsResponse{
		Collection: sch.Name,
		Field:      field,
		Total:      aggregate.Total(buckets),
		Buckets:    aggregate.RoundAll(buckets, 1),
	})
}

func (s *Server) createHandler(c *gin.Context) {
	sch, ok := s.collection(c)
	if !ok {
		return
	}
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gateway.Fail("invalid JSON body"))
		return
	}
	id := ""
	if v, ok := body[types.ColumnID]; ok {
		id = types.Stringify(v)
		delete(body, types.ColumnID)
	}

	res, err := s.gw.Create(c.Request.Context(), sessionFrom(c), sch.Name, id, body)
	s.writeResult(c, res, err, http.StatusCreated)
}

func (s *Server) updateHandler(c *gin.Context) {
	sch, ok := s.collection(c)
	if !ok {
		return
	}
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gateway.Fail("invalid JSON body"))
		return
	}
	delete(patch, types.ColumnID)

	res, err := s.gw.Update(c.Request.Context(), sessionFrom(c), sch.Name, c.Param("id"), patch)
	s.writeResult(c, res, err, http.StatusOK)
}

func (s *Server) deleteHandler(c *gin.Context) {
	sch, ok := s.collection(c)
	if !ok {
		return
	}
	res, err := s.gw.Delete(c.Request.Context(), sessionFrom(c), sch.Name, c.Param("id"))
	s.writeResult(c, res, err, http.StatusOK)
}

// writeResult answers with the gateway Result. Rejections map to 422 when
// fields are at fault and 400 otherwise.
func (s *Server) writeResult(c *gin.Context, res *gateway.Result, err error, okStatus int) {
	if err != nil {
		s.logger.Error().Err(err).Msg("Gateway call failed")
		c.JSON(http.StatusBadGateway, gateway.Fail(err.Error()))
		return
	}
	if err := res.Check(); err != nil {
		s.logger.Error().Interface("result", res).Msg("Gateway returned a malformed result")
		c.JSON(http.StatusBadGateway, gateway.Fail(err.Error()))
		return
	}
	switch {
	case res.Success:
		c.JSON(okStatus, res)
	case len(res.FieldErrors) > 0:
		c.JSON(http.StatusUnprocessableEntity, res)
	default:
		c.JSON(http.StatusBadRequest, res)
	}
}
