package server

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oversight-labs/riskwatch/internal/store"
)

// APIStore is the read surface the HTTP API needs.
type APIStore interface {
	ListActiveSources(ctx context.Context) ([]store.Source, error)
	ListInsights(ctx context.Context, limit int) ([]store.Insight, error)
	GetInsightByChange(ctx context.Context, changeID int64) (store.Insight, bool, error)
	SearchVectorChunks(ctx context.Context, vector []float32, topK int, sourceID int64, kind string) ([]store.VectorSearchResult, error)
}

// QueryEmbedder turns a search query into a vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Server exposes the read API over monitored sources, insights, and the
// vector index.
type Server struct {
	echo     *echo.Echo
	store    APIStore
	embedder QueryEmbedder
	logger   *log.Logger
	address  string
}

func New(st APIStore, embedder QueryEmbedder, logger *log.Logger, address string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{echo: e, store: st, embedder: embedder, logger: logger, address: address}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api")
	api.GET("/sources", s.handleSources)
	api.GET("/insights", s.handleInsights)
	api.GET("/changes/:id/insight", s.handleChangeInsight)
	api.POST("/search", s.handleSearch)
}

// Start blocks until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.address)
	}()
	if s.logger != nil {
		s.logger.Printf("api listening on %s", s.address)
	}

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type sourceResponse struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

func (s *Server) handleSources(c echo.Context) error {
	sources, err := s.store.ListActiveSources(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]sourceResponse, 0, len(sources))
	for _, src := range sources {
		out = append(out, sourceResponse{ID: src.ID, Name: src.Name, URL: src.URL, Active: src.Active})
	}
	return c.JSON(http.StatusOK, out)
}

type insightResponse struct {
	ID                 int64     `json:"id"`
	ChangeID           int64     `json:"change_id"`
	AgentName          string    `json:"agent_name"`
	Title              string    `json:"title"`
	Summary            string    `json:"summary"`
	Category           string    `json:"category,omitempty"`
	AffectedSignals    []string  `json:"affected_signals"`
	RecommendedActions []string  `json:"recommended_actions"`
	RiskScore          *int      `json:"risk_score,omitempty"`
	Confidence         float64   `json:"confidence"`
	SchemaVersion      int       `json:"schema_version"`
	CreatedAt          time.Time `json:"created_at"`
}

func toInsightResponse(in store.Insight) insightResponse {
	return insightResponse{
		ID:                 in.ID,
		ChangeID:           in.ChangeID,
		AgentName:          in.AgentName,
		Title:              in.Title,
		Summary:            in.Summary,
		Category:           in.Category,
		AffectedSignals:    in.AffectedSignals,
		RecommendedActions: in.RecommendedActions,
		RiskScore:          in.RiskScore,
		Confidence:         in.Confidence,
		SchemaVersion:      in.SchemaVersion,
		CreatedAt:          in.CreatedAt,
	}
}

func (s *Server) handleInsights(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be 1-500")
		}
		limit = n
	}
	insights, err := s.store.ListInsights(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]insightResponse, 0, len(insights))
	for _, in := range insights {
		out = append(out, toInsightResponse(in))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleChangeInsight(c echo.Context) error {
	changeID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid change id")
	}
	in, found, err := s.store.GetInsightByChange(c.Request().Context(), changeID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "no insight for change")
	}
	return c.JSON(http.StatusOK, toInsightResponse(in))
}

type searchRequest struct {
	Query    string `json:"query"`
	TopK     int    `json:"top_k"`
	SourceID int64  `json:"source_id"`
	Kind     string `json:"kind"`
}

type searchHit struct {
	SourceID    int64   `json:"source_id"`
	SnapshotSHA string  `json:"snapshot_sha"`
	Kind        string  `json:"kind"`
	ChunkIndex  int     `json:"chunk_index"`
	ChunkText   string  `json:"chunk_text"`
	Distance    float64 `json:"distance"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.TopK <= 0 || req.TopK > 100 {
		req.TopK = 10
	}

	ctx := c.Request().Context()
	vecs, err := s.embedder.Embed(ctx, []string{req.Query})
	if err != nil || len(vecs) != 1 {
		return echo.NewHTTPError(http.StatusBadGateway, "query embedding failed")
	}
	results, err := s.store.SearchVectorChunks(ctx, vecs[0], req.TopK, req.SourceID, req.Kind)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]searchHit, 0, len(results))
	for _, r := range results {
		out = append(out, searchHit{
			SourceID:    r.SourceID,
			SnapshotSHA: r.SnapshotSHA,
			Kind:        r.Kind,
			ChunkIndex:  r.ChunkIndex,
			ChunkText:   r.ChunkText,
			Distance:    r.Distance,
		})
	}
	return c.JSON(http.StatusOK, out)
}
