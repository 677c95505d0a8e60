// Package server exposes the composition engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/chain"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/compose"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/observability"
)

// BatchSink receives a finalized instruction batch. Implementations
// publish it downstream or record it for audit.
type BatchSink interface {
	Accept(ctx context.Context, batch *compose.InstructionBatch) error
}

// Server is the HTTP API over the session registry.
type Server struct {
	echo     *echo.Echo
	registry *compose.Registry
	sinks    []BatchSink
	health   *observability.HealthChecker
	metrics  *observability.Metrics
	log      zerolog.Logger
	addr     string
}

func New(addr string, registry *compose.Registry, health *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger, sinks ...BatchSink) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		registry: registry,
		sinks:    sinks,
		health:   health,
		metrics:  metrics,
		log:      log.With().Str("component", "http").Logger(),
		addr:     addr,
	}

	e.Use(middleware.Recover())
	e.Use(s.metricsMiddleware())
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	if s.health != nil {
		e.GET("/healthz", echo.WrapHandler(http.HandlerFunc(s.health.LivenessHandler)))
		e.GET("/readyz", echo.WrapHandler(http.HandlerFunc(s.health.ReadinessHandler)))
	}

	v1 := e.Group("/v1")
	v1.POST("/sessions", s.createSession)
	v1.GET("/sessions/:id", s.getSession)
	v1.DELETE("/sessions/:id", s.closeSession)
	v1.POST("/sessions/:id/finalize", s.finalizeSession)

	v1.POST("/sessions/:id/legs", s.addLeg)
	v1.DELETE("/sessions/:id/legs/:leg", s.removeLeg)
	v1.PUT("/sessions/:id/legs/:leg/mode", s.setMode)
	v1.PUT("/sessions/:id/legs/:leg/memo", s.setMemo)

	v1.PUT("/sessions/:id/legs/:leg/:side/did", s.resolveDID)
	v1.PUT("/sessions/:id/legs/:leg/:side/portfolio", s.selectPortfolio)

	v1.GET("/sessions/:id/legs/:leg/balances", s.listBalances)
	v1.PUT("/sessions/:id/legs/:leg/asset", s.selectAsset)
	v1.PUT("/sessions/:id/legs/:leg/amount", s.setAmount)
	v1.POST("/sessions/:id/legs/:leg/amount/max", s.useMax)

	v1.PUT("/sessions/:id/legs/:leg/collection", s.selectCollection)
	v1.GET("/sessions/:id/legs/:leg/nfts", s.availableNFTs)
	v1.POST("/sessions/:id/legs/:leg/nfts", s.addToken)
	v1.DELETE("/sessions/:id/legs/:leg/nfts", s.clearTokens)
	v1.POST("/sessions/:id/legs/:leg/nfts/all", s.selectAllTokens)
	v1.DELETE("/sessions/:id/legs/:leg/nfts/:token", s.removeToken)
}

// metricsMiddleware records request counts and latency per route pattern.
// The route pattern keeps label cardinality bounded.
func (s *Server) metricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.metrics == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			method := c.Request().Method
			path := c.Path()
			if path == "" {
				path = "unknown"
			}
			status := strconv.Itoa(c.Response().Status)
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = strconv.Itoa(he.Code)
				}
			}
			s.metrics.HTTPRequests.WithLabelValues(method, path, status).Inc()
			s.metrics.HTTPDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Start runs the HTTP listener until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// --- Request/response shapes ---------------------------------------------

type didRequest struct {
	DID string `json:"did"`
}

type portfolioRequest struct {
	Kind   string `json:"kind"`
	Number int64  `json:"number"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type memoRequest struct {
	Memo string `json:"memo"`
}

type assetRequest struct {
	AssetID string `json:"asset_id"`
}

type amountRequest struct {
	Input string `json:"input"`
}

type collectionRequest struct {
	CollectionID string `json:"collection_id"`
}

type tokenRequest struct {
	TokenID string `json:"token_id"`
}

type portfolioView struct {
	Kind      string `json:"kind"`
	Number    int64  `json:"number,omitempty"`
	Label     string `json:"label"`
	Custodian string `json:"custodian,omitempty"`
}

type sideView struct {
	Input      string          `json:"input"`
	Phase      string          `json:"phase"`
	Error      string          `json:"error,omitempty"`
	Portfolios []portfolioView `json:"portfolios,omitempty"`
	Selected   *portfolioView  `json:"selected,omitempty"`
}

type legView struct {
	ID          int      `json:"id"`
	Mode        string   `json:"mode"`
	Sender      sideView `json:"sender"`
	Receiver    sideView `json:"receiver"`
	AssetID     string   `json:"asset_id,omitempty"`
	AssetName   string   `json:"asset_name,omitempty"`
	AmountInput string   `json:"amount_input,omitempty"`
	Amount      string   `json:"amount"`
	AmountError string   `json:"amount_error,omitempty"`
	TokenIDs    []string `json:"token_ids,omitempty"`
	TokenCount  int      `json:"token_count"`
	Warning     string   `json:"warning,omitempty"`
	Memo        string   `json:"memo,omitempty"`
}

type sessionView struct {
	ID   string    `json:"id"`
	Legs []legView `json:"legs"`
}

type balanceView struct {
	AssetID string `json:"asset_id"`
	Name    string `json:"name,omitempty"`
	Ticker  string `json:"ticker,omitempty"`
	Free    string `json:"free"`
	Locked  string `json:"locked"`
	Total   string `json:"total"`
}

type nftView struct {
	TokenID  string `json:"token_id"`
	ImageURL string `json:"image_url,omitempty"`
}

type amountResponse struct {
	Input     string `json:"input"`
	Error     string `json:"error,omitempty"`
	Available string `json:"available"`
}

func renderPortfolio(id chain.PortfolioID, name, custodian string) portfolioView {
	kind := "default"
	if id.Kind == chain.PortfolioNumbered {
		kind = "numbered"
	}
	return portfolioView{
		Kind:      kind,
		Number:    id.Number,
		Label:     id.Label(name),
		Custodian: custodian,
	}
}

func renderSide(st *compose.SideState) sideView {
	view := sideView{
		Input: st.Input,
		Phase: st.Phase.String(),
		Error: st.Err,
	}
	for i := range st.Portfolios {
		pf := &st.Portfolios[i]
		view.Portfolios = append(view.Portfolios, renderPortfolio(pf.ID, pf.Name, pf.Custodian))
	}
	if pf, ok := st.SelectedPortfolio(); ok {
		v := renderPortfolio(pf.ID, pf.Name, pf.Custodian)
		view.Selected = &v
	}
	return view
}

func (s *Server) renderLeg(sess *compose.Session, legID int) (legView, bool) {
	leg, ok := sess.Leg(legID)
	if !ok {
		return legView{}, false
	}
	entry, _ := sess.Entry(legID)

	view := legView{
		ID:          legID,
		Mode:        leg.Mode().String(),
		Sender:      renderSide(leg.Sender()),
		Receiver:    renderSide(leg.Receiver()),
		AssetID:     entry.AssetID,
		AmountInput: leg.AmountInput(),
		Amount:      entry.Amount.String(),
		AmountError: leg.AmountErr(),
		TokenCount:  len(entry.TokenIDs),
		Warning:     sess.NFTWarning(legID),
		Memo:        entry.Memo,
	}
	if entry.AssetID != "" {
		if d, ok := sess.Details().Get(entry.AssetID); ok {
			view.AssetName = d.Name
		}
	}
	for _, id := range entry.TokenIDs {
		view.TokenIDs = append(view.TokenIDs, id.String())
	}
	return view, true
}

func (s *Server) renderSession(sess *compose.Session) sessionView {
	view := sessionView{ID: sess.ID.String()}
	for _, id := range sess.LegIDs() {
		if lv, ok := s.renderLeg(sess, id); ok {
			view.Legs = append(view.Legs, lv)
		}
	}
	return view
}

// --- Parameter parsing ----------------------------------------------------

func (s *Server) session(c echo.Context) (*compose.Session, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return sess, nil
}

func legParam(c echo.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("leg"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid leg id")
	}
	return id, nil
}

func sideParam(c echo.Context) (compose.Side, error) {
	switch c.Param("side") {
	case "sender":
		return compose.SideSender, nil
	case "receiver":
		return compose.SideReceiver, nil
	default:
		return 0, echo.NewHTTPError(http.StatusBadRequest, "side must be sender or receiver")
	}
}

func parsePortfolioID(did string, req portfolioRequest) (chain.PortfolioID, error) {
	switch req.Kind {
	case "default":
		return chain.PortfolioID{DID: did, Kind: chain.PortfolioDefault}, nil
	case "numbered":
		return chain.PortfolioID{DID: did, Kind: chain.PortfolioNumbered, Number: req.Number}, nil
	default:
		return chain.PortfolioID{}, echo.NewHTTPError(http.StatusBadRequest, "kind must be default or numbered")
	}
}

// httpError maps engine errors onto HTTP statuses. Unknown errors pass
// through to the recover middleware as 500s.
func httpError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, compose.ErrNoLeg),
		errors.Is(err, compose.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, compose.ErrFirstLegPinned),
		errors.Is(err, compose.ErrNotResolved),
		errors.Is(err, compose.ErrLegNotReady),
		errors.Is(err, compose.ErrWrongMode):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, compose.ErrUnknownPortfolio),
		errors.Is(err, compose.ErrUnknownAsset),
		errors.Is(err, compose.ErrUnknownCollection),
		errors.Is(err, compose.ErrTokenUnavailable),
		errors.Is(err, compose.ErrMemoTooLong):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
}

// --- Handlers -------------------------------------------------------------

func (s *Server) createSession(c echo.Context) error {
	sess := s.registry.Create()
	return c.JSON(http.StatusCreated, s.renderSession(sess))
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.renderSession(sess))
}

func (s *Server) closeSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	s.registry.Close(id)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) addLeg(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID := sess.AddLeg()
	view, _ := s.renderLeg(sess, legID)
	return c.JSON(http.StatusCreated, view)
}

func (s *Server) removeLeg(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	if err := sess.RemoveLeg(legID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) resolveDID(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	side, err := sideParam(c)
	if err != nil {
		return err
	}
	var req didRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	if err := sess.ResolveDID(c.Request().Context(), legID, side, req.DID); err != nil {
		return httpError(err)
	}
	view, ok := s.renderLeg(sess, legID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "leg not found")
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) selectPortfolio(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	side, err := sideParam(c)
	if err != nil {
		return err
	}
	var req portfolioRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	leg, ok := sess.Leg(legID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "leg not found")
	}
	var did string
	if side == compose.SideSender {
		did = leg.Sender().Identity.DID
	} else {
		did = leg.Receiver().Identity.DID
	}

	pfID, err := parsePortfolioID(did, req)
	if err != nil {
		return err
	}
	if err := sess.SelectPortfolio(legID, side, pfID); err != nil {
		return httpError(err)
	}
	view, _ := s.renderLeg(sess, legID)
	return c.JSON(http.StatusOK, view)
}

func (s *Server) setMode(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	var req modeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	var mode compose.TransferMode
	switch req.Mode {
	case "fungible":
		mode = compose.ModeFungible
	case "non_fungible":
		mode = compose.ModeNonFungible
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "mode must be fungible or non_fungible")
	}

	if err := sess.SetMode(legID, mode); err != nil {
		return httpError(err)
	}
	view, _ := s.renderLeg(sess, legID)
	return c.JSON(http.StatusOK, view)
}

func (s *Server) setMemo(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	var req memoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := sess.SetMemo(legID, req.Memo); err != nil {
		return httpError(err)
	}
	view, _ := s.renderLeg(sess, legID)
	return c.JSON(http.StatusOK, view)
}

func (s *Server) listBalances(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	leg, ok := sess.Leg(legID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "leg not found")
	}
	pf, ok := leg.Sender().SelectedPortfolio()
	if !ok {
		return httpError(compose.ErrLegNotReady)
	}

	filtered := compose.FilterBalances(pf.Balances, sess.Details().Get, c.QueryParam("query"))
	out := make([]balanceView, 0, len(filtered))
	for _, b := range filtered {
		view := balanceView{
			AssetID: b.AssetID,
			Free:    b.Free.String(),
			Locked:  b.Locked.String(),
			Total:   b.Total.String(),
		}
		if d, ok := sess.Details().Get(b.AssetID); ok {
			view.Name = d.Name
			view.Ticker = d.Ticker
		}
		out = append(out, view)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) selectAsset(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	var req assetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := sess.SelectAsset(c.Request().Context(), legID, req.AssetID); err != nil {
		return httpError(err)
	}
	view, _ := s.renderLeg(sess, legID)
	return c.JSON(http.StatusOK, view)
}

func (s *Server) setAmount(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	var req amountRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}

	msg, err := sess.SetAmount(legID, req.Input)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s.amountResponse(sess, legID, req.Input, msg))
}

func (s *Server) useMax(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	msg, err := sess.UseMax(legID)
	if err != nil {
		return httpError(err)
	}
	leg, _ := sess.Leg(legID)
	return c.JSON(http.StatusOK, s.amountResponse(sess, legID, leg.AmountInput(), msg))
}

func (s *Server) amountResponse(sess *compose.Session, legID int, input, msg string) amountResponse {
	resp := amountResponse{Input: input, Error: msg, Available: "0"}
	entry, ok := sess.Entry(legID)
	if ok && entry.AssetID != "" {
		if avail, err := sess.AvailableBalance(legID, entry.AssetID); err == nil {
			resp.Available = avail.String()
		}
	}
	return resp
}

func (s *Server) selectCollection(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	var req collectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := sess.SelectCollection(c.Request().Context(), legID, req.CollectionID); err != nil {
		return httpError(err)
	}
	view, _ := s.renderLeg(sess, legID)
	return c.JSON(http.StatusOK, view)
}

func (s *Server) availableNFTs(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	nfts, err := sess.AvailableNFTs(c.Request().Context(), legID)
	if err != nil {
		return httpError(err)
	}
	out := make([]nftView, 0, len(nfts))
	for _, nft := range nfts {
		out = append(out, nftView{TokenID: nft.TokenID.String(), ImageURL: nft.ImageURL})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) addToken(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	tokenID, err := decimal.NewFromString(req.TokenID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid token id")
	}

	if err := sess.AddToken(c.Request().Context(), legID, tokenID); err != nil {
		return httpError(err)
	}
	view, _ := s.renderLeg(sess, legID)
	return c.JSON(http.StatusOK, view)
}

func (s *Server) removeToken(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	tokenID, err := decimal.NewFromString(c.Param("token"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid token id")
	}
	if err := sess.RemoveToken(legID, tokenID); err != nil {
		return httpError(err)
	}
	view, _ := s.renderLeg(sess, legID)
	return c.JSON(http.StatusOK, view)
}

func (s *Server) selectAllTokens(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	if err := sess.SelectAllTokens(c.Request().Context(), legID); err != nil {
		return httpError(err)
	}
	view, _ := s.renderLeg(sess, legID)
	return c.JSON(http.StatusOK, view)
}

func (s *Server) clearTokens(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	legID, err := legParam(c)
	if err != nil {
		return err
	}
	if err := sess.ClearTokens(legID); err != nil {
		return httpError(err)
	}
	view, _ := s.renderLeg(sess, legID)
	return c.JSON(http.StatusOK, view)
}

func (s *Server) finalizeSession(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}

	batch, err := sess.Finalize()
	if err != nil {
		var fe *compose.FinalizeError
		if errors.As(err, &fe) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, fe.Error())
		}
		return httpError(err)
	}

	ctx := c.Request().Context()
	for _, sink := range s.sinks {
		if err := sink.Accept(ctx, batch); err != nil {
			s.log.Error().Err(err).Str("batch_id", batch.BatchID.String()).Msg("batch sink failed")
			return echo.NewHTTPError(http.StatusBadGateway, "instruction batch could not be handed off")
		}
	}

	s.registry.Close(sess.ID)
	return c.JSON(http.StatusOK, batch)
}
