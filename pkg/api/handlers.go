package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/goalflow/pkg/engine"
	"github.com/openfroyo/goalflow/pkg/stores"
	"github.com/openfroyo/goalflow/pkg/telemetry"
)

// SubmitRequest is the body of a change event submission. Without Graph the
// catalog rules select the graph.
type SubmitRequest struct {
	ID         string            `json:"id" binding:"required"`
	Repository string            `json:"repository"`
	Branch     string            `json:"branch"`
	SHA        string            `json:"sha"`
	Metadata   map[string]string `json:"metadata"`
	Graph      string            `json:"graph"`
}

// SubmitResponse reports the graph chosen for a change event.
type SubmitResponse struct {
	Graph    string           `json:"graph"`
	Rule     string           `json:"rule,omitempty"`
	Snapshot *engine.Snapshot `json:"snapshot"`
}

// CompletionRequest reports a goal's fulfillment result.
type CompletionRequest struct {
	Result        engine.ExecutionResult `json:"result" binding:"required,oneof=success failure"`
	Diagnostics   string                 `json:"diagnostics"`
	FulfillmentID string                 `json:"fulfillment_id"`
}

// DecisionRequest answers an approval gate.
type DecisionRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Approver string `json:"approver" binding:"required"`
	Comment  string `json:"comment"`
}

// CancelRequest cancels goals of a change event. Set names a catalog
// cancellation set and excludes Goals. Neither cancels the whole graph.
type CancelRequest struct {
	Goals       []string `json:"goals"`
	Set         string   `json:"set"`
	Reason      string   `json:"reason"`
	RequestedBy string   `json:"requested_by"`
}

func (s *Server) health(c *gin.Context) {
	status := gin.H{
		"status":        "ok",
		"change_events": len(s.cfg.Engine.ChangeEvents()),
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.HealthCheck(c.Request.Context()); err != nil {
			status["status"] = "degraded"
			status["store"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		status["store"] = "ok"
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) listGoals(c *gin.Context) {
	registry := s.cfg.Engine.Registry()
	defs, err := registry.LookupAll(registry.Names()...)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"goals": defs})
}

func (s *Server) getGoal(c *gin.Context) {
	def, err := s.cfg.Engine.Registry().Lookup(c.Param("goal"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) listGraphs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"graphs":            s.cfg.Catalog.GraphNames(),
		"sets":              s.cfg.Catalog.SetNames(),
		"cancellation_sets": s.cfg.Catalog.CancellationSets(),
	})
}

func (s *Server) getGraph(c *gin.Context) {
	graph, err := s.cfg.Catalog.Graph(c.Param("graph"))
	if err != nil {
		abort(c, err)
		return
	}

	if c.Query("format") == "dot" {
		c.Data(http.StatusOK, "text/vnd.graphviz; charset=utf-8", []byte(graph.ToDOT()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"name":        graph.Name(),
		"fingerprint": graph.Fingerprint(),
		"goals":       graph.Names(),
		"levels":      graph.Levels(),
		"edges":       graph.Edges(),
	})
}

func (s *Server) submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	event := engine.ChangeEvent{
		ID:         req.ID,
		Repository: req.Repository,
		Branch:     req.Branch,
		SHA:        req.SHA,
		Metadata:   req.Metadata,
	}

	var (
		graph *engine.ResolvedGraph
		rule  string
		err   error
	)
	if req.Graph != "" {
		graph, err = s.cfg.Catalog.Graph(req.Graph)
	} else {
		graph, rule, err = s.cfg.Catalog.Select(event)
	}
	if err != nil {
		abort(c, err)
		return
	}

	snap, err := s.cfg.Engine.Submit(c.Request.Context(), event, graph)
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitResponse{Graph: graph.Name(), Rule: rule, Snapshot: snap})
}

func (s *Server) listChangeEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"change_events": s.cfg.Engine.ChangeEvents()})
}

func (s *Server) currentState(c *gin.Context) {
	id := c.Param("id")
	snap, err := s.cfg.Engine.CurrentState(id)
	if err != nil && s.cfg.Store != nil && engine.HasCode(err, engine.ErrCodeUnknownChangeEvent) {
		snap, err = s.cfg.Store.LoadSnapshot(c.Request.Context(), id)
	}
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) forget(c *gin.Context) {
	id := c.Param("id")
	if err := s.cfg.Engine.Forget(id); err != nil {
		abort(c, err)
		return
	}
	if s.cfg.Events != nil {
		s.cfg.Events.Forget(id)
	}
	c.Status(http.StatusNoContent)
}

// wait blocks until the graph completes or the timeout passes and returns
// the snapshot either way.
func (s *Server) wait(c *gin.Context) {
	id := c.Param("id")

	timeout := s.cfg.WaitTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			badRequest(c, errors.New("timeout must be a positive duration"))
			return
		}
		if d < timeout {
			timeout = d
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	snap, err := s.cfg.Engine.Wait(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		snap, err = s.cfg.Engine.CurrentState(id)
	}
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) history(c *gin.Context) {
	id := c.Param("id")
	events := s.cfg.Events.History(id)
	if events == nil {
		events = []engine.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"change_event_id": id, "events": events})
}

// stream replays the retained history of a change event and then follows
// live events as server-sent events. It ends when the graph completes or
// the client goes away.
func (s *Server) stream(c *gin.Context) {
	id := c.Param("id")
	live := make(chan engine.Event, 64)
	unsubscribe := s.cfg.Events.Subscribe(func(e engine.Event) {
		select {
		case live <- e:
		default:
			s.logger.Warn().Str("change_event_id", id).Msg("Dropping event for slow stream")
		}
	}, telemetry.FilterByChangeEvent(id))
	defer unsubscribe()

	seen := make(map[string]bool)
	backlog := s.cfg.Events.History(id)
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		if len(backlog) > 0 {
			e := backlog[0]
			backlog = backlog[1:]
			seen[e.ID] = true
			c.SSEvent(string(e.Type), e)
			return e.Type != engine.EventTypeGraphCompleted || len(backlog) > 0
		}

		select {
		case <-ctx.Done():
			return false
		case e := <-live:
			if seen[e.ID] {
				return true
			}
			seen[e.ID] = true
			c.SSEvent(string(e.Type), e)
			return e.Type != engine.EventTypeGraphCompleted
		}
	})
}

func (s *Server) cancel(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if req.Set != "" && len(req.Goals) > 0 {
		badRequest(c, errors.New("set and goals are mutually exclusive"))
		return
	}

	creq := engine.CancellationRequest{
		ChangeEventID: c.Param("id"),
		Goals:         req.Goals,
		Reason:        req.Reason,
		RequestedBy:   req.RequestedBy,
	}
	if req.Set != "" {
		var err error
		creq, err = s.cfg.Catalog.CancellationRequest(req.Set, creq.ChangeEventID, req.Reason, req.RequestedBy)
		if err != nil {
			abort(c, err)
			return
		}
	}

	affected, err := s.cfg.Engine.RequestCancellation(c.Request.Context(), creq)
	if err != nil {
		abort(c, err)
		return
	}
	if affected == nil {
		affected = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"affected": affected})
}

func (s *Server) reportCompletion(c *gin.Context) {
	var req CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	err := s.cfg.Engine.ReportCompletion(c.Request.Context(), engine.ExecutionEvent{
		ChangeEventID: c.Param("id"),
		Goal:          c.Param("goal"),
		Result:        req.Result,
		Diagnostics:   req.Diagnostics,
		FulfillmentID: req.FulfillmentID,
		ReportedAt:    time.Now(),
	})
	if err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) decide(gate engine.ApprovalGate) gin.HandlerFunc {
	decideFn := s.cfg.Engine.DecideApproval
	if gate == engine.GatePreApproval {
		decideFn = s.cfg.Engine.DecidePreApproval
	}

	return func(c *gin.Context) {
		var req DecisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}

		record, err := decideFn(c.Request.Context(), c.Param("id"), c.Param("goal"), engine.Decision{
			Approved: *req.Approved,
			Approver: req.Approver,
			Comment:  req.Comment,
		})
		if engine.HasCode(err, engine.ErrCodeAlreadyDecided) {
			_ = c.Error(err)
			resp := errorResponse(err)
			resp.Decision = &record
			c.AbortWithStatusJSON(http.StatusConflict, resp)
			return
		}
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

func (s *Server) retry(c *gin.Context) {
	id := c.Param("id")
	if err := s.cfg.Engine.RequestRetry(c.Request.Context(), id, c.Param("goal")); err != nil {
		abort(c, err)
		return
	}
	snap, err := s.cfg.Engine.CurrentState(id)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, snap)
}

func (s *Server) listSnapshots(c *gin.Context) {
	var opts stores.ListOptions
	if raw := c.Query("complete"); raw != "" {
		complete, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, errors.New("complete must be a boolean"))
			return
		}
		opts.Complete = &complete
	}
	for key, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, errors.New(key+" must be a non-negative integer"))
			return
		}
		*dst = n
	}

	summaries, err := s.cfg.Store.ListSnapshots(c.Request.Context(), opts)
	if err != nil {
		abort(c, err)
		return
	}
	if summaries == nil {
		summaries = []*stores.SnapshotSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": summaries})
}

func (s *Server) stats(c *gin.Context) {
	counts, err := s.cfg.Store.CountGoalsByState(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"goals_by_state": counts})
}

func (s *Server) listPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policies": s.cfg.Policies.ListPolicies()})
}

func (s *Server) getPolicy(c *gin.Context) {
	p, err := s.cfg.Policies.GetPolicy(c.Param("name"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) setPolicyEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		var err error
		if enabled {
			err = s.cfg.Policies.EnablePolicy(name)
		} else {
			err = s.cfg.Policies.DisablePolicy(name)
		}
		if err != nil {
			abort(c, err)
			return
		}
		s.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
		c.JSON(http.StatusOK, gin.H{"name": name, "enabled": enabled})
	}
}
