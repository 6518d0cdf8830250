// Package controller exposes the tester service HTTP surface.
package controller

import (
	"strconv"

	"cpjudge/internal/common/http/middleware"
	"cpjudge/internal/judge/service"
	"cpjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const defaultContestPageSize = 100

// SolutionController handles solution and language HTTP endpoints.
type SolutionController struct {
	judgeService *service.Service
}

// NewSolutionController creates a new SolutionController.
func NewSolutionController(judgeService *service.Service) *SolutionController {
	return &SolutionController{judgeService: judgeService}
}

// RegisterRoutes mounts the routes. Auth wraps the endpoints that need a
// caller identity.
func (h *SolutionController) RegisterRoutes(r gin.IRouter, auth gin.HandlerFunc) {
	solutions := r.Group("/solutions")
	solutions.POST("/", auth, h.Create)
	solutions.GET("/:id", h.Get)
	solutions.GET("/by-problem/:problem_id", h.ListByProblem)
	solutions.GET("/my/:problem_id", auth, h.ListMy)
	solutions.GET("/:id/solutions", auth, h.ListContest)

	r.GET("/languages/", h.Languages)
}

// SubmitRequest is the body of POST /solutions/.
type SubmitRequest struct {
	ProblemID string `json:"problem_id" binding:"required"`
	Code      string `json:"code"`
	Language  string `json:"language" binding:"required"`
}

// Create accepts a submission and queues it for judging.
func (h *SolutionController) Create(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	userID := authorID(c)
	if userID == "" {
		response.Unauthorized(c, "")
		return
	}

	solution, err := h.judgeService.Submit(c.Request.Context(), userID, req.ProblemID, req.Code, req.Language)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, solution)
}

// Get returns one solution.
func (h *SolutionController) Get(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, "Invalid solution id")
		return
	}
	solution, err := h.judgeService.GetSolution(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, solution)
}

// ListByProblem returns every solution for one problem.
func (h *SolutionController) ListByProblem(c *gin.Context) {
	problemID := c.Param("problem_id")
	if problemID == "" {
		response.BadRequest(c, "Invalid problem id")
		return
	}
	solutions, err := h.judgeService.ListByProblem(c.Request.Context(), problemID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, solutions)
}

// ListMy returns the caller's solutions for one problem.
func (h *SolutionController) ListMy(c *gin.Context) {
	problemID := c.Param("problem_id")
	if problemID == "" {
		response.BadRequest(c, "Invalid problem id")
		return
	}
	userID := authorID(c)
	if userID == "" {
		response.Unauthorized(c, "")
		return
	}
	solutions, err := h.judgeService.ListMyByProblem(c.Request.Context(), problemID, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, solutions)
}

// ListContest returns solutions submitted within one contest.
func (h *SolutionController) ListContest(c *gin.Context) {
	contestID := c.Param("id")
	if contestID == "" {
		response.BadRequest(c, "Invalid contest id")
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		response.BadRequest(c, "offset must be a non-negative integer")
		return
	}
	limit, err := queryInt(c, "limit", defaultContestPageSize)
	if err != nil || limit < 1 {
		response.BadRequest(c, "limit must be a positive integer")
		return
	}

	solutions, err := h.judgeService.ContestSolutions(c.Request.Context(), contestID, service.ContestFilter{
		UserID:    c.Query("user_id"),
		ProblemID: c.Query("problem_id"),
		Offset:    offset,
		Limit:     limit,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, solutions)
}

// Languages returns the configured language list for the UI editor.
func (h *SolutionController) Languages(c *gin.Context) {
	response.OK(c, h.judgeService.Languages())
}

// authorID is the authenticated subject, empty when auth did not run.
func authorID(c *gin.Context) string {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		return ""
	}
	return claims.Subject()
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
