package graphhandler

import (
	"errors"
	"net/http"

	"collabgraphgo/internal/database/graphstore"
	"collabgraphgo/internal/services/collab"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *collab.Service
}

func New(svc *collab.Service) *Handler { return &Handler{svc: svc} }

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/graphs/:id/commands", h.commands)
	r.GET("/graphs/:id/collaborators", h.collaborators)
	r.POST("/graphs/:id/promote", h.promote)
}

// @Summary		Command history
// @Description	Returns the most recent commands for a graph, merging the live in-memory list with the persisted log (live entries win on id conflicts).
// @Tags			Graphs
// @Param			id		path		string	true	"Graph ID"	default(graph123)
// @Param			limit	query		int		false	"Max results"	minimum(0)	maximum(500)	default(50)
// @Success		200		{array}		collab.Command
// @Failure		400		{object}	ErrorResponse
// @Failure		500		{object}	ErrorResponse
// @Router			/graphs/{id}/commands [get]
func (h *Handler) commands(c *gin.Context) {
	var q ListCommandsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	out, err := h.svc.History(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		Live collaborators
// @Description	Lists the collaborators currently connected to a graph's room. Empty when nobody is in the room.
// @Tags			Graphs
// @Param			id	path		string	true	"Graph ID"	default(graph123)
// @Success		200	{array}		collab.Collaborator
// @Router			/graphs/{id}/collaborators [get]
func (h *Handler) collaborators(c *gin.Context) {
	list := h.svc.Collaborators(c.Param("id"))
	if list == nil {
		list = []*collab.Collaborator{}
	}
	c.JSON(http.StatusOK, list)
}

// @Summary		Transfer leadership
// @Description	Current leader hands the session lead to another member. Demotion, promotion and the graph's leader field change in a single transaction.
// @Tags			Graphs
// @Param			id		path	string		true	"Graph ID"	default(graph123)
// @Param			body	body	PromoteBody	true	"Requester and target"
// @Success		202
// @Failure		400	{object}	ErrorResponse
// @Failure		403	{object}	ErrorResponse
// @Failure		404	{object}	ErrorResponse
// @Router			/graphs/{id}/promote [post]
func (h *Handler) promote(ginCtx *gin.Context) {
	var body PromoteBody
	if err := ginCtx.ShouldBindJSON(&body); err != nil {
		ginCtx.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
		return
	}
	graphID := ginCtx.Param("id")

	err := h.svc.Promote(ginCtx.Request.Context(), graphID, body.RequesterID, body.TargetUserID)
	switch {
	case err == nil:
		ginCtx.Status(http.StatusAccepted)
	case errors.Is(err, collab.ErrNotLeader):
		ginCtx.JSON(http.StatusForbidden, &ErrorResponse{Error: err.Error()})
	case errors.Is(err, graphstore.ErrGraphNotFound),
		errors.Is(err, graphstore.ErrMembershipNotFound):
		ginCtx.JSON(http.StatusNotFound, &ErrorResponse{Error: err.Error()})
	default:
		ginCtx.JSON(http.StatusInternalServerError, &ErrorResponse{Error: err.Error()})
	}
}
