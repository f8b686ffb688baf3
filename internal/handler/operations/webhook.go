package operations

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/internal/resputil"
	"github.com/raids-lab/memoria/pkg/apperr"
	"github.com/raids-lab/memoria/pkg/webhookqueue"
)

type ListWebhookEventsReq struct {
	Status string `form:"status"`
	Event  string `form:"event"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

type ListWebhookEventsResp struct {
	Events []model.GithubWebhookEvent `json:"events"`
	Total  int64                      `json:"total"`
}

// ListWebhookEvents godoc
//
//	@Summary		List received webhook events
//	@Description	newest first, payloads are omitted
//	@Tags			Operations
//	@Produce		json
//	@Security		Bearer
//	@Param			status	query		string	false	"queued, processing, done or failed"
//	@Param			event	query		string	false	"X-GitHub-Event"
//	@Param			limit	query		int		false	"page size, default 50, at most 200"
//	@Param			offset	query		int		false	"offset"
//	@Success		200		{object}	resputil.Response[ListWebhookEventsResp]	"Events"
//	@Router			/api/v1/admin/operations/webhook-events [get]
func (mgr *OperationsMgr) ListWebhookEvents(c *gin.Context) {
	var req ListWebhookEventsReq
	if err := c.ShouldBindQuery(&req); err != nil {
		resputil.BadRequestError(c, err.Error())
		return
	}
	status := model.WebhookStatus(req.Status)
	switch status {
	case "", model.WebhookStatusQueued, model.WebhookStatusProcessing, model.WebhookStatusDone, model.WebhookStatusFailed:
	default:
		resputil.FromError(c, apperr.Validation("status", "unknown status %q", req.Status))
		return
	}

	events, total, err := mgr.queue.List(c, webhookqueue.ListFilter{
		Status: status,
		Event:  req.Event,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, ListWebhookEventsResp{Events: events, Total: total})
}

// ReplayWebhookEvent godoc
//
//	@Summary		Replay a failed webhook event
//	@Description	the event goes back to queued and is picked up by the next batch
//	@Tags			Operations
//	@Produce		json
//	@Security		Bearer
//	@Param			id	path		int	true	"event id"
//	@Success		200	{object}	resputil.Response[model.GithubWebhookEvent]	"Requeued event"
//	@Failure		400	{object}	resputil.Response[any]						"Event is not failed"
//	@Failure		404	{object}	resputil.Response[any]						"Event not found"
//	@Router			/api/v1/admin/operations/webhook-events/{id}/replay [post]
func (mgr *OperationsMgr) ReplayWebhookEvent(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		resputil.BadRequestError(c, "id must be a positive integer")
		return
	}
	event, err := mgr.queue.Replay(c, uint(id))
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, event)
}
