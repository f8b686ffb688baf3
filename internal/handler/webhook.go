package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/raids-lab/memoria/internal/resputil"
	"github.com/raids-lab/memoria/pkg/webhookqueue"
)

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	Registers = append(Registers, NewWebhookMgr)
}

// GitHub caps webhook payloads at 25 MB.
const maxWebhookBody = 25 << 20

type WebhookMgr struct {
	name  string
	queue *webhookqueue.Queue
}

func NewWebhookMgr(conf *RegisterConfig) Manager {
	return &WebhookMgr{
		name:  "webhooks",
		queue: conf.WebhookQueue,
	}
}

func (mgr *WebhookMgr) GetName() string { return mgr.name }

func (mgr *WebhookMgr) RegisterPublic(g *gin.RouterGroup) {
	g.POST("/github", mgr.ReceiveGithubWebhook)
}

func (mgr *WebhookMgr) RegisterProtected(_ *gin.RouterGroup) {}

func (mgr *WebhookMgr) RegisterAdmin(_ *gin.RouterGroup) {}

// ReceiveGithubWebhook godoc
// @Summary Receive a GitHub App webhook delivery
// @Description verify X-Hub-Signature-256 and queue the delivery, a repeated delivery id is acknowledged without a second row
// @Tags Webhook
// @Accept json
// @Produce json
// @Param X-GitHub-Event header string true "event name"
// @Param X-GitHub-Delivery header string true "delivery id"
// @Param X-Hub-Signature-256 header string true "sha256=<hex hmac>"
// @Success 202 {object} resputil.Response[webhookqueue.IngestResult] "Queued"
// @Success 200 {object} resputil.Response[webhookqueue.IngestResult] "Duplicate delivery"
// @Failure 400 {object} resputil.Response[any] "Missing headers or malformed body"
// @Failure 401 {object} resputil.Response[any] "Signature mismatch"
// @Router /webhooks/github [post]
func (mgr *WebhookMgr) ReceiveGithubWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		resputil.BadRequestError(c, "read body: "+err.Error())
		return
	}
	if len(body) > maxWebhookBody {
		resputil.HTTPError(c, http.StatusRequestEntityTooLarge, "payload too large", resputil.InvalidRequest)
		return
	}

	res, err := mgr.queue.Ingest(c, webhookqueue.Delivery{
		DeliveryID: c.GetHeader("X-GitHub-Delivery"),
		Event:      c.GetHeader("X-GitHub-Event"),
		Signature:  c.GetHeader("X-Hub-Signature-256"),
		RemoteAddr: c.ClientIP(),
		Body:       body,
	})
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	if res.Duplicate {
		c.JSON(http.StatusOK, resputil.Response[*webhookqueue.IngestResult]{
			Code: resputil.DuplicateDelivery, Data: res, Msg: "duplicate delivery",
		})
		return
	}
	c.JSON(http.StatusAccepted, resputil.Response[*webhookqueue.IngestResult]{Code: resputil.OK, Data: res})
}
