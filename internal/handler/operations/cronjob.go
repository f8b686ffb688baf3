package operations

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"k8s.io/utils/ptr"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/internal/resputil"
	"github.com/raids-lab/memoria/pkg/cronjob"
)

type CronjobConfigs struct {
	Name     string         `json:"name" binding:"required"`
	Type     string         `json:"type"`
	Schedule string         `json:"schedule"`
	Suspend  *bool          `json:"suspend"`
	Configs  map[string]any `json:"configs"`
	EntryID  int            `json:"entryId,omitempty"`
}

// UpdateCronjobConfig godoc
//
//	@Summary		Update cronjob config
//	@Description	Update one cronjob config, fields left empty keep their value
//	@Tags			Operations
//	@Accept			json
//	@Produce		json
//	@Security		Bearer
//	@Param			use	body		CronjobConfigs			true	"CronjobConfigs"
//	@Success		200	{object}	resputil.Response[any]	"Success"
//	@Failure		400	{object}	resputil.Response[any]	"Request parameter error"
//	@Failure		500	{object}	resputil.Response[any]	"Other errors"
//	@Router			/api/v1/admin/operations/cronjob [put]
func (mgr *OperationsMgr) UpdateCronjobConfig(c *gin.Context) {
	var req CronjobConfigs
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequestError(c, err.Error())
		return
	}

	u := cronjob.JobUpdate{Suspend: req.Suspend}
	if req.Type != "" {
		u.Type = ptr.To(model.CronJobType(req.Type))
	}
	if req.Schedule != "" {
		u.Spec = ptr.To(req.Schedule)
	}
	if len(req.Configs) > 0 {
		raw, err := json.Marshal(req.Configs)
		if err != nil {
			resputil.BadRequestError(c, err.Error())
			return
		}
		u.Config = raw
	}
	if err := mgr.cronJobManager.UpdateJob(c, req.Name, u); err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, "Successfully update cronjob config")
}

// GetCronjobConfigs godoc
//
//	@Summary		Get all cronjob configs
//	@Description	Get all cronjob configs
//	@Tags			Operations
//	@Accept			json
//	@Produce		json
//	@Security		Bearer
//	@Success		200	{object}	resputil.Response[[]CronjobConfigs]	"Success"
//	@Failure		500	{object}	resputil.Response[any]				"Other errors"
//	@Router			/api/v1/admin/operations/cronjob [get]
func (mgr *OperationsMgr) GetCronjobConfigs(c *gin.Context) {
	jobs, err := mgr.cronJobManager.ListJobs(c)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	configs := lo.Map(jobs, func(job *model.CronJobConfig, _ int) CronjobConfigs {
		config := make(map[string]any)
		if err := json.Unmarshal(job.Config, &config); err != nil {
			config = map[string]any{}
		}
		return CronjobConfigs{
			Name:     job.Name,
			Type:     string(job.Type),
			Schedule: job.Spec,
			Suspend:  ptr.To(job.GetSuspend()),
			Configs:  config,
			EntryID:  job.EntryID,
		}
	})
	resputil.Success(c, configs)
}

// GetCronjobNames godoc
//
//	@Summary		Get the names of jobs with records
//	@Tags			Operations
//	@Produce		json
//	@Security		Bearer
//	@Success		200	{object}	resputil.Response[[]string]	"Success"
//	@Router			/api/v1/admin/operations/cronjob/names [get]
func (mgr *OperationsMgr) GetCronjobNames(c *gin.Context) {
	names, err := mgr.cronJobManager.RecordedJobNames(c)
	if err != nil {
		resputil.FromError(c, err)
		return
	}
	resputil.Success(c, names)
}

type GetCronJobRecordsReq struct {
	Name      []string   `json:"name" form:"name"`
	StartTime *time.Time `json:"startTime" form:"startTime"`
	EndTime   *time.Time `json:"endTime" form:"endTime"`
	Status    *string    `json:"status" form:"status"`
}

func (r *GetCronJobRecordsReq) filter() cronjob.RecordFilter {
	f := cronjob.RecordFilter{Names: r.Name, Since: r.StartTime, Until: r.EndTime}
	if r.Status != nil {
		f.Status = ptr.To(model.CronJobRecordStatus(*r.Status))
	}
	return f
}

// GetCronjobRecords godoc
//
//	@Summary		Query cronjob run records
//	@Tags			Operations
//	@Accept			json
//	@Produce		json
//	@Security		Bearer
//	@Param			req	body		GetCronJobRecordsReq	true	"filter"
//	@Success		200	{object}	resputil.Response[any]	"records and total"
//	@Router			/api/v1/admin/operations/cronjob/record [post]
func (mgr *OperationsMgr) GetCronjobRecords(c *gin.Context) {
	req := &GetCronJobRecordsReq{}
	if err := c.ShouldBindJSON(req); err != nil {
		resputil.BadRequestError(c, err.Error())
		return
	}

	records, total, err := mgr.cronJobManager.ListRecords(c, req.filter())
	if err != nil {
		resputil.FromError(c, err)
		return
	}

	resputil.Success(c, map[string]any{
		"records": records,
		"total":   total,
	})
}

type DeleteCronJobRecordsReq struct {
	ID        []uint     `json:"id"`
	StartTime *time.Time `json:"startTime"`
	EndTime   *time.Time `json:"endTime"`
}

// DeleteCronjobRecords godoc
//
//	@Summary		Delete cronjob run records
//	@Tags			Operations
//	@Accept			json
//	@Produce		json
//	@Security		Bearer
//	@Param			req	body		DeleteCronJobRecordsReq	true	"ids or time range"
//	@Success		200	{object}	resputil.Response[any]	"deleted count"
//	@Router			/api/v1/admin/operations/cronjob/record [delete]
func (mgr *OperationsMgr) DeleteCronjobRecords(c *gin.Context) {
	req := &DeleteCronJobRecordsReq{}
	if err := c.ShouldBindJSON(req); err != nil {
		resputil.BadRequestError(c, err.Error())
		return
	}

	deleted, err := mgr.cronJobManager.DeleteRecords(c, cronjob.RecordFilter{IDs: req.ID, Since: req.StartTime, Until: req.EndTime})
	if err != nil {
		resputil.FromError(c, err)
		return
	}

	resputil.Success(c, map[string]int64{
		"deleted": deleted,
	})
}
