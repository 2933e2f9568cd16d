package controller

import (
	"errors"
	"fmt"
	"habit_tracker_backend/internal/clock"
	"habit_tracker_backend/internal/service"
	"habit_tracker_backend/internal/util"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// HabitController 处理习惯打卡相关的API请求
type HabitController struct {
	HabitService *service.HabitService
}

func NewHabitController(habitService *service.HabitService) *HabitController {
	return &HabitController{HabitService: habitService}
}

// HabitDayRequest 切换或跳过某天的请求，date 为空表示今天
// swagger:model HabitDayRequest
type HabitDayRequest struct {
	Date string `json:"date" example:"2026-10-19"`
}

// CreateHabit godoc
// @Summary 创建习惯
// @Description 为当前用户创建一个新的习惯
// @Tags 习惯
// @Produce json
// @Security BearerAuth
// @Success 201 {object} util.Response{data=model.Habit} "创建成功"
// @Failure 401 {object} util.Response "未授权"
// @Failure 503 {object} util.Response "存储暂不可用"
// @Router /api/habits [post]
func (c *HabitController) CreateHabit(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	habit, err := c.HabitService.CreateHabit(ctx.Request.Context(), user.UserID)
	if err != nil {
		respondHabitError(ctx, err)
		return
	}
	util.Created(ctx, habit)
}

// ListHabits godoc
// @Summary 获取习惯列表
// @Description 获取当前用户的全部习惯以及最近 N 天（含今天）的打卡记录
// @Tags 习惯
// @Produce json
// @Security BearerAuth
// @Param days query int false "天数，默认 7"
// @Success 200 {object} util.Response{data=[]model.HabitWithLogs} "成功"
// @Failure 400 {object} util.Response "请求参数错误"
// @Failure 401 {object} util.Response "未授权"
// @Router /api/habits [get]
func (c *HabitController) ListHabits(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	days := 0
	if s := ctx.Query("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			util.BadRequest(ctx, "days must be a positive integer")
			return
		}
		days = n
	}

	items, err := c.HabitService.ListWithRecentLogs(ctx.Request.Context(), user.UserID, days)
	if err != nil {
		respondHabitError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{
		"today":  clock.FormatDay(c.HabitService.Today()),
		"habits": items,
	})
}

// GetHabit godoc
// @Summary 获取单个习惯
// @Description 返回习惯及其缓存的当前/最长连续天数
// @Tags 习惯
// @Produce json
// @Security BearerAuth
// @Param id path int true "习惯ID"
// @Success 200 {object} util.Response{data=model.Habit} "成功"
// @Failure 400 {object} util.Response "ID 无效"
// @Failure 404 {object} util.Response "习惯不存在"
// @Router /api/habits/{id} [get]
func (c *HabitController) GetHabit(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	habitID := util.MustParseUint(ctx.Param("id"))
	if habitID == 0 {
		util.BadRequest(ctx, "invalid habit id")
		return
	}

	habit, err := c.HabitService.GetHabit(ctx.Request.Context(), user.UserID, habitID)
	if err != nil {
		respondHabitError(ctx, err)
		return
	}
	util.Success(ctx, habit)
}

// ToggleHabit godoc
// @Summary 切换某天的完成状态
// @Description 无记录则标记完成，已完成则取消，已跳过则改为完成；返回重新计算后的连续天数
// @Tags 习惯
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "习惯ID"
// @Param body body HabitDayRequest false "日期"
// @Success 200 {object} util.Response{data=service.ToggleResult} "成功"
// @Failure 400 {object} util.Response "日期格式错误"
// @Failure 404 {object} util.Response "习惯不存在"
// @Failure 409 {object} util.Response "并发冲突，请重试"
// @Failure 503 {object} util.Response "存储暂不可用"
// @Router /api/habits/{id}/toggle [post]
func (c *HabitController) ToggleHabit(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	habitID, day, ok := c.bindHabitDay(ctx)
	if !ok {
		return
	}

	result, err := c.HabitService.Toggle(ctx.Request.Context(), user.UserID, habitID, day)
	if err != nil {
		respondHabitError(ctx, err)
		return
	}
	util.Success(ctx, result)
}

// SkipHabit godoc
// @Summary 跳过某天
// @Description 将某天标记为跳过，不会重新计算连续天数
// @Tags 习惯
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "习惯ID"
// @Param body body HabitDayRequest false "日期"
// @Success 200 {object} util.Response{data=service.SkipResult} "成功"
// @Failure 400 {object} util.Response "日期格式错误"
// @Failure 404 {object} util.Response "习惯不存在"
// @Failure 409 {object} util.Response "并发冲突，请重试"
// @Router /api/habits/{id}/skip [post]
func (c *HabitController) SkipHabit(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	habitID, day, ok := c.bindHabitDay(ctx)
	if !ok {
		return
	}

	result, err := c.HabitService.Skip(ctx.Request.Context(), user.UserID, habitID, day)
	if err != nil {
		respondHabitError(ctx, err)
		return
	}
	util.Success(ctx, result)
}

func (c *HabitController) bindHabitDay(ctx *gin.Context) (uint, time.Time, bool) {
	habitID := util.MustParseUint(ctx.Param("id"))
	if habitID == 0 {
		util.BadRequest(ctx, "invalid habit id")
		return 0, time.Time{}, false
	}

	var req HabitDayRequest
	if ctx.Request.ContentLength != 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			util.BadRequest(ctx, err.Error())
			return 0, time.Time{}, false
		}
	}

	if req.Date == "" {
		return habitID, c.HabitService.Today(), true
	}
	day, err := clock.ParseDay(req.Date)
	if err != nil {
		util.BadRequest(ctx, fmt.Errorf("%w: expected YYYY-MM-DD", util.ErrInvalidDay).Error())
		return 0, time.Time{}, false
	}
	return habitID, day, true
}

// 冲突和存储不可用时提示客户端稍后重试
const retryAfterSeconds = "1"

func respondHabitError(ctx *gin.Context, err error) {
	if util.IsRetryable(err) {
		ctx.Header("Retry-After", retryAfterSeconds)
	}
	switch {
	case errors.Is(err, util.ErrUnauthorized):
		util.Unauthorized(ctx)
	case errors.Is(err, util.ErrHabitNotFound):
		util.NotFound(ctx)
	case errors.Is(err, util.ErrInvalidDay):
		util.BadRequest(ctx, err.Error())
	case errors.Is(err, util.ErrLogConflict):
		util.Conflict(ctx, "habit was modified concurrently, please retry")
	case errors.Is(err, util.ErrStorageUnavailable):
		util.ServiceUnavailable(ctx)
	default:
		util.LogInternalError(ctx, err)
	}
}
