package controllers

import (
	"errors"
	"net/http"

	"github.com/datallboy/gohls/internal/app"
	"github.com/datallboy/gohls/internal/domain"
	"github.com/labstack/echo/v5"
)

type TaskController struct {
	App   *app.Context
	Queue app.Scheduler
}

// List returns every job keyed by URL.
func (ctrl *TaskController) List(c *echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.Queue.ListJobs())
}

func (ctrl *TaskController) Get(c *echo.Context) error {
	url := c.QueryParam("url")
	if url == "" {
		return fail(c, http.StatusBadRequest, errors.New("missing url"))
	}

	job, err := ctrl.Queue.GetJob(url)
	if errors.Is(err, domain.ErrJobNotFound) {
		return fail(c, http.StatusNotFound, err)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, job)
}

// Download requests every target in the body. A target that cannot be
// admitted is reported in Errors; the request only fails if none was.
func (ctrl *TaskController) Download(c *echo.Context) error {
	var req DownloadRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}

	targets := req.targets()
	if len(targets) == 0 {
		return fail(c, http.StatusBadRequest, errors.New("url or urls is required"))
	}

	resp := DownloadResponse{Jobs: []*domain.Job{}}
	for _, url := range targets {
		job, err := ctrl.Queue.RequestDownload(url, req.Options)
		if err != nil {
			if resp.Errors == nil {
				resp.Errors = make(map[string]string)
			}
			resp.Errors[url] = err.Error()
			ctrl.App.Logger.Warn("Rejected download %s: %v", url, err)
			continue
		}
		resp.Jobs = append(resp.Jobs, job)
	}

	if len(resp.Jobs) == 0 {
		return c.JSON(http.StatusBadRequest, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (ctrl *TaskController) Pause(c *echo.Context) error {
	var req SelectRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusOK, URLsResponse{URLs: orEmpty(ctrl.Queue.Pause(req.URLs, req.All))})
}

func (ctrl *TaskController) Resume(c *echo.Context) error {
	var req SelectRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusOK, URLsResponse{URLs: orEmpty(ctrl.Queue.Resume(req.URLs, req.All))})
}

func (ctrl *TaskController) Delete(c *echo.Context) error {
	var req DeleteRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	if len(req.URLs) == 0 {
		return fail(c, http.StatusBadRequest, errors.New("urls is required"))
	}
	deleted := ctrl.Queue.Delete(req.URLs, req.DeleteCache, req.DeleteVideo)
	return c.JSON(http.StatusOK, URLsResponse{URLs: orEmpty(deleted)})
}

func (ctrl *TaskController) QueueStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.Queue.QueueStatus())
}

// ClearQueue drops every pending job.
func (ctrl *TaskController) ClearQueue(c *echo.Context) error {
	return c.JSON(http.StatusOK, URLsResponse{URLs: orEmpty(ctrl.Queue.ClearQueue())})
}
