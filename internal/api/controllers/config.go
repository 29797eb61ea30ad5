package controllers

import (
	"net/http"

	"github.com/datallboy/gohls/internal/app"
	"github.com/datallboy/gohls/internal/infra/config"
	"github.com/labstack/echo/v5"
)

type ConfigController struct {
	App   *app.Context
	Queue app.Scheduler
}

func (ctrl *ConfigController) Get(c *echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.App.CurrentConfig())
}

// Update merges the body over the live config, writes it back to disk and
// applies the new admission ceiling. Store, log and port changes take effect
// on restart.
func (ctrl *ConfigController) Update(c *echo.Context) error {
	patched := ctrl.App.CurrentConfig()
	if err := c.Bind(patched); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}

	next, err := ctrl.App.UpdateConfig(func(cfg *config.Config) error {
		*cfg = *patched
		return nil
	})
	if err != nil {
		return fail(c, http.StatusBadRequest, err)
	}

	if err := next.Save(); err != nil {
		ctrl.App.Logger.Error("Failed to save config: %v", err)
		return fail(c, http.StatusInternalServerError, err)
	}

	ctrl.Queue.SetMaxDownloads(next.Scheduler.MaxDownloads)
	ctrl.App.Logger.Info("Config updated, max downloads %d", next.Scheduler.MaxDownloads)
	return c.JSON(http.StatusOK, next)
}

// Info is the serverInfo payload.
func (ctrl *ConfigController) Info() ServerInfo {
	return ServerInfo{
		Version:      app.Version,
		RemuxEnabled: ctrl.App.RemuxEnabled,
		Config:       ctrl.App.CurrentConfig(),
	}
}

func (ctrl *ConfigController) ServerInfo(c *echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.Info())
}
