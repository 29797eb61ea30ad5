package controllers

import (
	"github.com/labstack/echo/v5"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func fail(c *echo.Context, code int, err error) error {
	return c.JSON(code, ErrorResponse{Error: err.Error()})
}

// orEmpty keeps JSON arrays from rendering as null.
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
