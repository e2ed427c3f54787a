package controller

import (
	_ "embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/labstack/echo/v4"
)

//go:embed openapi/openapi.yaml
var openapiSpec []byte

// GetSwagger loads and validates the embedded OpenAPI document.
func GetSwagger() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}
	return doc, nil
}

// RegisterHandlers mounts the routes of the OpenAPI document on g. Extra
// middleware per route (rate limits, auth) is passed in by the caller.
func RegisterHandlers(g *echo.Group, c *Controller, login, authenticated []echo.MiddlewareFunc) {
	g.GET("/ping", c.CheckServer)
	g.POST("/auth/login", c.Login, login...)
	g.POST("/auth/refresh-token", c.RefreshToken)
	g.POST("/auth/logout", c.Logout)
	g.PUT("/users/change-password", c.ChangePassword, authenticated...)
}
