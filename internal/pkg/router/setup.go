package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/finreport/finreport/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers the unauthenticated HTTP routes first, then the
// API key protected /api group.
func InstallRouter(app *fiber.App, deps controllers.Deps) {
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
