package webserver

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/chunkstream/chunkstream/internal/database"
	"github.com/chunkstream/chunkstream/internal/storage"
	middlewarepkg "github.com/chunkstream/chunkstream/internal/webserver/middleware"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mdouchement/logger"
)

// A Controller is an Inversion Of Control pattern used to init the server package.
type Controller struct {
	Version  string
	Logger   logger.Logger
	Database database.Client
	Storage  storage.Backend
	//
	// Token, when set, is required of every upload API request.
	Token string
}

// EchoEngine instantiates the web server.
func EchoEngine(ctrl Controller) *echo.Echo {
	engine := echo.New()
	engine.Use(middleware.Gzip())
	engine.Use(middlewarepkg.Logger(ctrl.Logger))

	engine.HTTPErrorHandler = middlewarepkg.NewHTTPErrorHandler(ctrl.Logger)

	//

	router := engine.Group("")

	router.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{
			"version": ctrl.Version,
		})
	})

	//

	v1 := router.Group("/v1")
	if ctrl.Token != "" {
		v1.Use(middlewarepkg.Authenticate(ctrl.Token))
	}

	transfer := transfer{
		logger:  ctrl.Logger,
		db:      ctrl.Database,
		storage: ctrl.Storage,
	}

	uploads := v1.Group("/uploads")
	uploads.POST("/status", transfer.Status)
	uploads.POST("/chunk", transfer.Chunk)
	uploads.POST("/merge", transfer.Merge)
	uploads.POST("/progress", transfer.Progress)

	files := v1.Group("/files")
	files.GET("", transfer.List)
	files.GET("/:id/download", transfer.Download)

	return engine
}

// PrintRoutes prints the Echo engine exposed routes.
func PrintRoutes(e *echo.Echo) {
	ignored := map[string]bool{
		"":   true,
		".":  true,
		"/*": true,
	}

	routes := e.Routes()
	sort.Slice(routes, func(i int, j int) bool {
		return routes[i].Path < routes[j].Path
	})

	fmt.Println("Routes:")
	for _, route := range routes {
		if ignored[route.Path] {
			continue
		}
		fmt.Printf("%6s %s\n", route.Method, route.Path)
	}
}
