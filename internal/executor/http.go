package executor

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/taskmesh/fleetexec/internal/dag"
)

// NewHttpHandler registers debug routes exposing the executor's live
// handler states and a DAG rendering of the tasks it currently tracks,
// mirroring the teacher's pkg/scheduler/http.go operational endpoints.
func NewHttpHandler(e *Executor, r *echo.Echo) {
	r.GET("/handlers", func(c echo.Context) error {
		out := make(map[string]string)
		for _, h := range e.monitor.Snapshot() {
			out[h.Task().ID] = h.State().String()
		}
		return c.JSON(http.StatusOK, out)
	})

	r.GET("/dag", func(c echo.Context) error {
		return c.String(http.StatusOK, dag.Render(e.DAG()))
	})
}
