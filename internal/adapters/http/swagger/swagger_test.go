package swagger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/smartystreets/goconvey/convey"
)

func TestSwaggerHandler(t *testing.T) {
	convey.Convey("Given a router with the docs routes", t, func() {
		router := httprouter.New()
		Register(router)

		convey.Convey("Then it serves the OpenAPI document", func() {
			req := httptest.NewRequest(http.MethodGet, "/openapi.yaml", http.NoBody)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			convey.So(w.Header().Get("Content-Type"), convey.ShouldEqual, "application/yaml; charset=utf-8")
			convey.So(w.Body.String(), convey.ShouldContainSubstring, "/v1/{variant}/games/{id}/commands/{command}")
		})

		convey.Convey("Then it serves the docs page", func() {
			req := httptest.NewRequest(http.MethodGet, "/api-docs", http.NoBody)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			convey.So(w.Body.String(), convey.ShouldContainSubstring, "redoc-container")
			convey.So(w.Body.String(), convey.ShouldContainSubstring, "/openapi.yaml")
		})
	})

	convey.Convey("Given no router", t, func() {
		convey.So(func() { Register(nil) }, convey.ShouldPanic)
	})
}
