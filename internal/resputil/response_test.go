package resputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raids-lab/memoria/pkg/apperr"
)

func TestFromError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name   string
		err    error
		status int
		code   ErrorCode
	}{
		{"validation", apperr.Validation("role", "unknown role"), http.StatusBadRequest, InvalidRequest},
		{"not found", apperr.NotFound("workspace", "acme"), http.StatusNotFound, NotFound},
		{"authentication", &apperr.AuthenticationError{Message: "bad signature"}, http.StatusUnauthorized, TokenInvalid},
		{"authorization", &apperr.AuthorizationError{Required: "ADMIN", Actual: "MEMBER"}, http.StatusForbidden, UserNotAllowed},
		{"wrapped", errors.Join(errors.New("ctx"), apperr.NotFound("project", "1")), http.StatusNotFound, NotFound},
		{"other", errors.New("boom"), http.StatusInternalServerError, ServiceError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", http.NoBody)

			FromError(c, tc.err)

			assert.Equal(t, tc.status, w.Code)
			var resp Response[any]
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Code)
			assert.Equal(t, tc.err.Error(), resp.Msg)
		})
	}
}
