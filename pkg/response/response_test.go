package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func run(t *testing.T, method string, data interface{}, err error) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "/", nil)

	Handle(c, data, err)

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestHandle_Success(t *testing.T) {
	w, body := run(t, http.MethodGet, map[string]int{"n": 1}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, body.Success)

	w, _ = run(t, http.MethodPost, nil, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestHandle_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"record not found", gorm.ErrRecordNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"symbol not found", fmt.Errorf("%w: XYZ", types.ErrSymbolNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"order not found", types.ErrOrderNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"out of band", fmt.Errorf("%w: 150.00", types.ErrPriceOutOfBand), http.StatusBadRequest, ErrCodeValidationFailed},
		{"insufficient funds", types.ErrInsufficientFunds, http.StatusBadRequest, ErrCodeValidationFailed},
		{"not owner", types.ErrNotOwner, http.StatusForbidden, ErrCodeForbidden},
		{"not cancelable", types.ErrNotCancelable, http.StatusConflict, ErrCodeNotCancelable},
		{"lock timeout", fmt.Errorf("%w: account:1", types.ErrLockTimeout), http.StatusServiceUnavailable, ErrCodeRetry},
		{"invariant", types.ErrInvariantViolation, http.StatusInternalServerError, ErrCodeInternalError},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := run(t, http.MethodPost, nil, tt.err)
			assert.Equal(t, tt.status, w.Code)
			assert.False(t, body.Success)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestHandle_InternalErrorHidesDetail(t *testing.T) {
	_, body := run(t, http.MethodGet, nil, fmt.Errorf("%w: buyer 3 reserved 10 below 20", types.ErrInvariantViolation))
	require.NotNil(t, body.Error)
	assert.NotContains(t, body.Error.Message, "buyer 3")
}
