package bind

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type payload struct {
	License string `json:"license" validate:"required"`
	Count   int    `json:"count" validate:"min=1,max=5"`
}

func request(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
}

func TestJSON(t *testing.T) {
	got, err := JSON[payload](request(`{"license":"L","count":2}`))
	require.NoError(t, err)
	require.Equal(t, payload{License: "L", Count: 2}, got)
}

func TestJSONErrors(t *testing.T) {
	cases := map[string]string{
		``:                                "request body is required",
		`{"license":"L","count":2,"x":1}`: "invalid JSON",
		`{"license":"L","count":2} {}`:    "unexpected trailing data",
		`{"count":2}`:                     "license is a required field",
		`{"license":"L","count":9}`:       "count must be at most 5",
		`{"license":"L","count":0}`:       "count must be at least 1",
	}
	for body, want := range cases {
		_, err := JSON[payload](request(body))
		var berr *Error
		require.ErrorAs(t, err, &berr, body)
		require.Contains(t, berr.Message, want, body)
	}
}
