package query

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-atts/catts-app/internal/recipe"
)

var user = common.HexToAddress("0xa32aECda752cF4EF89956e83d60C04835d4FA867")

func TestSubstituteVariables(t *testing.T) {
	got := SubstituteVariables(`{"a":"{user_eth_address}","b":"{user_eth_address_lowercase}","c":"{other}"}`, user)
	assert.Equal(t,
		`{"a":"0xa32aECda752cF4EF89956e83d60C04835d4FA867","b":"0xa32aecda752cf4ef89956e83d60c04835d4fa867","c":"{other}"}`,
		got)
	assert.Equal(t, "", SubstituteVariables("", user))
}

func TestPayload(t *testing.T) {
	p, err := Payload(recipe.Query{Query: `query { x(id: "1") }`, Variables: `{"id":"{user_eth_address}"}`}, user)
	require.NoError(t, err)

	var decoded struct {
		Query     string            `json:"query"`
		Variables map[string]string `json:"variables"`
	}
	require.NoError(t, json.Unmarshal(p, &decoded))
	assert.Equal(t, `query { x(id: "1") }`, decoded.Query)
	assert.Equal(t, user.Hex(), decoded.Variables["id"])

	noVars, err := Payload(recipe.Query{Query: "{ a }"}, user)
	require.NoError(t, err)
	assert.NotContains(t, string(noVars), "variables")

	_, err = Payload(recipe.Query{Query: "{ a }", Variables: "{not json"}, user)
	assert.ErrorIs(t, err, ErrInvalidVariables)
}

func TestCacheKey(t *testing.T) {
	k := CacheKey([]byte("payload"))
	assert.Len(t, k, 24)
	assert.Equal(t, k, CacheKey([]byte("payload")))
	assert.NotEqual(t, k, CacheKey([]byte("payload2")))
}

func TestRunPostsToCacheKeyPath(t *testing.T) {
	var gotPath, gotUA string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"data":{"n":1}}`))
	}))
	defer srv.Close()

	q := recipe.Query{Endpoint: srv.URL + "/graphql/", Query: "{ n }"}
	res, err := NewRunner(time.Second).Run(context.Background(), q, user)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"n":1}}`, string(res))

	payload, _ := Payload(q, user)
	assert.Equal(t, "/graphql/"+CacheKey(payload), gotPath)
	assert.Equal(t, payload, gotBody)
	assert.Equal(t, userAgent, gotUA)
}

func TestRunErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/fail"):
			http.Error(w, "boom", http.StatusBadGateway)
		default:
			w.Write([]byte("<html>"))
		}
	}))
	defer srv.Close()

	r := NewRunner(time.Second)
	_, err := r.Run(context.Background(), recipe.Query{Endpoint: srv.URL + "/fail", Query: "{a}"}, user)
	assert.ErrorIs(t, err, ErrBadResponse)

	_, err = r.Run(context.Background(), recipe.Query{Endpoint: srv.URL + "/html", Query: "{a}"}, user)
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestRunAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":"` + strings.TrimPrefix(r.URL.Path, "/")[:2] + `"}`))
	}))
	defer srv.Close()

	queries := []recipe.Query{
		{Endpoint: srv.URL, Query: "{ a }"},
		{Endpoint: srv.URL, Query: "{ b }"},
	}
	res, err := NewRunner(time.Second).RunAll(context.Background(), queries, user)
	require.NoError(t, err)

	var arr []map[string]string
	require.NoError(t, json.Unmarshal(res, &arr))
	assert.Len(t, arr, 2)

	empty, err := NewRunner(time.Second).RunAll(context.Background(), nil, user)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))
}
