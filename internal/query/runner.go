// Package query 執行配方中的 GraphQL 查詢
package query

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"

	"github.com/c-atts/catts-app/internal/recipe"
)

const (
	userAgent       = "catts/0.0.1"
	maxResponseSize = 2 << 20
)

var (
	ErrInvalidVariables = errors.New("query: variables are not valid JSON")
	ErrBadResponse      = errors.New("query: bad response")
)

var placeholder = regexp.MustCompile(`\{(\w+)\}`)

// Runner 透過 HTTP 執行查詢
type Runner struct {
	HTTP *http.Client
}

// NewRunner 建立 Runner
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{HTTP: &http.Client{Timeout: timeout}}
}

// SubstituteVariables 替換 {user_eth_address} 與 {user_eth_address_lowercase}，其他佔位符保留
func SubstituteVariables(template string, user common.Address) string {
	if template == "" {
		return template
	}
	values := map[string]string{
		"user_eth_address":           user.Hex(),
		"user_eth_address_lowercase": strings.ToLower(user.Hex()),
	}
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := values[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// Payload 組出 GraphQL 請求內容
func Payload(q recipe.Query, user common.Address) ([]byte, error) {
	body := struct {
		Query     string          `json:"query"`
		Variables json.RawMessage `json:"variables,omitempty"`
	}{Query: q.Query}

	if vars := strings.TrimSpace(SubstituteVariables(q.Variables, user)); vars != "" {
		if !json.Valid([]byte(vars)) {
			return nil, ErrInvalidVariables
		}
		body.Variables = json.RawMessage(vars)
	}
	return json.Marshal(body)
}

// CacheKey blake2b-96(payload) 的 hex，作為查詢 URL 的最後一段
func CacheKey(payload []byte) string {
	h, _ := blake2b.New(12, nil)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Run 執行單一查詢並回傳原始 JSON
func (r *Runner) Run(ctx context.Context, q recipe.Query, user common.Address) (json.RawMessage, error) {
	payload, err := Payload(q, user)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(q.Endpoint, "/") + "/" + CacheKey(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	res, err := r.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Endpoint, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("query %s: read body: %w", q.Endpoint, err)
	}
	if res.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: http %d from %s", ErrBadResponse, res.StatusCode, q.Endpoint)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: body from %s is not JSON", ErrBadResponse, q.Endpoint)
	}
	return json.RawMessage(body), nil
}

// RunAll 依序執行所有查詢，結果組成 JSON 陣列
func (r *Runner) RunAll(ctx context.Context, queries []recipe.Query, user common.Address) (json.RawMessage, error) {
	results := make([]json.RawMessage, 0, len(queries))
	for i, q := range queries {
		res, err := r.Run(ctx, q, user)
		if err != nil {
			return nil, fmt.Errorf("query %d: %w", i, err)
		}
		results = append(results, res)
	}
	return json.Marshal(results)
}
