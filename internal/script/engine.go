// Package script 執行配方的 processor（JavaScript）
//
// processor 以函式本體的形式撰寫，可讀取 queryResult（各查詢結果的 .data 陣列），
// 必須回傳 JSON 字串。每次執行都使用新的 VM，互不共享狀態。
package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

var (
	ErrScript    = errors.New("script: processor failed")
	ErrNotString = errors.New("script: processor must return a string")
	ErrTimeout   = errors.New("script: processor timed out")
)

const wrapper = `
let queryResult = JSON.parse(queryResultRaw).map((res) => res.data);
function process() {
%s
}
process();
`

// Engine goja 執行器
type Engine struct {
	timeout time.Duration
}

// NewEngine timeout<=0 表示只受 ctx 限制
func NewEngine(timeout time.Duration) *Engine {
	return &Engine{timeout: timeout}
}

// Process 以查詢結果（JSON 陣列字串）執行 processor，回傳其輸出
func (e *Engine) Process(ctx context.Context, processor string, queryResult string) (string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	vm := goja.New()
	if err := vm.Set("queryResultRaw", queryResult); err != nil {
		return "", fmt.Errorf("%w: %v", ErrScript, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	v, err := vm.RunString(fmt.Sprintf(wrapper, processor))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return "", ErrTimeout
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return "", fmt.Errorf("%w: Uncaught %s", ErrScript, exc.Value().String())
		}
		return "", fmt.Errorf("%w: %v", ErrScript, err)
	}

	s, ok := v.Export().(string)
	if !ok {
		return "", ErrNotString
	}
	return s, nil
}
