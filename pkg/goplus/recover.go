package goplus

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/utrading/utrading-roster-optimizer/pkg/logger"
)

// Recover 捕获 panic 并记录调用栈，配合 defer 使用
func Recover() {
	r := recover()
	if r == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "panic: %v\ncallers:\n", r)
	for i := 1; i <= 32; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fmt.Fprintf(&sb, "%s:%d\n", file, line)
	}

	logger.Error().Msg(sb.String())
}
