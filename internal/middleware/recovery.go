package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// wroteRecorder はレスポンスヘッダーが書き出し済みかを記録する。
type wroteRecorder struct {
	http.ResponseWriter
	wrote bool
}

func (wr *wroteRecorder) WriteHeader(code int) {
	wr.wrote = true
	wr.ResponseWriter.WriteHeader(code)
}

func (wr *wroteRecorder) Write(b []byte) (int, error) {
	wr.wrote = true
	return wr.ResponseWriter.Write(b)
}

// NewRecoveryMiddleware はpanic発生時にプロセスクラッシュを防ぎ、
// 統一フォーマットの500レスポンスを返すミドルウェアを生成する。
// スタックトレースはログにのみ出力する。
// レスポンスを書き始めた後のpanicではボディを追記しない。
// http.ErrAbortHandler はnet/httpに接続を中断させるため再送出する。
func NewRecoveryMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wr := &wroteRecorder{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				slog.Error("panic recovered",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.Bool("response_started", wr.wrote),
					slog.String("stack", string(debug.Stack())),
				)
				if !wr.wrote {
					WriteInternalServerError(wr)
				}
			}()
			next.ServeHTTP(wr, r)
		})
	}
}
