// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/quizbank/internal/middleware"
	"github.com/hitoshi/quizbank/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限サイズ。
const maxRequestBodyBytes = 1 << 20

// statusResponse は処理結果のみを返すレスポンス。
type statusResponse struct {
	Status string `json:"status"`
}

// writeJSON はvをJSONとして書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeOK は{"status":"ok"}を返す。
func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// decodeJSON はリクエストボディをvにデコードする。
// 形式不正の場合はVALIDATION_ERRORを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewValidationError("リクエストボディが空です")
		}
		return model.NewValidationError("リクエストボディの解析に失敗しました")
	}
	return nil
}

// handleServiceError はサービス層から返されたエラーをレスポンスに変換する。
// APIError以外は内部エラーとしてログに残し、詳細はクライアントに返さない。
func handleServiceError(w http.ResponseWriter, err error) {
	if model.CodeOf(err) == "" {
		slog.Error("internal server error", slog.String("error", err.Error()))
	}
	middleware.WriteAPIError(w, err)
}

// requireUserID は認証済みユーザーのIDを返す。
// 認証ミドルウェアを通っていない場合は401を書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteAPIError(w, model.NewLoginRequiredError())
		return "", false
	}
	return userID, true
}
