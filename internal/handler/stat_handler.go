package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/quizbank/internal/middleware"
	"github.com/hitoshi/quizbank/internal/model"
)

// StatServiceInterface は回答統計ハンドラーが必要とするサービスインターフェース。
type StatServiceInterface interface {
	Report(ctx context.Context, userID, problemID string, correct bool, at time.Time) (*model.AnswerRecord, error)
	Mine(ctx context.Context, userID string) ([]*model.AnswerRecord, error)
}

// StatHandler は回答統計のHTTPハンドラー。
type StatHandler struct {
	service StatServiceInterface
}

// NewStatHandler はStatHandlerを生成する。
func NewStatHandler(service StatServiceInterface) *StatHandler {
	return &StatHandler{service: service}
}

// reportRequest は回答結果の報告。timeは省略可能で、省略時はサーバー時刻を使う。
type reportRequest struct {
	ProblemID string     `json:"problem_id"`
	Correct   bool       `json:"correct"`
	Time      *time.Time `json:"time"`
}

type answerRecordResponse struct {
	ProblemID    string    `json:"problem_id"`
	CorrectCount int       `json:"correct_count"`
	TotalCount   int       `json:"total_count"`
	LastAttempt  time.Time `json:"last_attempt"`
}

// Report は1問分の回答結果を集計に加える。
// POST /api/v1/stat/report
func (h *StatHandler) Report(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req reportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.ProblemID == "" {
		middleware.WriteAPIError(w, model.NewValidationError("problem_idは必須です"))
		return
	}

	var at time.Time
	if req.Time != nil {
		at = *req.Time
	}

	record, err := h.service.Report(r.Context(), userID, req.ProblemID, req.Correct, at)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnswerRecordResponse(record))
}

// Mine はログインユーザーの回答集計を返す。
// GET /api/v1/stat/me
func (h *StatHandler) Mine(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	records, err := h.service.Mine(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]answerRecordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toAnswerRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func toAnswerRecordResponse(rec *model.AnswerRecord) answerRecordResponse {
	return answerRecordResponse{
		ProblemID:    rec.ProblemID,
		CorrectCount: rec.CorrectCount,
		TotalCount:   rec.TotalCount,
		LastAttempt:  rec.LastAttempt,
	}
}
