package handler

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hitoshi/quizbank/internal/middleware"
	"github.com/hitoshi/quizbank/internal/model"
	"github.com/hitoshi/quizbank/internal/problem"
)

// ProblemServiceInterface は問題ハンドラーが必要とするサービスインターフェース。
type ProblemServiceInterface interface {
	CreateSet(ctx context.Context, name string) (string, model.ProblemSetCreateStatus, error)
	ListSets(ctx context.Context) ([]*model.ProblemSet, error)
	Add(ctx context.Context, problemSetID string, problems []problem.NewProblem) ([]string, error)
	Search(ctx context.Context, q problem.SearchQuery) ([]*model.Problem, error)
	Count(ctx context.Context, problemSetID string) (int, error)
	Delete(ctx context.Context, ids []string) (int64, error)
	Random(ctx context.Context, problemSetID string, n int) ([]*model.Problem, error)
}

// ProblemHandler は問題バンクのHTTPハンドラー。
type ProblemHandler struct {
	service ProblemServiceInterface
}

// NewProblemHandler はProblemHandlerを生成する。
func NewProblemHandler(service ProblemServiceInterface) *ProblemHandler {
	return &ProblemHandler{service: service}
}

type createSetRequest struct {
	Name string `json:"name"`
}

type createSetResponse struct {
	ProblemSetID string                       `json:"problemset_id"`
	Status       model.ProblemSetCreateStatus `json:"status"`
}

type problemSetResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
}

type addProblemsRequest struct {
	ProblemSetID string              `json:"problemset_id"`
	Problems     []newProblemRequest `json:"problems"`
}

type newProblemRequest struct {
	Content string             `json:"content"`
	Type    string             `json:"type"`
	Options []newOptionRequest `json:"options"`
}

type newOptionRequest struct {
	Content   string `json:"content"`
	Order     int    `json:"order"`
	IsCorrect bool   `json:"is_correct"`
}

type addProblemsResponse struct {
	ProblemIDs []string `json:"problem_ids"`
}

type problemResponse struct {
	ID           string           `json:"id"`
	ProblemSetID string           `json:"problemset_id"`
	Content      string           `json:"content"`
	Type         string           `json:"type"`
	Options      []optionResponse `json:"options"`
	CreatedAt    time.Time        `json:"created_at"`
}

type optionResponse struct {
	ID        string `json:"id"`
	Order     int    `json:"order"`
	Content   string `json:"content"`
	IsCorrect bool   `json:"is_correct"`
}

type searchResponse struct {
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Problems []problemResponse `json:"problems"`
}

type problemListResponse struct {
	Problems []problemResponse `json:"problems"`
}

type countResponse struct {
	Count int `json:"count"`
}

type deleteResponse struct {
	Deleted int64 `json:"deleted"`
}

// CreateSet は問題集を作成する。同名の問題集があればそのIDを返す。
// POST /api/v1/problem/create_set
func (h *ProblemHandler) CreateSet(w http.ResponseWriter, r *http.Request) {
	var req createSetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	id, status, err := h.service.CreateSet(r.Context(), req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	code := http.StatusCreated
	if status == model.ProblemSetAlreadyExists {
		code = http.StatusOK
	}
	writeJSON(w, code, createSetResponse{ProblemSetID: id, Status: status})
}

// ListSets は問題集の一覧を問題数付きで返す。
// GET /api/v1/problem/list_set
func (h *ProblemHandler) ListSets(w http.ResponseWriter, r *http.Request) {
	sets, err := h.service.ListSets(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]problemSetResponse, 0, len(sets))
	for _, s := range sets {
		resp = append(resp, problemSetResponse{
			ID:        s.ID,
			Name:      s.Name,
			Count:     s.Count,
			CreatedAt: s.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Add は問題集に問題を追加する。
// POST /api/v1/problem/add
func (h *ProblemHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req addProblemsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	inputs := make([]problem.NewProblem, 0, len(req.Problems))
	for _, p := range req.Problems {
		in := problem.NewProblem{
			Content: p.Content,
			Type:    model.ProblemType(p.Type),
			Options: make([]problem.NewOption, 0, len(p.Options)),
		}
		for _, o := range p.Options {
			in.Options = append(in.Options, problem.NewOption{
				Content:   o.Content,
				Order:     o.Order,
				IsCorrect: o.IsCorrect,
			})
		}
		inputs = append(inputs, in)
	}

	ids, err := h.service.Add(r.Context(), req.ProblemSetID, inputs)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, addProblemsResponse{ProblemIDs: ids})
}

// Search はキーワードで問題を検索する。
// GET /api/v1/problem/search?kw=&problemset_id=&page=1&page_size=20
func (h *ProblemHandler) Search(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, r.URL.Query().Get("kw"))
}

// Get はキーワードなしで問題を一覧する。
// GET /api/v1/problem/get?problemset_id=&page=1&page_size=20
func (h *ProblemHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, "")
}

func (h *ProblemHandler) search(w http.ResponseWriter, r *http.Request, keyword string) {
	q := r.URL.Query()
	page, err := intParam(q, "page", 1)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	size, err := intParam(q, "page_size", problem.DefaultPageSize)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}
	page, size = problem.ClampPage(page, size)

	problems, err := h.service.Search(r.Context(), problem.SearchQuery{
		Keyword:      keyword,
		ProblemSetID: q.Get("problemset_id"),
		Page:         page,
		PageSize:     size,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{
		Page:     page,
		PageSize: size,
		Problems: toProblemResponses(problems),
	})
}

// Count は問題数を返す。
// GET /api/v1/problem/count?problemset_id=
func (h *ProblemHandler) Count(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Count(r.Context(), r.URL.Query().Get("problemset_id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// Delete は問題を削除する。ボディはIDの配列。
// POST /api/v1/problem/delete
func (h *ProblemHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if err := decodeJSON(w, r, &ids); err != nil {
		handleServiceError(w, err)
		return
	}

	n, err := h.service.Delete(r.Context(), ids)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: n})
}

// Random は問題をランダムに返す。
// GET /api/v1/problem/random?problemset_id=&n=20
func (h *ProblemHandler) Random(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, err := intParam(q, "n", problem.DefaultRandomCount)
	if err != nil {
		middleware.WriteAPIError(w, err)
		return
	}

	problems, err := h.service.Random(r.Context(), q.Get("problemset_id"), n)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, problemListResponse{Problems: toProblemResponses(problems)})
}

// --- ヘルパー関数 ---

// intParam はクエリパラメータを整数として読む。未指定なら既定値を返す。
func intParam(q url.Values, name string, fallback int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.NewValidationError(name + "は整数で指定してください")
	}
	return n, nil
}

func toProblemResponses(problems []*model.Problem) []problemResponse {
	resp := make([]problemResponse, 0, len(problems))
	for _, p := range problems {
		options := make([]optionResponse, 0, len(p.Options))
		for _, o := range p.Options {
			options = append(options, optionResponse{
				ID:        o.ID,
				Order:     o.Order,
				Content:   o.Content,
				IsCorrect: o.IsCorrect,
			})
		}
		resp = append(resp, problemResponse{
			ID:           p.ID,
			ProblemSetID: p.ProblemSetID,
			Content:      p.Content,
			Type:         string(p.Type),
			Options:      options,
			CreatedAt:    p.CreatedAt,
		})
	}
	return resp
}
