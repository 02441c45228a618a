package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误分类
type Kind int

const (
	// Validation 输入格式不合法，调用方可以重新提示
	Validation Kind = iota + 1
	// State 当前阶段不允许该操作，状态未被修改
	State
	// NotFound 比赛/玩家/争议不存在
	NotFound
	// Conflict 并发冲突（重复入队、重复配对），保证无部分修改
	Conflict
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case State:
		return "state"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return e.Code + ": " + e.Msg
}

// Is 按 Code 匹配，使 Wrap 出来的错误仍然满足 errors.Is(err, ErrXxx)
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// Wrap 在哨兵错误上附加细节
func Wrap(base *Error, format string, args ...any) error {
	return &Error{Kind: base.Kind, Code: base.Code, Msg: fmt.Sprintf(format, args...)}
}

var (
	ErrAlreadyQueued   = New(Conflict, "already_queued")
	ErrAlreadyInMatch  = New(Conflict, "already_in_match")
	ErrDuplicateMatch  = New(Conflict, "duplicate_match")
	ErrNotQueued       = New(State, "not_queued")
	ErrInvalidPhase    = New(State, "invalid_phase")
	ErrInvalidChoice   = New(State, "invalid_choice")
	ErrAlreadyReported = New(State, "already_reported")
	ErrStalePrompt     = New(State, "stale_prompt")
	ErrNotAssigned     = New(State, "not_assigned")
	ErrInvalidRoomCode = New(Validation, "invalid_room_code")
	ErrInvalidScore    = New(Validation, "invalid_score")
	ErrInvalidRequest  = New(Validation, "invalid_request")
	ErrUnknownMatch    = New(NotFound, "unknown_match")
	ErrNotParticipant  = New(NotFound, "not_participant")
	ErrUnknownDispute  = New(NotFound, "unknown_dispute")
	ErrUnknownPlayer   = New(NotFound, "unknown_player")
)

// KindOf 返回错误分类；非 apperr 错误返回 0
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// HTTPStatus 给 gin handler 使用
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case State, Conflict:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Code 返回错误码，未知错误返回 "internal"
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
