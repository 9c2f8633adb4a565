package companion

import "errors"

// ErrorKind groups coded errors by how a caller should react.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindState      ErrorKind = "state"
	KindAsset      ErrorKind = "asset"
	KindNotFound   ErrorKind = "not_found"
)

// Error is a machine-readable failure. It renders as "code" or
// "code:detail".
type Error struct {
	Kind   ErrorKind
	Code   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ":" + e.Detail
}

// Is matches on code, so errors.Is(err, ErrStateInvalid) holds for every
// wizard_state_invalid error regardless of detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Detail == "" || t.Detail == e.Detail)
}

// WithDetail returns a copy of e carrying detail.
func (e *Error) WithDetail(detail string) *Error {
	return e.with(detail)
}

func (e *Error) with(detail string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Detail: detail}
}

var (
	ErrPhotoCount        = &Error{Kind: KindValidation, Code: "wizard_photo_count_invalid"}
	ErrPersonalityText   = &Error{Kind: KindValidation, Code: "invalid_personality_text"}
	ErrInvalidMediaID    = &Error{Kind: KindValidation, Code: "invalid_media_id"}
	ErrInvalidStatus     = &Error{Kind: KindValidation, Code: "invalid_training_status"}
	ErrInvalidTier       = &Error{Kind: KindValidation, Code: "invalid_training_tier"}
	ErrStateInvalid      = &Error{Kind: KindState, Code: "wizard_state_invalid"}
	ErrTransitionInvalid = &Error{Kind: KindState, Code: "training_job_transition_invalid"}
	ErrTrainingBusy      = &Error{Kind: KindState, Code: "training_job_busy"}
	ErrMediaNotFound     = &Error{Kind: KindAsset, Code: "media_asset_not_found"}
	ErrVoiceNotFound     = &Error{Kind: KindAsset, Code: "voice_asset_not_found"}
	ErrJobNotFound       = &Error{Kind: KindNotFound, Code: "training_job_not_found"}
)

// KindOf returns the kind of a coded error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
