package session

import (
	"errors"
	"fmt"
	"strings"
)

const maxCodeSpaceLength = 190

var (
	// ErrInvalidCodeSpace indicates that a code space identifier is empty or exceeds storage bounds.
	ErrInvalidCodeSpace = errors.New("session: invalid code space")
	// ErrInvalidVersionNumber indicates that a version number is not positive.
	ErrInvalidVersionNumber = errors.New("session: invalid version number")
)

// CodeSpaceID represents a validated code space identifier.
type CodeSpaceID string

// NewCodeSpaceID validates raw input and returns a CodeSpaceID.
func NewCodeSpaceID(rawInput string) (CodeSpaceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCodeSpace)
	}
	if len(trimmed) > maxCodeSpaceLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCodeSpace, maxCodeSpaceLength)
	}
	return CodeSpaceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CodeSpaceID) String() string {
	return string(id)
}

// VersionNumber represents a validated 1-based version number.
type VersionNumber int64

// NewVersionNumber validates the value and returns a VersionNumber.
func NewVersionNumber(value int64) (VersionNumber, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidVersionNumber, value)
	}
	return VersionNumber(value), nil
}

// Int64 exposes the raw version number.
func (n VersionNumber) Int64() int64 {
	return int64(n)
}

// Content carries the four mutable content fields of a session.
type Content struct {
	Code       string `json:"code"`
	Transpiled string `json:"transpiled"`
	HTML       string `json:"html"`
	CSS        string `json:"css"`
}

// CodeSession models the persisted live code session row.
type CodeSession struct {
	CodeSpace        string `gorm:"column:code_space;primaryKey;size:190;not null" json:"codeSpace"`
	Code             string `gorm:"column:code;type:text;not null" json:"code"`
	Transpiled       string `gorm:"column:transpiled;type:text;not null" json:"transpiled"`
	HTML             string `gorm:"column:html;type:text;not null" json:"html"`
	CSS              string `gorm:"column:css;type:text;not null" json:"css"`
	ContentHash      string `gorm:"column:content_hash;size:64;not null;index:idx_sessions_hash" json:"contentHash"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (CodeSession) TableName() string {
	return "code_sessions"
}

// ContentFields returns the mutable content fields of the session.
func (s CodeSession) ContentFields() Content {
	return Content{
		Code:       s.Code,
		Transpiled: s.Transpiled,
		HTML:       s.HTML,
		CSS:        s.CSS,
	}
}

// SessionVersion models an immutable snapshot of a session.
type SessionVersion struct {
	SessionID        string `gorm:"column:session_id;primaryKey;size:190;not null;uniqueIndex:idx_versions_session_number,priority:1" json:"sessionId"`
	Number           int64  `gorm:"column:number;primaryKey;not null;uniqueIndex:idx_versions_session_number,priority:2" json:"number"`
	Code             string `gorm:"column:code;type:text;not null" json:"code"`
	Transpiled       string `gorm:"column:transpiled;type:text;not null" json:"transpiled"`
	HTML             string `gorm:"column:html;type:text;not null" json:"html"`
	CSS              string `gorm:"column:css;type:text;not null" json:"css"`
	ContentHash      string `gorm:"column:content_hash;size:64;not null" json:"contentHash"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (SessionVersion) TableName() string {
	return "session_versions"
}

// VersionSummary is the listing projection of a stored version.
type VersionSummary struct {
	Number           int64  `json:"number"`
	ContentHash      string `json:"contentHash"`
	CreatedAtSeconds int64  `json:"createdAt"`
}

const (
	defaultCode = "export default () => <div className=\"welcome\">Start editing to see your changes live.</div>;\n"

	defaultTranspiled = "import { jsx } from \"@emotion/react/jsx-runtime\";\n" +
		"export default () => jsx(\"div\", { className: \"welcome\", children: \"Start editing to see your changes live.\" });\n"

	defaultHTML = "<div class=\"welcome\">Start editing to see your changes live.</div>"

	defaultCSS = ".welcome { font-family: sans-serif; color: #333; }\n"
)

// DefaultContent returns the fixed template a previously-unknown
// code space is materialized with.
func DefaultContent() Content {
	return Content{
		Code:       defaultCode,
		Transpiled: defaultTranspiled,
		HTML:       defaultHTML,
		CSS:        defaultCSS,
	}
}
