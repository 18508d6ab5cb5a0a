package envelope

import (
	"fmt"

	"github.com/drblury/presto/internal/runtime/jsoncodec"

	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
)

// Result is the kind-specific output stored on GenericItem.Result. Each
// registered kind declares exactly one result shape; ErrorResult may replace
// it when a message is dead-lettered.
type Result interface {
	ResultKind() string
}

// Result kinds.
const (
	ResultMedia    = "media"
	ResultVideo    = "video"
	ResultKeywords = "keywords"
	ResultText     = "text"
	ResultVector   = "vector"
	ResultError    = "error"
)

// MediaResult carries a perceptual hash for image and audio kinds.
type MediaResult struct {
	HashValue any `json:"hash_value"`
}

func (*MediaResult) ResultKind() string { return ResultMedia }

// VideoResult carries a video hash plus the blob location of the extracted
// features.
type VideoResult struct {
	HashValue any    `json:"hash_value"`
	Folder    string `json:"folder,omitempty"`
	Filepath  string `json:"filepath,omitempty"`
}

func (*VideoResult) ResultKind() string { return ResultVideo }

// Keyword is a scored term. It is encoded as a two element array
// ["term", score].
type Keyword struct {
	Term  string
	Score float64
}

func (k Keyword) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal([]any{k.Term, k.Score})
}

func (k *Keyword) UnmarshalJSON(data []byte) error {
	var pair []any
	if err := jsoncodec.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("keyword must be a [term, score] pair, got %d elements", len(pair))
	}
	term, ok := pair[0].(string)
	if !ok {
		return fmt.Errorf("keyword term must be a string, got %T", pair[0])
	}
	score, ok := pair[1].(float64)
	if !ok {
		return fmt.Errorf("keyword score must be a number, got %T", pair[1])
	}
	*k = Keyword{Term: term, Score: score}
	return nil
}

// KeywordsResult lists extracted keywords.
type KeywordsResult struct {
	Keywords []Keyword `json:"keywords"`
}

func (*KeywordsResult) ResultKind() string { return ResultKeywords }

// TextResult carries transformed text.
type TextResult struct {
	Text string `json:"text"`
}

func (*TextResult) ResultKind() string { return ResultText }

// VectorResult carries an embedding.
type VectorResult struct {
	Vector []float64 `json:"vector"`
}

func (*VectorResult) ResultKind() string { return ResultVector }

// ErrorResult replaces the kind's result when a message cannot be processed.
type ErrorResult struct {
	Error        string `json:"error"`
	ErrorDetails string `json:"error_details,omitempty"`
	ErrorCode    int    `json:"error_code"`
}

func (*ErrorResult) ResultKind() string { return ResultError }

// NewErrorResult describes err, using its status code when it carries one.
func NewErrorResult(err error) *ErrorResult {
	if err == nil {
		return &ErrorResult{Error: "unknown error", ErrorCode: 500}
	}
	return &ErrorResult{
		Error:     err.Error(),
		ErrorCode: prestoerrors.StatusCode(err),
	}
}

// Result constructors for registry entries.
func NewMediaResult() Result    { return &MediaResult{} }
func NewVideoResult() Result    { return &VideoResult{} }
func NewKeywordsResult() Result { return &KeywordsResult{Keywords: []Keyword{}} }
func NewTextResult() Result     { return &TextResult{} }
func NewVectorResult() Result   { return &VectorResult{} }
