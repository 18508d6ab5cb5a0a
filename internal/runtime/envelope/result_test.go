package envelope

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/jsoncodec"
)

func TestKeywordEncoding(t *testing.T) {
	res := &KeywordsResult{Keywords: []Keyword{{Term: "presto", Score: 0.25}}}

	data, err := jsoncodec.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"keywords":[["presto",0.25]]}`, string(data))

	var decoded KeywordsResult
	require.NoError(t, jsoncodec.Unmarshal(data, &decoded))
	assert.Equal(t, res.Keywords, decoded.Keywords)
}

func TestKeywordDecodingErrors(t *testing.T) {
	var k Keyword
	assert.Error(t, jsoncodec.Unmarshal([]byte(`["only"]`), &k))
	assert.Error(t, jsoncodec.Unmarshal([]byte(`[1, 0.5]`), &k))
	assert.Error(t, jsoncodec.Unmarshal([]byte(`["x", "y"]`), &k))
}

func TestResultKinds(t *testing.T) {
	assert.Equal(t, ResultMedia, NewMediaResult().ResultKind())
	assert.Equal(t, ResultVideo, NewVideoResult().ResultKind())
	assert.Equal(t, ResultKeywords, NewKeywordsResult().ResultKind())
	assert.Equal(t, ResultText, NewTextResult().ResultKind())
	assert.Equal(t, ResultVector, NewVectorResult().ResultKind())
	assert.Equal(t, ResultError, (&ErrorResult{}).ResultKind())
}

func TestNewErrorResult(t *testing.T) {
	res := NewErrorResult(prestoerrors.NewUnknownKindError("nope"))
	assert.Equal(t, http.StatusNotFound, res.ErrorCode)
	assert.Contains(t, res.Error, "nope")

	res = NewErrorResult(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, res.ErrorCode)

	res = NewErrorResult(nil)
	assert.Equal(t, http.StatusInternalServerError, res.ErrorCode)
}
