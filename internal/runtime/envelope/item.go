// Package envelope defines the queue wire format shared by ingress, workers
// and processors, and the kind registry that gives each message its kernel,
// validation rules and result shape.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/drblury/presto/internal/runtime/jsoncodec"
)

// ItemID is the caller-assigned identifier of a work item. Callers send
// either a JSON string or a JSON number; the original form is preserved on
// re-encoding.
type ItemID struct {
	value   string
	numeric bool
}

// StringID builds a string-valued ItemID.
func StringID(s string) ItemID { return ItemID{value: s} }

// IntID builds a numeric ItemID.
func IntID(n int64) ItemID { return ItemID{value: strconv.FormatInt(n, 10), numeric: true} }

func (id ItemID) String() string { return id.value }

// IsZero reports whether no identifier was supplied.
func (id ItemID) IsZero() bool { return id.value == "" }

// IsNumeric reports whether the identifier arrived as a JSON number.
func (id ItemID) IsNumeric() bool { return id.numeric }

func (id ItemID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		return []byte(id.value), nil
	}
	return jsoncodec.Marshal(id.value)
}

func (id *ItemID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*id = ItemID{}
		return nil
	case data[0] == '"':
		var s string
		if err := jsoncodec.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ItemID{value: s}
		return nil
	default:
		var n json.Number
		if err := jsoncodec.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("id must be a string or a number: %w", err)
		}
		*id = ItemID{value: n.String(), numeric: true}
		return nil
	}
}

// GenericItem is the body of every message. Result holds the kind-specific
// output once a kernel or the cache has produced it.
type GenericItem struct {
	ID          ItemID         `json:"id"`
	ContentHash string         `json:"content_hash,omitempty" validate:"omitempty,max=512"`
	CallbackURL string         `json:"callback_url,omitempty" validate:"omitempty,url"`
	URL         string         `json:"url,omitempty" validate:"omitempty,url"`
	Text        string         `json:"text,omitempty"`
	Raw         map[string]any `json:"raw"`
	Parameters  map[string]any `json:"parameters"`
	Result      Result         `json:"result"`

	// rawResult keeps an undecoded result until the kind's shape is known.
	rawResult json.RawMessage
}

type wireItem struct {
	ID          ItemID          `json:"id"`
	ContentHash string          `json:"content_hash,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
	URL         string          `json:"url,omitempty"`
	Text        string          `json:"text,omitempty"`
	Raw         map[string]any  `json:"raw"`
	Parameters  map[string]any  `json:"parameters"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func (g GenericItem) MarshalJSON() ([]byte, error) {
	w := wireItem{
		ID:          g.ID,
		ContentHash: g.ContentHash,
		CallbackURL: g.CallbackURL,
		URL:         g.URL,
		Text:        g.Text,
		Raw:         g.Raw,
		Parameters:  g.Parameters,
	}
	if w.Raw == nil {
		w.Raw = map[string]any{}
	}
	if w.Parameters == nil {
		w.Parameters = map[string]any{}
	}
	switch {
	case g.Result != nil:
		data, err := jsoncodec.Marshal(g.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		w.Result = data
	case len(g.rawResult) > 0:
		w.Result = g.rawResult
	default:
		w.Result = json.RawMessage("{}")
	}
	return jsoncodec.Marshal(w)
}

func (g *GenericItem) UnmarshalJSON(data []byte) error {
	var w wireItem
	if err := jsoncodec.Unmarshal(data, &w); err != nil {
		return err
	}
	*g = GenericItem{
		ID:          w.ID,
		ContentHash: w.ContentHash,
		CallbackURL: w.CallbackURL,
		URL:         w.URL,
		Text:        w.Text,
		Raw:         w.Raw,
		Parameters:  w.Parameters,
	}
	if hasResultPayload(w.Result) {
		g.rawResult = append(json.RawMessage(nil), w.Result...)
	}
	return nil
}

// RawResult returns the undecoded result payload carried on the wire, if any.
func (g *GenericItem) RawResult() json.RawMessage { return g.rawResult }

// Parameter returns a kind option from Parameters.
func (g *GenericItem) Parameter(key string) (any, bool) {
	v, ok := g.Parameters[key]
	return v, ok
}

func hasResultPayload(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) && !bytes.Equal(trimmed, []byte("{}"))
}
