// Package kernels ships reference kernels used for local development and
// end-to-end tests. Production kernels live outside this module and are
// registered the same way.
package kernels

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/drblury/presto/internal/runtime/envelope"
	"github.com/drblury/presto/internal/runtime/jsoncodec"
)

const (
	EchoKind   = "echo"
	SHA256Kind = "sha256"
)

var (
	ErrTextRequired    = errors.New("text is required")
	ErrContentRequired = errors.New("one of url, text or raw is required")
)

// Echo returns the registry entry for the echo kind: the upper-cased text
// becomes a TextResult.
func Echo() envelope.Entry {
	return envelope.Entry{
		Kind:      EchoKind,
		Kernel:    envelope.ProcessFunc(echo),
		NewResult: envelope.NewTextResult,
		Validate: func(body *envelope.GenericItem) error {
			if body.Text == "" {
				return ErrTextRequired
			}
			return nil
		},
	}
}

func echo(_ context.Context, msg *envelope.Message) error {
	result, ok := msg.Body.Result.(*envelope.TextResult)
	if !ok {
		return fmt.Errorf("echo: unexpected result type %T", msg.Body.Result)
	}
	result.Text = strings.ToUpper(msg.Body.Text)
	return nil
}

// SHA256 returns the registry entry for the sha256 kind, which fingerprints
// an item's content into a MediaResult.
func SHA256() envelope.Entry {
	return envelope.Entry{
		Kind:      SHA256Kind,
		Kernel:    envelope.ProcessFunc(fingerprint),
		NewResult: envelope.NewMediaResult,
		Validate: func(body *envelope.GenericItem) error {
			if body.URL == "" && body.Text == "" && len(body.Raw) == 0 {
				return ErrContentRequired
			}
			return nil
		},
	}
}

func fingerprint(_ context.Context, msg *envelope.Message) error {
	result, ok := msg.Body.Result.(*envelope.MediaResult)
	if !ok {
		return fmt.Errorf("sha256: unexpected result type %T", msg.Body.Result)
	}
	sum, err := Fingerprint(&msg.Body)
	if err != nil {
		return err
	}
	result.HashValue = sum
	return nil
}

// Fingerprint hashes the first content field present, in order url, text,
// raw. Raw maps are hashed in their canonical JSON form (sorted keys).
func Fingerprint(body *envelope.GenericItem) (string, error) {
	var content []byte
	switch {
	case body.URL != "":
		content = []byte(body.URL)
	case body.Text != "":
		content = []byte(body.Text)
	case len(body.Raw) > 0:
		raw, err := jsoncodec.Marshal(body.Raw)
		if err != nil {
			return "", fmt.Errorf("sha256: encode raw: %w", err)
		}
		content = raw
	default:
		return "", ErrContentRequired
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}

// Register adds every reference kernel to reg.
func Register(reg *envelope.Registry) error {
	for _, entry := range []envelope.Entry{Echo(), SHA256()} {
		if err := reg.Register(entry); err != nil {
			return err
		}
	}
	return nil
}
