package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamingDerivedNames(t *testing.T) {
	tests := []struct {
		name   string
		naming Naming
		kind   string
		input  string
		output string
		dlq    string
	}{
		{
			name:   "plain",
			naming: Naming{},
			kind:   "yake_keywords",
			input:  "yake_keywords",
			output: "yake_keywords_output",
			dlq:    "yake_keywords_dlq",
		},
		{
			name:   "dots are sanitised",
			naming: Naming{Prefix: "prod_"},
			kind:   "audio.hasher",
			input:  "prod_audio__hasher",
			output: "prod_audio__hasher_output",
			dlq:    "prod_audio__hasher_dlq",
		},
		{
			name:   "fifo suffix stays last",
			naming: Naming{Suffix: ".fifo"},
			kind:   "image.sscd",
			input:  "image__sscd.fifo",
			output: "image__sscd_output.fifo",
			dlq:    "image__sscd_dlq.fifo",
		},
		{
			name:   "overrides win",
			naming: Naming{Prefix: "x_", OutputOverride: "shared_output", DLQOverride: "shared_dlq"},
			kind:   "echo",
			input:  "x_echo",
			output: "shared_output",
			dlq:    "shared_dlq",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.input, tt.naming.Input(tt.kind))
			assert.Equal(t, tt.output, tt.naming.Output(tt.kind))
			assert.Equal(t, tt.dlq, tt.naming.DLQ(tt.kind))
			assert.Equal(t, tt.input, tt.naming.Name(tt.kind, RoleInput))
			assert.Equal(t, tt.output, tt.naming.Name(tt.kind, RoleOutput))
			assert.Equal(t, tt.dlq, tt.naming.Name(tt.kind, RoleDLQ))
		})
	}
}

func TestNamingOutputIsInputPlusMarker(t *testing.T) {
	n := Naming{Prefix: "dev_"}
	for _, kind := range []string{"echo", "audio.hasher", "video"} {
		assert.Equal(t, n.Input(kind)+OutputMarker, n.Output(kind))
	}
}

func TestRestrictInputQueues(t *testing.T) {
	names := []string{"echo", "echo_output", "echo_dlq", "video__hasher", "video__hasher_output.fifo"}

	assert.Equal(t, []string{"echo", "video__hasher"}, RestrictInputQueues(names))
	assert.True(t, IsInputQueue("echo.fifo"))
	assert.False(t, IsInputQueue("echo_dlq.fifo"))
}

func TestIsInputQueueMatchesMarkersOnlyAtTheEnd(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"echo", true},
		{"echo.fifo", true},
		{"audio_dlq_v2", true},
		{"text_output_fmt", true},
		{"my_output_dlq_reader.fifo", true},
		{"echo_output", false},
		{"echo_dlq", false},
		{"echo_dlq.fifo", false},
		{"echo_output.fifo", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsInputQueue(tt.name))
		})
	}
}

func TestNamingIsInputQueue(t *testing.T) {
	n := Naming{Prefix: "dev_", Suffix: "_v2", OutputOverride: "results", DLQOverride: "graveyard"}

	assert.True(t, n.IsInputQueue(n.Input("audio.hasher")))
	assert.True(t, n.IsInputQueue("dev_text_output_fmt_v2"))
	assert.False(t, n.IsInputQueue("dev_echo_output_v2"))
	assert.False(t, n.IsInputQueue("dev_echo_dlq_v2"))
	assert.False(t, n.IsInputQueue("results"))
	assert.False(t, n.IsInputQueue("graveyard"))

	plain := Naming{}
	for _, kind := range []string{"echo", "audio.hasher", "text_output_fmt"} {
		assert.True(t, plain.IsInputQueue(plain.Input(kind)), kind)
		assert.False(t, plain.IsInputQueue(plain.Output(kind)), kind)
		assert.False(t, plain.IsInputQueue(plain.DLQ(kind)), kind)
	}
	assert.Equal(t, []string{"dev_echo_v2"}, n.RestrictInputQueues([]string{"dev_echo_v2", "dev_echo_output_v2", "results"}))
}
