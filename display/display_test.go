package display

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatFallbackWithoutFormatter(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	outputs := map[string]any{"x": 1}
	md := r.Format("unknown", outputs)
	require.Equal(t, TypeJSON, md.DisplayType)
	require.Equal(t, outputs, md.PrimaryContent)
	require.Empty(t, md.Error)
}

func TestFormatUsesRegisteredFormatter(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("chat", func(outputs map[string]any) (Metadata, error) {
		return Metadata{DisplayType: TypeMarkdown, PrimaryContent: outputs["response"]}, nil
	})
	md := r.Format("chat", map[string]any{"response": "hi"})
	require.Equal(t, TypeMarkdown, md.DisplayType)
	require.Equal(t, "hi", md.PrimaryContent)
}

func TestFormatErrorDowngradesToJSON(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("bad", func(map[string]any) (Metadata, error) {
		return Metadata{}, errors.New("no content")
	})
	outputs := map[string]any{"k": "v"}
	md := r.Format("bad", outputs)
	require.Equal(t, TypeJSON, md.DisplayType)
	require.Equal(t, outputs, md.PrimaryContent)
	require.Contains(t, md.Error, "no content")
}

func TestFormatPanicIsContained(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("panics", func(map[string]any) (Metadata, error) {
		panic("boom")
	})
	md := r.Format("panics", map[string]any{})
	require.Equal(t, TypeJSON, md.DisplayType)
	require.Contains(t, md.Error, "boom")
}

func TestFormatDefaultsEmptyType(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("sloppy", func(outputs map[string]any) (Metadata, error) {
		return Metadata{PrimaryContent: outputs}, nil
	})
	md := r.Format("sloppy", map[string]any{})
	require.Equal(t, TypeJSON, md.DisplayType)
}
