package command

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shape interface{ isShape() }

type circle struct {
	Radius int `mapstructure:"radius"`
}

type label struct {
	Text   string
	Hidden bool
}

func (circle) isShape() {}
func (label) isShape()  {}

func decode[T shape](args map[string]any) (shape, error) {
	v, err := Decode[T](args)
	return v, err
}

var shapes = Table[shape]{
	"circle": decode[circle],
	"label":  decode[label],
}

func TestTableDecode(t *testing.T) {
	got, err := shapes.Decode("circle", map[string]any{"radius": 4})
	require.NoError(t, err)
	assert.Equal(t, circle{Radius: 4}, got)

	t.Run("weakly typed input from a command line", func(t *testing.T) {
		got, err := shapes.Decode("label", map[string]any{"text": "hi", "hidden": "true"})
		require.NoError(t, err)
		assert.Equal(t, label{Text: "hi", Hidden: true}, got)
	})

	t.Run("nil args decode to the zero command", func(t *testing.T) {
		got, err := shapes.Decode("circle", nil)
		require.NoError(t, err)
		assert.Equal(t, circle{}, got)
	})
}

func TestTableDecodeErrors(t *testing.T) {
	_, err := shapes.Decode("square", nil)
	assert.True(t, errors.Is(err, ErrUnknown))

	_, err = shapes.Decode("circle", map[string]any{"radius": "wide"})
	assert.True(t, errors.Is(err, ErrInvalidArgs))

	_, err = shapes.Decode("circle", map[string]any{"diameter": 3})
	assert.True(t, errors.Is(err, ErrInvalidArgs), "unused keys are rejected")
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, []string{"circle", "label"}, shapes.Names())
}
