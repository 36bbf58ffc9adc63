package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_AddGet(t *testing.T) {
	r := New[int]()
	r.Add("answer", func() (int, error) { return 42, nil })

	v, err := r.Get("answer")
	assert.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRegistry_GetUnknownErrors(t *testing.T) {
	r := New[int]()
	_, err := r.Get("missing")
	assert.Error(t, err)
}

func TestRegistry_AddOverwrites(t *testing.T) {
	r := New[string]()
	r.Add("impl", func() (string, error) { return "first", nil })
	r.Add("impl", func() (string, error) { return "second", nil })

	v, err := r.Get("impl")
	assert.NoError(t, err)
	assert.Equal(t, "second", v)
}
