package model

import (
	"testing"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()

	s, err := r.Lookup(SchemaKey{Name: "services", Namespace: "burrow"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.Checksum)
	assert.Equal(t, Checksum(s.Definition), s.Checksum)

	_, err = r.Lookup(SchemaKey{Name: "nope", Namespace: "burrow"})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&Schema{Name: "ranking", Namespace: "acme", Definition: []byte("profile: default\n")})
	require.NoError(t, err)

	s, err := r.Lookup(SchemaKey{Name: "ranking", Namespace: "acme"})
	require.NoError(t, err)
	assert.Equal(t, Checksum([]byte("profile: default\n")), s.Checksum)

	// Missing name or namespace is a validation error.
	err = r.Register(&Schema{Name: "", Namespace: "acme"})
	assert.True(t, errdefs.IsValidation(err))
}

func TestRegistryKeysDeterministic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Schema{Name: "z", Namespace: "acme", Definition: []byte("z")}))
	require.NoError(t, r.Register(&Schema{Name: "a", Namespace: "acme", Definition: []byte("a")}))

	keys := r.Keys()
	for i := 1; i < len(keys); i++ {
		prev, curr := keys[i-1], keys[i]
		less := prev.Namespace < curr.Namespace ||
			(prev.Namespace == curr.Namespace && prev.Name < curr.Name)
		assert.True(t, less, "keys out of order: %v before %v", prev, curr)
	}
}

func TestChecksumStable(t *testing.T) {
	a := Checksum([]byte("same"))
	b := Checksum([]byte("same"))
	c := Checksum([]byte("different"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
