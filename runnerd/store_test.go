package runnerd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStore(t *testing.T) {
	store := newSessionStore()

	sess := store.Create([]string{"FOO=bar"}, map[string]string{"name": "test"})
	require.NotEmpty(t, sess.ID())

	got, ok := store.Get(sess.ID())
	require.True(t, ok)
	assert.Equal(t, []string{"FOO=bar"}, got.Envs())

	got.SetEnvs([]string{"FOO=baz", "X=1"})
	assert.Equal(t, []string{"FOO=baz", "X=1"}, got.Envs())

	require.True(t, store.Delete(sess.ID()))
	require.False(t, store.Delete(sess.ID()))
	_, ok = store.Get(sess.ID())
	assert.False(t, ok)
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)

	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	assert.Equal(t, []byte("abc"), b.Bytes())

	_, err = b.Write([]byte("defghijk"))
	require.NoError(t, err)
	// only the last 8 bytes are retained
	assert.Equal(t, []byte("defghijk"), b.Bytes())
}

func TestMultiWriter(t *testing.T) {
	var a, b bytes.Buffer
	w := newMultiWriter(&a)
	w.Add(&b)

	_, err := w.Write([]byte("one"))
	require.NoError(t, err)
	assert.Equal(t, "one", a.String())
	assert.Equal(t, "one", b.String())

	w.Remove(&b)
	_, err = w.Write([]byte("two"))
	require.NoError(t, err)
	assert.Equal(t, "onetwo", a.String())
	assert.Equal(t, "one", b.String())
}
