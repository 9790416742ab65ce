package objects

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestBlobRoundTrip(t *testing.T) {
	data, h := Encode(&Blob{Data: []byte("bar")})
	require.Equal(t, Sum(data), h)

	o, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, KindBlob, o.Kind())
	require.Equal(t, []byte("bar"), o.(*Blob).Data)
}

func TestEmptyBlobHasStableHash(t *testing.T) {
	_, h1 := Encode(&Blob{})
	_, h2 := Encode(&Blob{Data: []byte{}})
	require.Equal(t, h1, h2)
	require.False(t, h1.IsZero())
}

func TestTreeEncodeSortsEntries(t *testing.T) {
	_, a := Encode(&Blob{Data: []byte("a")})
	_, b := Encode(&Blob{Data: []byte("b")})

	t1 := &Tree{Entries: []TreeEntry{
		{Name: "zeta", Hash: a, Mode: ModeBlob},
		{Name: "alpha", Hash: b, Mode: ModeBlob},
	}}
	t2 := &Tree{Entries: []TreeEntry{
		{Name: "alpha", Hash: b, Mode: ModeBlob},
		{Name: "zeta", Hash: a, Mode: ModeBlob},
	}}
	d1, h1 := Encode(t1)
	_, h2 := Encode(t2)
	require.Equal(t, h1, h2, "entry order must not change the tree hash")

	decoded, err := DecodeTree(d1)
	require.NoError(t, err)
	if diff := cmp.Diff(t2.Entries, decoded.Entries); diff != "" {
		t.Fatalf("decoded entries mismatch (-want +got):\n%s", diff)
	}

	e, ok := decoded.Find("zeta")
	require.True(t, ok)
	require.Equal(t, a, e.Hash)
	_, ok = decoded.Find("missing")
	require.False(t, ok)
}

func TestCommitRoundTrip(t *testing.T) {
	_, tree := Encode(&Tree{})
	_, parent := Encode(&Blob{Data: []byte("not really a commit")})
	when := time.Date(2024, 3, 1, 12, 0, 0, 42, time.UTC)

	c := &Commit{
		Tree:      tree,
		Parents:   []Hash{parent},
		Author:    Signature{Name: "test", Email: "test@test", When: when},
		Committer: Signature{Name: "bot", Email: "bot@test", When: when.Add(time.Second)},
		Message:   "set foo",
	}
	data, _ := Encode(c)

	got, err := DecodeCommit(data)
	require.NoError(t, err)
	if diff := cmp.Diff(c, got); diff != "" {
		t.Fatalf("commit mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, parent, got.Parent())
	require.ElementsMatch(t, []Hash{tree, parent}, References(got))
}

func TestRootCommitHasNoParent(t *testing.T) {
	c := &Commit{Author: Signature{When: time.Unix(0, 0)}, Committer: Signature{When: time.Unix(0, 0)}}
	require.True(t, c.Parent().IsZero())
}

func TestDecodeWrongKind(t *testing.T) {
	data, _ := Encode(&Blob{Data: []byte("x")})
	_, err := DecodeTree(data)
	require.ErrorIs(t, err, ErrUnexpectedKind)
	_, err = DecodeCommit(data)
	require.ErrorIs(t, err, ErrUnexpectedKind)
}

func TestDecodeCorrupt(t *testing.T) {
	for name, data := range map[string][]byte{
		"truncated tag":  {0x80},
		"unknown kind":   {0x08, 0x09},
		"truncated body": {0x08, 0x01, 0x12, 0x05, 'a'},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			require.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestDecodeRejectsUnsortedTree(t *testing.T) {
	_, h := Encode(&Blob{})
	tr := &Tree{Entries: []TreeEntry{{Name: "b", Hash: h, Mode: ModeBlob}, {Name: "a", Hash: h, Mode: ModeBlob}}}
	body := tr.appendBody(nil)
	// appendBody sorted in place; swap back to force disorder on the wire.
	tr.Entries[0], tr.Entries[1] = tr.Entries[1], tr.Entries[0]
	var unsorted []byte
	for _, e := range tr.Entries {
		one := (&Tree{Entries: []TreeEntry{e}}).appendBody(nil)
		unsorted = append(unsorted, one...)
	}
	require.NotEqual(t, body, unsorted)

	_, err := decodeTree(unsorted)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestHashParsing(t *testing.T) {
	_, h := Encode(&Blob{Data: []byte("foo")})
	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
	require.Len(t, h.Short(), 12)
	require.Equal(t, "(none)", ZeroHash.Short())
	require.Nil(t, ZeroHash.Bytes())

	_, err = ParseHash("zz")
	require.Error(t, err)
	_, err = HashFromBytes([]byte{1, 2, 3})
	require.Error(t, err)

	zero, err := HashFromBytes(nil)
	require.NoError(t, err)
	require.True(t, zero.IsZero())
}
