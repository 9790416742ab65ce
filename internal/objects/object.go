// Package objects defines the immutable, content-addressed objects a
// bucket's history is made of: blobs hold values, trees map one path
// segment to a blob or a subtree, and commits name a root tree plus the
// revision they were derived from.
//
// Every object is encoded as a protobuf wire message {1: kind, 2: body}
// and addressed by the blake2b-256 hash of that encoding.
package objects

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind identifies the type of an encoded object.
type Kind uint8

const (
	KindBlob   Kind = 1
	KindTree   Kind = 2
	KindCommit Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindBlob:
		return "blob"
	case KindTree:
		return "tree"
	case KindCommit:
		return "commit"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrCorrupt        = errors.New("corrupt object")
	ErrUnexpectedKind = errors.New("unexpected object kind")
)

// Object is implemented by *Blob, *Tree and *Commit.
type Object interface {
	Kind() Kind
	appendBody(b []byte) []byte
}

// Blob is the content of a single value.
type Blob struct {
	Data []byte
}

func (*Blob) Kind() Kind { return KindBlob }

func (o *Blob) appendBody(b []byte) []byte { return append(b, o.Data...) }

// Mode tells whether a tree entry points at a blob or a subtree.
type Mode uint8

const (
	ModeBlob Mode = 1
	ModeTree Mode = 2
)

// TreeEntry is one named child of a tree.
type TreeEntry struct {
	Name string
	Hash Hash
	Mode Mode
}

// Tree is a directory level. Entries are kept sorted by Name with no
// duplicates; Encode sorts them, Decode rejects unsorted input.
type Tree struct {
	Entries []TreeEntry
}

func (*Tree) Kind() Kind { return KindTree }

// Find returns the entry with the given name.
func (t *Tree) Find(name string) (TreeEntry, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Name >= name })
	if i < len(t.Entries) && t.Entries[i].Name == name {
		return t.Entries[i], true
	}
	return TreeEntry{}, false
}

func (t *Tree) appendBody(b []byte) []byte {
	sort.Slice(t.Entries, func(i, j int) bool { return t.Entries[i].Name < t.Entries[j].Name })
	for _, e := range t.Entries {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, e.Name)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, e.Hash[:])
		entry = protowire.AppendTag(entry, 3, protowire.VarintType)
		entry = protowire.AppendVarint(entry, uint64(e.Mode))

		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// Signature identifies who made a commit and when.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

func (s Signature) String() string {
	return fmt.Sprintf("%s <%s>", s.Name, s.Email)
}

// Commit is an immutable revision: a root tree and its parent revisions.
type Commit struct {
	Tree      Hash
	Parents   []Hash
	Author    Signature
	Committer Signature
	Message   string
}

func (*Commit) Kind() Kind { return KindCommit }

// Parent returns the first parent, or the zero hash for a root commit.
func (c *Commit) Parent() Hash {
	if len(c.Parents) == 0 {
		return ZeroHash
	}
	return c.Parents[0]
}

func (c *Commit) appendBody(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Tree[:])
	for _, p := range c.Parents {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, p[:])
	}
	b = appendString(b, 3, c.Author.Name)
	b = appendString(b, 4, c.Author.Email)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Author.When.UnixNano()))
	b = appendString(b, 6, c.Committer.Name)
	b = appendString(b, 7, c.Committer.Email)
	b = appendString(b, 8, c.Message)
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Committer.When.UnixNano()))
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Encode serializes an object and returns its encoding and hash.
func Encode(o Object) ([]byte, Hash) {
	var out []byte
	out = protowire.AppendTag(out, 1, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(o.Kind()))
	out = protowire.AppendTag(out, 2, protowire.BytesType)
	out = protowire.AppendBytes(out, o.appendBody(nil))
	return out, Sum(out)
}

// Decode parses an encoding produced by Encode.
func Decode(data []byte) (Object, error) {
	var (
		kind Kind
		body []byte
	)
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			kind = Kind(n)
		case num == 2 && typ == protowire.BytesType:
			body = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindBlob:
		return &Blob{Data: append([]byte(nil), body...)}, nil
	case KindTree:
		return decodeTree(body)
	case KindCommit:
		return decodeCommit(body)
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrCorrupt, kind)
	}
}

// DecodeTree decodes data and requires it to be a tree.
func DecodeTree(data []byte) (*Tree, error) {
	o, err := Decode(data)
	if err != nil {
		return nil, err
	}
	t, ok := o.(*Tree)
	if !ok {
		return nil, fmt.Errorf("%w: want tree, got %s", ErrUnexpectedKind, o.Kind())
	}
	return t, nil
}

// DecodeCommit decodes data and requires it to be a commit.
func DecodeCommit(data []byte) (*Commit, error) {
	o, err := Decode(data)
	if err != nil {
		return nil, err
	}
	c, ok := o.(*Commit)
	if !ok {
		return nil, fmt.Errorf("%w: want commit, got %s", ErrUnexpectedKind, o.Kind())
	}
	return c, nil
}

// DecodeBlob decodes data and requires it to be a blob.
func DecodeBlob(data []byte) (*Blob, error) {
	o, err := Decode(data)
	if err != nil {
		return nil, err
	}
	b, ok := o.(*Blob)
	if !ok {
		return nil, fmt.Errorf("%w: want blob, got %s", ErrUnexpectedKind, o.Kind())
	}
	return b, nil
}

// References returns the hashes an object points at.
func References(o Object) []Hash {
	switch v := o.(type) {
	case *Tree:
		refs := make([]Hash, 0, len(v.Entries))
		for _, e := range v.Entries {
			refs = append(refs, e.Hash)
		}
		return refs
	case *Commit:
		refs := make([]Hash, 0, 1+len(v.Parents))
		refs = append(refs, v.Tree)
		return append(refs, v.Parents...)
	default:
		return nil
	}
}

func decodeTree(body []byte) (*Tree, error) {
	t := &Tree{}
	err := walkFields(body, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != 1 || typ != protowire.BytesType {
			return nil
		}
		var e TreeEntry
		err := walkFields(v, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
			switch {
			case num == 1 && typ == protowire.BytesType:
				e.Name = string(v)
			case num == 2 && typ == protowire.BytesType:
				h, err := HashFromBytes(v)
				if err != nil {
					return fmt.Errorf("%w: tree entry: %v", ErrCorrupt, err)
				}
				e.Hash = h
			case num == 3 && typ == protowire.VarintType:
				e.Mode = Mode(n)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if e.Name == "" || strings.Contains(e.Name, "/") {
			return fmt.Errorf("%w: invalid tree entry name %q", ErrCorrupt, e.Name)
		}
		if e.Mode != ModeBlob && e.Mode != ModeTree {
			return fmt.Errorf("%w: invalid mode %d for %q", ErrCorrupt, e.Mode, e.Name)
		}
		if n := len(t.Entries); n > 0 && t.Entries[n-1].Name >= e.Name {
			return fmt.Errorf("%w: tree entries not sorted at %q", ErrCorrupt, e.Name)
		}
		t.Entries = append(t.Entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func decodeCommit(body []byte) (*Commit, error) {
	c := &Commit{}
	var authorNanos, committerNanos uint64
	err := walkFields(body, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1, 2:
			h, err := HashFromBytes(v)
			if err != nil {
				return fmt.Errorf("%w: commit: %v", ErrCorrupt, err)
			}
			if num == 1 {
				c.Tree = h
			} else {
				c.Parents = append(c.Parents, h)
			}
		case 3:
			c.Author.Name = string(v)
		case 4:
			c.Author.Email = string(v)
		case 5:
			authorNanos = n
		case 6:
			c.Committer.Name = string(v)
		case 7:
			c.Committer.Email = string(v)
		case 8:
			c.Message = string(v)
		case 9:
			committerNanos = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.Author.When = time.Unix(0, int64(authorNanos)).UTC()
	c.Committer.When = time.Unix(0, int64(committerNanos)).UTC()
	return c, nil
}

// walkFields calls fn for every top-level field in a wire message. For
// bytes fields v holds the payload; for varint fields n holds the value.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(tagLen))
		}
		b = b[tagLen:]

		var (
			v   []byte
			n   uint64
			adv int
		)
		switch typ {
		case protowire.VarintType:
			n, adv = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v, adv = protowire.ConsumeBytes(b)
		default:
			adv = protowire.ConsumeFieldValue(num, typ, b)
		}
		if adv < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(adv))
		}
		b = b[adv:]

		if err := fn(num, typ, v, n); err != nil {
			return err
		}
	}
	return nil
}
