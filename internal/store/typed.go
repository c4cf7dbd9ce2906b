package store

import (
	"encoding/json"
	"fmt"
)

// Codec converts a state value to and from its persisted bytes.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec encodes values as JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// Record is the typed form of a State. Output is nil when no output state
// was recorded.
type Record[S, O any] struct {
	Source S
	Output *O
}

// Typed is a typed view over a StateStore.
type Typed[S, O any] struct {
	store *StateStore
	src   Codec[S]
	out   Codec[O]
}

// NewTyped returns a typed view over st using JSON codecs.
func NewTyped[S, O any](st *StateStore) *Typed[S, O] {
	return NewTypedWithCodecs(st, Codec[S](JSONCodec[S]{}), Codec[O](JSONCodec[O]{}))
}

// NewTypedWithCodecs returns a typed view over st using the given codecs.
func NewTypedWithCodecs[S, O any](st *StateStore, src Codec[S], out Codec[O]) *Typed[S, O] {
	return &Typed[S, O]{store: st, src: src, out: out}
}

// Store returns the underlying StateStore.
func (t *Typed[S, O]) Store() *StateStore { return t.store }

// Encode converts r to its persisted form.
func (t *Typed[S, O]) Encode(r Record[S, O]) (*State, error) {
	src, err := t.src.Encode(r.Source)
	if err != nil {
		return nil, fmt.Errorf("store: encode source state: %w", err)
	}
	st := &State{Source: src}
	if r.Output != nil {
		if st.Output, err = t.out.Encode(*r.Output); err != nil {
			return nil, fmt.Errorf("store: encode output state: %w", err)
		}
	}
	return st, nil
}

// Decode converts a persisted State. Undecodable bytes are reported as an
// IOError since they mean the cache is corrupt.
func (t *Typed[S, O]) Decode(st State) (Record[S, O], error) {
	var r Record[S, O]
	src, err := t.src.Decode(st.Source)
	if err != nil {
		return r, &IOError{Op: "decode source state", Path: t.store.path, Err: err}
	}
	r.Source = src
	if st.Output != nil {
		out, err := t.out.Decode(st.Output)
		if err != nil {
			return r, &IOError{Op: "decode output state", Path: t.store.path, Err: err}
		}
		r.Output = &out
	}
	return r, nil
}

// Get returns the record under key, or nil when there is none.
func (t *Typed[S, O]) Get(target int, key string) (*Record[S, O], error) {
	st, err := t.store.Get(target, key)
	if err != nil || st == nil {
		return nil, err
	}
	r, err := t.Decode(*st)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Put stores r under key. A nil r removes the key.
func (t *Typed[S, O]) Put(w StateWriter, target int, key string, r *Record[S, O]) error {
	if r == nil {
		return w.Remove(target, key)
	}
	st, err := t.Encode(*r)
	if err != nil {
		return err
	}
	return w.Put(target, key, st)
}

// Entries returns every record of target keyed by item key.
func (t *Typed[S, O]) Entries(target int) (map[string]Record[S, O], error) {
	entries, err := t.store.Entries(target)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record[S, O], len(entries))
	for _, e := range entries {
		r, err := t.Decode(e.State)
		if err != nil {
			return nil, err
		}
		out[e.Key] = r
	}
	return out, nil
}
