package store

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryStore is an in-process DocumentStore. It backs tests and local
// development runs.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]Document
	subs    map[int]*memorySub
	nextSub int
	entropy *rand.Rand
}

type memorySub struct {
	store  *MemoryStore
	id     int
	prefix string
	fn     ChangeHandler
	once   sync.Once
}

func (s *memorySub) Close() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s.id)
		s.store.mu.Unlock()
	})
}

// NewMemoryStore builds an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:    make(map[string]Document),
		subs:    make(map[int]*memorySub),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MemoryStore) Get(ctx context.Context, path string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (m *MemoryStore) List(ctx context.Context, collection string) ([]Document, error) {
	prefix := strings.TrimSuffix(collection, "/") + "/"
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Document
	for path, doc := range m.docs {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, cloneDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	m.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
	path := strings.TrimSuffix(collection, "/") + "/" + id
	doc := Document{Path: path, Data: cloneData(data), UpdatedAt: time.Now()}
	m.docs[path] = doc
	handlers := m.handlersFor(path)
	m.mu.Unlock()

	dispatch(handlers, Change{Doc: cloneDoc(doc)})
	return id, nil
}

func (m *MemoryStore) Set(ctx context.Context, path string, data map[string]any) error {
	m.mu.Lock()
	doc := Document{Path: path, Data: cloneData(data), UpdatedAt: time.Now()}
	m.docs[path] = doc
	handlers := m.handlersFor(path)
	m.mu.Unlock()

	dispatch(handlers, Change{Doc: cloneDoc(doc)})
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	m.mu.Lock()
	doc, ok := m.docs[path]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	doc.Data = cloneData(doc.Data)
	for k, v := range fields {
		doc.Data[k] = v
	}
	doc.UpdatedAt = time.Now()
	m.docs[path] = doc
	handlers := m.handlersFor(path)
	m.mu.Unlock()

	dispatch(handlers, Change{Doc: cloneDoc(doc)})
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	doc, ok := m.docs[path]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.docs, path)
	handlers := m.handlersFor(path)
	m.mu.Unlock()

	dispatch(handlers, Change{Doc: cloneDoc(doc), Deleted: true})
	return nil
}

func (m *MemoryStore) Subscribe(path string, fn ChangeHandler) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := &memorySub{store: m, id: m.nextSub, prefix: path, fn: fn}
	m.subs[m.nextSub] = sub
	m.nextSub++
	return sub
}

// handlersFor collects subscribers matching path. Caller holds m.mu.
func (m *MemoryStore) handlersFor(path string) []ChangeHandler {
	var out []ChangeHandler
	for _, sub := range m.subs {
		if path == sub.prefix || strings.HasPrefix(path, strings.TrimSuffix(sub.prefix, "/")+"/") {
			out = append(out, sub.fn)
		}
	}
	return out
}

func dispatch(handlers []ChangeHandler, ch Change) {
	for _, fn := range handlers {
		fn(ch)
	}
}

func cloneDoc(doc Document) Document {
	doc.Data = cloneData(doc.Data)
	return doc
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
