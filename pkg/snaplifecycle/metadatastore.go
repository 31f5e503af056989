package snaplifecycle

import (
	"io"
	"os"

	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/jsonfile"
)

// snapshot id => human-given description, persisted as a plain JSON object so
// it stays human-inspectable. we keep this ourselves because the snapshot
// backends don't reliably retain human metadata.
type metadataStore struct {
	path         string
	descriptions map[string]string
}

// a missing or unparseable file reads as an empty store - losing descriptions
// is annoying but must never block snapshot operations
func loadMetadataStore(path string) *metadataStore {
	store := &metadataStore{
		path:         path,
		descriptions: map[string]string{},
	}

	file, err := os.Open(path)
	if err != nil {
		return store
	}
	defer file.Close()

	if err := jsonfile.Unmarshal(file, &store.descriptions, false); err != nil {
		store.descriptions = map[string]string{}
	}

	return store
}

func (m *metadataStore) Description(id string) (string, bool) {
	description, found := m.descriptions[id]
	return description, found
}

func (m *metadataStore) Put(id string, description string) error {
	m.descriptions[id] = description

	return m.save()
}

func (m *metadataStore) Remove(id string) error {
	if _, found := m.descriptions[id]; !found {
		return nil
	}

	delete(m.descriptions, id)

	return m.save()
}

func (m *metadataStore) save() error {
	return atomicfilewrite.Write(m.path, func(writer io.Writer) error {
		return jsonfile.Marshal(writer, m.descriptions)
	})
}
