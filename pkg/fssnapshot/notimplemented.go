package fssnapshot

import (
	"errors"
)

var errNotImplemented = errors.New("snapshotting not implemented on this platform")

// placeholder backend for platforms where no real snapshot mechanism is wired yet.
// every operation fails loudly instead of pretending to have snapshotted anything.
func NotImplementedProvider() Provider {
	return &notImplementedProvider{}
}

type notImplementedProvider struct{}

func (n *notImplementedProvider) Create(volume string, description string) (*Snapshot, error) {
	return nil, errNotImplemented
}

func (n *notImplementedProvider) List(volume string) ([]Snapshot, error) {
	return nil, errNotImplemented
}

func (n *notImplementedProvider) Delete(id string) error {
	return errNotImplemented
}

func (n *notImplementedProvider) ResolvePath(id string, volume string) (string, error) {
	return "", errNotImplemented
}
