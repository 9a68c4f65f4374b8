package snapshot

import (
	"encoding/xml"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"ember/epoch"
	"ember/storage"
)

// Metadata is the persisted description of one snapshot:
// snapshot_metadata_<id>.xml under the primary snapshot folder.
type Metadata struct {
	XMLName          xml.Name            `xml:"snapshot_metadata"`
	Id               SnapshotID          `xml:"id,attr"`
	BaseEpoch        epoch.Epoch         `xml:"base_epoch,attr"`
	ValidUntilEpoch  epoch.Epoch         `xml:"valid_until_epoch,attr"`
	LargestStorageId storage.StorageId   `xml:"largest_storage_id,attr"`
	Storages         []*storage.Metadata `xml:"storage"`
}

// StorageMetadata returns the record for one storage, or nil.
func (m *Metadata) StorageMetadata(id storage.StorageId) *storage.Metadata {
	for _, s := range m.Storages {
		if s.Id == id {
			return s
		}
	}
	return nil
}

// Save serializes the metadata to path and fsyncs both the file and
// its parent directory. An existing previous snapshot stays
// authoritative until this returns.
func (m *Metadata) Save(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "creating metadata file %s", path)
	}
	enc := xml.NewEncoder(f)
	enc.Indent("", "  ")
	if err := enc.Encode(m); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "serializing snapshot metadata")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "fsyncing metadata file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing metadata file")
	}

	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return errors.Wrap(err, "opening metadata folder for fsync")
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return errors.Wrap(err, "fsyncing metadata folder")
	}
	return nil
}

// LoadMetadata reads and parses one metadata file.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading metadata file %s", path)
	}
	m := &Metadata{}
	if err := xml.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, "parsing snapshot metadata")
	}
	return m, nil
}
