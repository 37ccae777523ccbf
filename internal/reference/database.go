package reference

import (
	"fmt"
	"sync"
)

// Database is an ordered collection of reference images with unique names.
// It accepts changes until Lock is called (training), after which it is
// read-only until Unlock.
type Database struct {
	mu     sync.RWMutex
	images []*Image
	locked bool
}

// NewDatabase creates an empty database.
func NewDatabase() *Database {
	return &Database{
		images: make([]*Image, 0),
	}
}

// Add inserts the entries in order. Either all entries are added or none:
// an invalid entry, a duplicate name (against the database or within the
// batch) or a locked database rejects the whole batch.
func (db *Database) Add(entries ...Entry) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.locked {
		return ErrDatabaseLocked
	}

	seen := make(map[string]struct{}, len(db.images)+len(entries))
	for _, img := range db.images {
		seen[img.name] = struct{}{}
	}

	batch := make([]*Image, 0, len(entries))
	for _, e := range entries {
		img, err := newImage(e)
		if err != nil {
			return err
		}
		if _, dup := seen[img.name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateName, img.name)
		}
		seen[img.name] = struct{}{}
		batch = append(batch, img)
	}

	db.images = append(db.images, batch...)
	return nil
}

// Remove deletes an image by name.
func (db *Database) Remove(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.locked {
		return ErrDatabaseLocked
	}
	for i, img := range db.images {
		if img.name == name {
			db.images = append(db.images[:i], db.images[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Clear removes every image.
func (db *Database) Clear() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.locked {
		return ErrDatabaseLocked
	}
	db.images = db.images[:0]
	return nil
}

// Len returns the number of images.
func (db *Database) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.images)
}

// At returns the image at index i, or nil when out of range.
func (db *Database) At(i int) *Image {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if i < 0 || i >= len(db.images) {
		return nil
	}
	return db.images[i]
}

// Find returns the image with the given name.
func (db *Database) Find(name string) (*Image, bool) {
	i := db.Index(name)
	if i < 0 {
		return nil, false
	}
	return db.At(i), true
}

// Index returns the position of the named image, or -1.
func (db *Database) Index(name string) int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for i, img := range db.images {
		if img.name == name {
			return i
		}
	}
	return -1
}

// All returns a snapshot of the images in insertion order.
func (db *Database) All() []*Image {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*Image, len(db.images))
	copy(out, db.images)
	return out
}

// Names returns the image names in insertion order.
func (db *Database) Names() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, len(db.images))
	for i, img := range db.images {
		names[i] = img.name
	}
	return names
}

// Lock makes the database read-only. It fails if the database is empty.
func (db *Database) Lock() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.images) == 0 {
		return ErrEmptyDatabase
	}
	db.locked = true
	return nil
}

// Unlock makes the database writable again.
func (db *Database) Unlock() {
	db.mu.Lock()
	db.locked = false
	db.mu.Unlock()
}

// Locked reports whether the database is read-only.
func (db *Database) Locked() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.locked
}
