// Package store persists device configuration in a bbolt database. Each
// device owns a bucket holding one CBOR encoded record per saved property.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"skybus/pkg/property"
)

var ErrNotFound = errors.New("not found")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// record is the persisted form of a property. Only values survive a restart;
// limits, labels and state are rebuilt by the driver.
type record struct {
	Type  int          `cbor:"1,keyasint"`
	Items []itemRecord `cbor:"2,keyasint"`
	Saved int64        `cbor:"3,keyasint,omitempty"`
}

type itemRecord struct {
	Name   string   `cbor:"1,keyasint"`
	Text   *string  `cbor:"2,keyasint,omitempty"`
	Number *float64 `cbor:"3,keyasint,omitempty"`
	Switch *bool    `cbor:"4,keyasint,omitempty"`
}

type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return New(db), nil
}

func New(db *bolt.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveProperty stores the item values of p under its device bucket.
func (s *Store) SaveProperty(p *property.Property) error {
	rec := record{Type: int(p.Type), Saved: time.Now().Unix()}
	for i := range p.Items {
		item := &p.Items[i]
		ir := itemRecord{Name: item.Name}
		switch v := item.Value.(type) {
		case *property.TextValue:
			text := v.Value
			ir.Text = &text
		case *property.NumberValue:
			n := v.Value
			ir.Number = &n
		case *property.SwitchValue:
			on := v.On
			ir.Switch = &on
		default:
			continue
		}
		rec.Items = append(rec.Items, ir)
	}

	value, err := encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(p.Device))
		if err != nil {
			return err
		}
		return b.Put([]byte(p.Name), value)
	})
}

// LoadProperty applies stored values to p. It returns ErrNotFound when
// nothing was saved for p.
func (s *Store) LoadProperty(p *property.Property) error {
	var rec record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(p.Device))
		if b == nil {
			return ErrNotFound
		}
		value := b.Get([]byte(p.Name))
		if value == nil {
			return ErrNotFound
		}
		return decMode.Unmarshal(value, &rec)
	})
	if err != nil {
		return err
	}
	if property.Type(rec.Type) != p.Type {
		return fmt.Errorf("stored %s has type %s, expected %s", p, property.Type(rec.Type), p.Type)
	}

	src := &property.Property{Device: p.Device, Name: p.Name, Type: p.Type}
	for _, ir := range rec.Items {
		item := property.Item{Name: ir.Name}
		switch {
		case ir.Text != nil:
			item.Value = &property.TextValue{Value: *ir.Text}
		case ir.Number != nil:
			item.Value = &property.NumberValue{Value: *ir.Number}
		case ir.Switch != nil:
			item.Value = &property.SwitchValue{On: *ir.Switch}
		default:
			continue
		}
		src.Items = append(src.Items, item)
	}
	return p.CopyValues(src, false)
}

// DeleteProperty removes the saved values of device/name.
func (s *Store) DeleteProperty(device, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(device))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(name))
	})
}

// DeleteDevice removes everything saved for device.
func (s *Store) DeleteDevice(device string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(device))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Properties lists the names of the saved properties of device.
func (s *Store) Properties(device string) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(device))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}
