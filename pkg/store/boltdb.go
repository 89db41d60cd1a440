package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/labord/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices      = []byte("devices")
	bucketPositions    = []byte("positions") // "<device>/<slot>" -> container id, lid index
	bucketContainers   = []byte("containers")
	bucketBarcodes     = []byte("barcodes") // barcode -> container id
	bucketProcesses    = []byte("processes")
	bucketExperiments  = []byte("experiments")
	bucketSteps        = []byte("steps")
	bucketCertificates = []byte("certificates")
	bucketCA           = []byte("ca")
)

// BoltStore implements Store using bbolt: one bucket per entity, with a
// Put-JSON/Get-Unmarshal/ForEach-scan CRUD shape.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir and
// ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "labord.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketDevices, bucketPositions, bucketContainers, bucketBarcodes,
			bucketProcesses, bucketExperiments, bucketSteps, bucketCertificates,
			bucketCA,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func posKey(device string, slot int) []byte {
	return []byte(fmt.Sprintf("%s/%d", device, slot))
}

// --- Devices ---

func (s *BoltStore) CreateDevice(d *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(d.Name), data)
	})
}

func (s *BoltStore) GetDevice(name string) (*types.Device, error) {
	var d types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(name))
		if data == nil {
			return types.ErrUnknownDevice
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) ListDevices() ([]*types.Device, error) {
	var devices []*types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var d types.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			devices = append(devices, &d)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(d *types.Device) error { return s.CreateDevice(d) }

func (s *BoltStore) DeleteDevice(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(name))
	})
}

// --- Containers and positions ---

func (s *BoltStore) AddContainer(c *types.Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		positions := tx.Bucket(bucketPositions)
		key := posKey(c.CurrentPos.Device, c.CurrentPos.Slot)
		if positions.Get(key) != nil {
			return types.ErrPositionOccupied
		}
		if tx.Bucket(bucketDevices).Get([]byte(c.CurrentPos.Device)) == nil {
			return types.ErrUnknownDevice
		}
		if c.Barcode != "" {
			if existing := tx.Bucket(bucketBarcodes).Get([]byte(c.Barcode)); existing != nil {
				return types.ErrBarcodeCollision
			}
			if err := tx.Bucket(bucketBarcodes).Put([]byte(c.Barcode), []byte(c.ID)); err != nil {
				return err
			}
		}
		if err := positions.Put(key, []byte(c.ID)); err != nil {
			return err
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketContainers).Put([]byte(c.ID), data)
	})
}

func (s *BoltStore) getContainerTx(tx *bolt.Tx, id string) (*types.Container, error) {
	data := tx.Bucket(bucketContainers).Get([]byte(id))
	if data == nil {
		return nil, types.ErrContainerNotFound
	}
	var c types.Container
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) putContainerTx(tx *bolt.Tx, c *types.Container) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketContainers).Put([]byte(c.ID), data)
}

// MoveContainer atomically relocates one container, enforcing that the
// destination is empty and (if a barcode is supplied) that it matches the
// container currently at the source.
func (s *BoltStore) MoveContainer(srcDevice string, srcSlot int, dstDevice string, dstSlot int, barcode string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		positions := tx.Bucket(bucketPositions)
		srcKey := posKey(srcDevice, srcSlot)
		dstKey := posKey(dstDevice, dstSlot)

		containerID := positions.Get(srcKey)
		if containerID == nil {
			return types.ErrSourceEmpty
		}
		if positions.Get(dstKey) != nil {
			return types.ErrDestOccupied
		}
		if tx.Bucket(bucketDevices).Get([]byte(dstDevice)) == nil {
			return types.ErrUnknownDevice
		}

		c, err := s.getContainerTx(tx, string(containerID))
		if err != nil {
			return err
		}
		if barcode != "" && c.Barcode != barcode {
			return types.ErrBarcodeMismatch
		}

		if err := positions.Delete(srcKey); err != nil {
			return err
		}
		if err := positions.Put(dstKey, containerID); err != nil {
			return err
		}
		c.CurrentPos = types.Position{Device: dstDevice, Slot: dstSlot}
		return s.putContainerTx(tx, c)
	})
}

// Unlid parks a container's lid at lidDevice/lidSlot, marking the container
// unlidded. The lid does not occupy the container-position index — lids and
// containers share the namespace only at their own coordinates, which are
// tracked on the Container row, not double-booked against another container.
func (s *BoltStore) Unlid(containerID, lidDevice string, lidSlot int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := s.getContainerTx(tx, containerID)
		if err != nil {
			return err
		}
		if !c.Lidded {
			return types.NewError(types.ErrStateConflict, "container already unlidded")
		}
		positions := tx.Bucket(bucketPositions)
		key := posKey(lidDevice, lidSlot)
		if positions.Get(key) != nil {
			return types.ErrPositionOccupied
		}
		if err := positions.Put(key, []byte("lid:"+containerID)); err != nil {
			return err
		}
		c.Lidded = false
		c.LidPos = &types.Position{Device: lidDevice, Slot: lidSlot}
		return s.putContainerTx(tx, c)
	})
}

// Lid restores a container to lidded state, releasing its parked lid
// position. If checkCoords is set, the supplied coordinates must match
// c.LidPos exactly.
func (s *BoltStore) Lid(containerID string, lidDevice string, lidSlot int, checkCoords bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := s.getContainerTx(tx, containerID)
		if err != nil {
			return err
		}
		if c.Lidded || c.LidPos == nil {
			return types.NewError(types.ErrStateConflict, "container has no parked lid")
		}
		if checkCoords && (c.LidPos.Device != lidDevice || c.LidPos.Slot != lidSlot) {
			return types.NewError(types.ErrStateConflict, "lid not where expected")
		}
		positions := tx.Bucket(bucketPositions)
		if err := positions.Delete(posKey(c.LidPos.Device, c.LidPos.Slot)); err != nil {
			return err
		}
		c.Lidded = true
		c.LidPos = nil
		return s.putContainerTx(tx, c)
	})
}

func (s *BoltStore) PositionEmpty(device string, slot int) (bool, error) {
	empty := true
	err := s.db.View(func(tx *bolt.Tx) error {
		empty = tx.Bucket(bucketPositions).Get(posKey(device, slot)) == nil
		return nil
	})
	return empty, err
}

func (s *BoltStore) ContainerAt(device string, slot int) (*types.Container, error) {
	var c *types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketPositions).Get(posKey(device, slot))
		if id == nil {
			return nil
		}
		found, err := s.getContainerTx(tx, string(id))
		if err != nil {
			return err
		}
		c = found
		return nil
	})
	return c, err
}

func (s *BoltStore) ContainerByBarcode(barcode string) (*types.Container, error) {
	var c *types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketBarcodes).Get([]byte(barcode))
		if id == nil {
			return types.ErrContainerNotFound
		}
		found, err := s.getContainerTx(tx, string(id))
		if err != nil {
			return err
		}
		c = found
		return nil
	})
	return c, err
}

func (s *BoltStore) GetContainer(id string) (*types.Container, error) {
	var c *types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := s.getContainerTx(tx, id)
		if err != nil {
			return err
		}
		c = found
		return nil
	})
	return c, err
}

func (s *BoltStore) ListContainers() ([]*types.Container, error) {
	var containers []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if !c.Removed {
				containers = append(containers, &c)
			}
			return nil
		})
	})
	return containers, err
}

// RemoveContainer marks a container removed and releases its position (and
// any parked lid), without deleting its history row — rows are append-only.
func (s *BoltStore) RemoveContainer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := s.getContainerTx(tx, id)
		if err != nil {
			return err
		}
		positions := tx.Bucket(bucketPositions)
		if err := positions.Delete(posKey(c.CurrentPos.Device, c.CurrentPos.Slot)); err != nil {
			return err
		}
		if c.LidPos != nil {
			if err := positions.Delete(posKey(c.LidPos.Device, c.LidPos.Slot)); err != nil {
				return err
			}
		}
		if c.Barcode != "" {
			if err := tx.Bucket(bucketBarcodes).Delete([]byte(c.Barcode)); err != nil {
				return err
			}
		}
		c.Removed = true
		return s.putContainerTx(tx, c)
	})
}

// WipeLab resets every entity bucket to empty; used by full lab reset.
func (s *BoltStore) WipeLab() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketDevices, bucketPositions, bucketContainers, bucketBarcodes,
			bucketProcesses, bucketExperiments, bucketSteps, bucketCertificates,
		} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Processes ---

func (s *BoltStore) CreateProcess(p *types.Process) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProcesses).Put([]byte(p.ID), data)
	})
}

func (s *BoltStore) GetProcess(id string) (*types.Process, error) {
	var p types.Process
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProcesses).Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrStateConflict, "process not found: "+id)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListProcesses() ([]*types.Process, error) {
	var processes []*types.Process
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProcesses).ForEach(func(k, v []byte) error {
			var p types.Process
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			processes = append(processes, &p)
			return nil
		})
	})
	return processes, err
}

func (s *BoltStore) UpdateProcess(p *types.Process) error { return s.CreateProcess(p) }

func (s *BoltStore) DeleteProcess(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProcesses).Delete([]byte(id))
	})
}

// --- Experiments ---

func (s *BoltStore) CreateExperiment(e *types.Experiment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketExperiments).Put([]byte(e.ID), data)
	})
}

func (s *BoltStore) GetExperiment(id string) (*types.Experiment, error) {
	var e types.Experiment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExperiments).Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrStateConflict, "experiment not found: "+id)
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// --- History ---

func (s *BoltStore) RecordStep(rec *types.HistoryRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSteps).Put([]byte(rec.ID), data)
	})
}

func (s *BoltStore) ListHistory() ([]*types.HistoryRecord, error) {
	var records []*types.HistoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSteps).ForEach(func(k, v []byte) error {
			var r types.HistoryRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			records = append(records, &r)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) ListHistoryByProcess(processID string) ([]*types.HistoryRecord, error) {
	all, err := s.ListHistory()
	if err != nil {
		return nil, err
	}
	var filtered []*types.HistoryRecord
	for _, r := range all {
		if r.ProcessID == processID {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// --- Certificates ---

func (s *BoltStore) SaveCertificate(cert *types.Certificate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cert)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCertificates).Put([]byte(cert.DeviceName), data)
	})
}

func (s *BoltStore) GetCertificate(deviceName string) (*types.Certificate, error) {
	var cert types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCertificates).Get([]byte(deviceName))
		if data == nil {
			return types.NewError(types.ErrStateConflict, "no certificate for device: "+deviceName)
		}
		return json.Unmarshal(data, &cert)
	})
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *BoltStore) ListCertificates() ([]*types.Certificate, error) {
	var certs []*types.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCertificates).ForEach(func(k, v []byte) error {
			var cert types.Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				return err
			}
			certs = append(certs, &cert)
			return nil
		})
	})
	return certs, err
}

// --- Certificate authority ---

func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put([]byte("ca"), data)
	})
}

func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCA).Get([]byte("ca"))
		if v == nil {
			return fmt.Errorf("CA not found")
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}
