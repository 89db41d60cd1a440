// Package store implements the Status Store: the authoritative, consistent
// record of devices, positions, containers and step history. Store is the
// narrow interface every other component
// depends on; BoltStore is its bbolt-backed implementation.
package store

import "github.com/cuemby/labord/pkg/types"

// Store defines the interface for laboratory state persistence. Every
// subsystem that needs device, position, container or history state goes
// through it — nothing mutates bbolt directly outside this package.
type Store interface {
	// Devices
	CreateDevice(device *types.Device) error
	GetDevice(name string) (*types.Device, error)
	ListDevices() ([]*types.Device, error)
	UpdateDevice(device *types.Device) error
	DeleteDevice(name string) error

	// Containers and positions. MoveContainer, Unlid and Lid are atomic:
	// each runs inside a single bbolt transaction so the position-occupancy
	// invariant is never observable as violated, even partially.
	AddContainer(container *types.Container) error
	MoveContainer(srcDevice string, srcSlot int, dstDevice string, dstSlot int, barcode string) error
	Unlid(containerID, lidDevice string, lidSlot int) error
	Lid(containerID string, lidDevice string, lidSlot int, checkCoords bool) error
	PositionEmpty(device string, slot int) (bool, error)
	ContainerAt(device string, slot int) (*types.Container, error)
	ContainerByBarcode(barcode string) (*types.Container, error)
	GetContainer(id string) (*types.Container, error)
	ListContainers() ([]*types.Container, error)
	RemoveContainer(id string) error
	WipeLab() error

	// Processes
	CreateProcess(process *types.Process) error
	GetProcess(id string) (*types.Process, error)
	ListProcesses() ([]*types.Process, error)
	UpdateProcess(process *types.Process) error
	DeleteProcess(id string) error

	// Experiments group the history records of one workflow execution.
	CreateExperiment(experiment *types.Experiment) error
	GetExperiment(id string) (*types.Experiment, error)

	// History is append-only: record_step(step, container?, experiment_id).
	RecordStep(record *types.HistoryRecord) error
	ListHistory() ([]*types.HistoryRecord, error)
	ListHistoryByProcess(processID string) ([]*types.HistoryRecord, error)

	// Per-device certificates.
	SaveCertificate(cert *types.Certificate) error
	GetCertificate(deviceName string) (*types.Certificate, error)
	ListCertificates() ([]*types.Certificate, error)

	// Certificate authority material, consumed by pkg/security.
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	Close() error
}
