// Package engine owns module lifecycle: it constructs the
// collaborators in dependency order, flips the initialized flag the
// snapshot daemon spins on, and winds everything down in reverse.
package engine

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"ember/epoch"
	"ember/log"
	"ember/memory"
	"ember/metrics"
	"ember/savepoint"
	"ember/snapshot"
	"ember/storage"
	"ember/storage/array"
	"ember/xct"
)

// ErrDependencyNotReady distinguishes init/uninit ordering bugs from
// runtime failures.
var ErrDependencyNotReady = errors.New("engine: dependent module unavailable")

// Config is the resolved engine configuration.
type Config struct {
	// Nodes is thread.group_count.
	Nodes uint16
	// LoggersPerNode is log.loggers_per_node.
	LoggersPerNode uint16
	// PagePoolBytesPerNode is memory.page_pool_size_mb_per_node in
	// bytes; at least 2 MB.
	PagePoolBytesPerNode uint64
	// SnapshotInterval is snapshot.snapshot_interval_milliseconds.
	SnapshotInterval time.Duration
	// SnapshotFolderPattern is snapshot.folder_path_pattern with its
	// $NODE$ placeholder.
	SnapshotFolderPattern string
	// DataPath holds the log store and savepoint file.
	DataPath string
}

// Engine is the assembled system.
type Engine struct {
	cfg    Config
	logger logrus.FieldLogger

	Logs     *log.Store
	Storages *storage.Manager
	Memory   *memory.EngineMemory
	Xcts     *xct.Gate
	Saves    *savepoint.BoltManager
	Snapshot *snapshot.Manager
	Metrics  *metrics.SnapshotMetrics

	fileset     *snapshot.FileSet
	nextStorage storage.StorageId
	initialized atomic.Bool
}

// New wires an engine; Initialize starts it.
func New(cfg Config, reg prometheus.Registerer, logger logrus.FieldLogger) *Engine {
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		Metrics: metrics.NewSnapshotMetrics(reg),
	}
}

// IsInitialized reports whether Initialize completed.
func (e *Engine) IsInitialized() bool { return e.initialized.Load() }

// Initialize brings the modules up in dependency order and launches
// the snapshot daemons.
func (e *Engine) Initialize() error {
	if e.initialized.Load() {
		return errors.Wrap(ErrDependencyNotReady, "initializing an initialized engine")
	}
	e.logger.Info("initializing engine")

	var err error
	e.Memory, err = memory.NewEngineMemory(e.cfg.Nodes, e.cfg.PagePoolBytesPerNode, e.logger)
	if err != nil {
		return err
	}
	e.Logs, err = log.OpenStore(filepath.Join(e.cfg.DataPath, "logs"), e.logger)
	if err != nil {
		e.Memory.Close()
		return err
	}
	e.Saves, err = savepoint.Open(filepath.Join(e.cfg.DataPath, "savepoint.db"), e.logger)
	if err != nil {
		_ = e.Logs.Close()
		e.Memory.Close()
		return err
	}
	e.Storages = storage.NewManager()
	e.Xcts = xct.NewGate()
	e.fileset = snapshot.NewFileSet(snapshot.Folders{Pattern: e.cfg.SnapshotFolderPattern})

	e.Snapshot = snapshot.NewManager(
		snapshot.Options{
			SnapshotInterval:  e.cfg.SnapshotInterval,
			FolderPathPattern: e.cfg.SnapshotFolderPattern,
			Nodes:             e.cfg.Nodes,
			LoggersPerNode:    e.cfg.LoggersPerNode,
		},
		snapshot.NewControlBlock(),
		e.Logs,
		e.Storages,
		e.Memory,
		e.Xcts,
		e.Saves,
		e.Metrics,
		e.IsInitialized,
		e.logger,
	)
	e.Snapshot.Start()

	e.nextStorage = 1
	e.initialized.Store(true)
	e.logger.Info("engine initialized")
	return nil
}

// Uninitialize stops the daemons and closes every module in reverse
// order.
func (e *Engine) Uninitialize() error {
	if !e.initialized.Load() {
		return errors.Wrap(ErrDependencyNotReady, "uninitializing an engine that never initialized")
	}
	e.logger.Info("uninitializing engine")
	e.initialized.Store(false)

	e.Snapshot.Stop()
	_ = e.fileset.Close()
	var first error
	if err := e.Saves.Close(); err != nil {
		first = err
	}
	if err := e.Logs.Close(); err != nil && first == nil {
		first = err
	}
	e.Memory.Close()
	return first
}

// CreateArray allocates the next storage id for a new array storage
// and registers it.
func (e *Engine) CreateArray(name string, recordSize uint32, length uint64) (*array.Array, error) {
	a, err := array.New(e.nextStorage, name, recordSize, length, e.cfg.Nodes, e.Memory, e.logger)
	if err != nil {
		return nil, err
	}
	if err := e.Storages.Register(a); err != nil {
		return nil, err
	}
	a.SetPageReader(e.fileset)
	e.nextStorage++
	return a, nil
}

// AttachArray rebuilds an array storage from persisted metadata
// (e.g. after a restart from a snapshot) and registers it.
func (e *Engine) AttachArray(meta *storage.Metadata) (*array.Array, error) {
	a, err := array.FromMetadata(meta, e.cfg.Nodes, e.Memory, e.logger)
	if err != nil {
		return nil, err
	}
	if err := e.Storages.Register(a); err != nil {
		return nil, err
	}
	a.SetPageReader(e.fileset)
	if meta.Id >= e.nextStorage {
		e.nextStorage = meta.Id + 1
	}
	return a, nil
}

// WriteArray runs one overwrite transaction: admission through the
// gate, a durable log record on the owning node's logger, and the
// volatile apply.
func (e *Engine) WriteArray(a *array.Array, index uint64, payload []byte, ep epoch.Epoch) error {
	e.Xcts.Begin()
	defer e.Xcts.End()

	key := array.EncodeKey(index)
	node := a.Partitioner().NodeOf(key)
	loggerIdx := uint16(index % uint64(e.cfg.LoggersPerNode))
	rec := &log.Record{
		StorageId: uint32(a.Id()),
		Kind:      log.KindOverwrite,
		Epoch:     ep,
		Key:       key,
		Payload:   payload,
	}
	if err := e.Logs.Append(node, loggerIdx, rec); err != nil {
		return err
	}
	return a.Write(index, payload, ep)
}
