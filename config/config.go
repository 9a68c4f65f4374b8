// Package config loads the recognized engine options through viper.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"ember/engine"
)

// Server carries the full server configuration: the engine plus the
// control surface and event broadcasting.
type Server struct {
	Engine engine.Config

	// ListenAddr is the gRPC control surface address.
	ListenAddr string
	// KafkaBrokers enables the snapshot event broadcaster when
	// non-empty.
	KafkaBrokers []string
	// KafkaTopic is the snapshot event topic.
	KafkaTopic string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("snapshot.snapshot_interval_milliseconds", 60_000)
	v.SetDefault("snapshot.folder_path_pattern", "snapshots/node_$NODE$")
	v.SetDefault("log.loggers_per_node", 1)
	v.SetDefault("thread.group_count", 1)
	v.SetDefault("memory.page_pool_size_mb_per_node", 128)
	v.SetDefault("server.listen_addr", ":50051")
	v.SetDefault("server.kafka_topic", "ember.snapshots")
	v.SetDefault("server.data_path", "data")
}

// Load reads the configuration file (optional) and resolves every
// recognized option.
func Load(path string) (*Server, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
	}
	return resolve(v)
}

func resolve(v *viper.Viper) (*Server, error) {
	cfg := &Server{
		Engine: engine.Config{
			Nodes:                 uint16(v.GetUint32("thread.group_count")),
			LoggersPerNode:        uint16(v.GetUint32("log.loggers_per_node")),
			PagePoolBytesPerNode:  uint64(v.GetUint32("memory.page_pool_size_mb_per_node")) << 20,
			SnapshotInterval:      time.Duration(v.GetUint32("snapshot.snapshot_interval_milliseconds")) * time.Millisecond,
			SnapshotFolderPattern: v.GetString("snapshot.folder_path_pattern"),
			DataPath:              v.GetString("server.data_path"),
		},
		ListenAddr:   v.GetString("server.listen_addr"),
		KafkaBrokers: v.GetStringSlice("server.kafka_brokers"),
		KafkaTopic:   v.GetString("server.kafka_topic"),
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Server) error {
	if cfg.Engine.Nodes == 0 {
		return errors.New("config: thread.group_count must be at least 1")
	}
	if cfg.Engine.LoggersPerNode == 0 {
		return errors.New("config: log.loggers_per_node must be at least 1")
	}
	if cfg.Engine.PagePoolBytesPerNode < 2<<20 {
		return errors.New("config: memory.page_pool_size_mb_per_node must be at least 2")
	}
	if cfg.Engine.SnapshotInterval <= 0 {
		return errors.New("config: snapshot.snapshot_interval_milliseconds must be positive")
	}
	return nil
}
