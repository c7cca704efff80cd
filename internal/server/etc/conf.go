package etc

import (
	"encoding/json"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/calyxdb/calyx/internal/replica"
	"github.com/calyxdb/calyx/internal/shard"
)

type ServerConf struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	MetricsAddr string `json:"metrics_addr"`
	LogLevel    string `json:"log_level"`
	StateDir    string `json:"state_dir"`

	Store   shard.Config   `json:"store"`
	Replica replica.Config `json:"replica"`
}

func MakeDefaultConfig() ServerConf {
	return ServerConf{
		Host:        "127.0.0.1",
		Port:        8710,
		MetricsAddr: "0.0.0.0:9091",
		LogLevel:    "info",
		StateDir:    "/data/calyx/state",
		Store: shard.Config{
			NumShards:          16,
			VirtualNodes:       150,
			BasePath:           "/data/calyx/shards",
			SyncWAL:            true,
			BloomExpectedItems: 100000,
			BloomFPRate:        0.01,
			LogLevel:           "info",
		},
		Replica: replica.Config{
			ElectionTimeoutMinMs: 150,
			ElectionTimeoutMaxMs: 300,
			HeartbeatIntervalMs:  50,
		},
	}
}

func ParseServerConf(confPath string) ServerConf {
	confBytes, err := os.ReadFile(confPath)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	conf := MakeDefaultConfig()
	if err := json.Unmarshal(confBytes, &conf); err != nil {
		log.Fatalf("failed to parse config file: %v", err)
	}
	return conf
}
