package common

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "01234567890123456789012345678901"

func validConfig() ServerConfig {
	c := DefaultServerConfig()
	c.AuthSecret = testSecret
	return c
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *ServerConfig)
		wantErr string
	}{
		{"defaults with secret", func(c *ServerConfig) {}, ""},
		{"missing secret", func(c *ServerConfig) { c.AuthSecret = "" }, "auth secret"},
		{"short secret", func(c *ServerConfig) { c.AuthSecret = "short" }, "auth secret"},
		{"no gateway", func(c *ServerConfig) { c.GatewayEndpoint = "" }, "gateway endpoint"},
		{"zero player tick", func(c *ServerConfig) { c.PlayerTickMs = 0 }, "tick"},
		{"zero monster tick", func(c *ServerConfig) { c.MonsterTickMs = 0 }, "tick"},
		{"bad log level", func(c *ServerConfig) { c.LogLevel = "loud" }, "log level"},
		{"raft replica missing", func(c *ServerConfig) {
			c.PersistenceSink = SinkTypeRaft
			c.ReplicaID = 9
		}, "replica id 9"},
		{"raft replica present", func(c *ServerConfig) { c.PersistenceSink = SinkTypeRaft }, ""},
		{"memory sink ignores members", func(c *ServerConfig) { c.ReplicaID = 9 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %v does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseSinkType(t *testing.T) {
	tests := []struct {
		in      string
		want    SinkType
		wantErr bool
	}{
		{"memory", SinkTypeMemory, false},
		{"RAFT", SinkTypeRaft, false},
		{"badger", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSinkType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDerivedConfigs(t *testing.T) {
	c := validConfig()

	rc := c.RuntimeConfig()
	if rc.PlayerTick != 50*time.Millisecond || rc.MonsterTick != 150*time.Millisecond {
		t.Errorf("ticks %s/%s", rc.PlayerTick, rc.MonsterTick)
	}
	if rc.TransferTTL != 30*time.Second || rc.SweepInterval != 5*time.Second {
		t.Errorf("transfer ttl %s sweep %s", rc.TransferTTL, rc.SweepInterval)
	}
	if rc.RateLimit != 30 || rc.RateBurst != 60 {
		t.Errorf("rate %v burst %d", rc.RateLimit, rc.RateBurst)
	}

	pc := c.PersistenceConfig()
	if pc.FlushTick != 2*time.Second || pc.MaxFlushLag != 15*time.Second || pc.MaxBatchSize != 300 {
		t.Errorf("unexpected persistence config %+v", pc)
	}

	dc := c.ToDragonboatConfig()
	if dc.ShardID != c.ShardID || dc.ReplicaID != c.ReplicaID {
		t.Errorf("dragonboat ids %d/%d", dc.ShardID, dc.ReplicaID)
	}
	if dc.ElectionRTT != electionRTTFactor || dc.HeartbeatRTT != heartbeatRTTFactor || !dc.CheckQuorum {
		t.Errorf("unexpected dragonboat config %+v", dc)
	}

	nc := c.ToNodeHostConfig()
	if nc.RaftAddress != "localhost:63001" || nc.NodeHostDir != c.DataDir || nc.RTTMillisecond != 100 {
		t.Errorf("unexpected nodehost config %+v", nc)
	}
}

func TestServerConfigString(t *testing.T) {
	c := validConfig()
	out := c.String()
	for _, want := range []string{"GATEWAYS", "0.0.0.0:6000", "(disabled)", "built-in", "Welcome to MU", "memory"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "RAFT PARAMETERS") {
		t.Error("memory sink prints raft parameters")
	}
	if strings.Contains(out, testSecret) {
		t.Error("secret is printed")
	}

	c.PersistenceSink = SinkTypeRaft
	c.ClusterMembers = map[uint64]string{2: "b:63002", 1: "localhost:63001"}
	out = c.String()
	if !strings.Contains(out, "RAFT PARAMETERS") {
		t.Error("raft sink does not print raft parameters")
	}
	if strings.Index(out, "Node 1:") > strings.Index(out, "Node 2:") {
		t.Error("cluster members are not sorted")
	}
}
