package bus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libresiem/libresiem/pkg/config"
)

func TestPingReachableBroker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	cfg := config.KafkaSettings{BootstrapServers: ln.Addr().String()}
	assert.NoError(t, Ping(context.Background(), cfg))
}

func TestPingUnreachableBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := config.KafkaSettings{BootstrapServers: "127.0.0.1:1"}
	assert.Error(t, Ping(ctx, cfg))
}

func TestPingNoBrokers(t *testing.T) {
	assert.Error(t, Ping(context.Background(), config.KafkaSettings{}))
}
