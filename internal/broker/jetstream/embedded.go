package jetstream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// EmbeddedConfig holds settings for the in-process NATS server used in
// development and single-node deployments.
type EmbeddedConfig struct {
	DataDir    string
	Host       string
	Port       int
	StreamName string
	Subjects   []string
	MaxAge     time.Duration
}

func DefaultEmbeddedConfig() *EmbeddedConfig {
	return &EmbeddedConfig{
		DataDir:    "./data/nats",
		Host:       "127.0.0.1",
		Port:       4222,
		StreamName: "RELAY",
		Subjects:   []string{"relay.>"},
		MaxAge:     24 * time.Hour,
	}
}

// EmbeddedServer runs a NATS server with JetStream inside the router
// process and keeps a client connection to it.
type EmbeddedServer struct {
	server *server.Server
	conn   *nats.Conn
	js     jetstream.JetStream
	config *EmbeddedConfig
}

// StartEmbeddedServer boots the server, connects, and ensures the stream.
func StartEmbeddedServer(cfg *EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg == nil {
		cfg = DefaultEmbeddedConfig()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	ns, err := server.NewServer(&server.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server did not start within timeout")
	}

	slog.Info("Embedded NATS server started",
		"host", cfg.Host, "port", cfg.Port, "dataDir", cfg.DataDir)

	conn, err := nats.Connect(fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.Port),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	e := &EmbeddedServer{server: ns, conn: conn, js: js, config: cfg}
	if err := e.ensureStream(context.Background()); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *EmbeddedServer) ensureStream(ctx context.Context) error {
	streamCfg := jetstream.StreamConfig{
		Name:      e.config.StreamName,
		Subjects:  e.config.Subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    e.config.MaxAge,
		Replicas:  1,
		Discard:   jetstream.DiscardOld,
		MaxMsgs:   -1,
		MaxBytes:  -1,
	}

	if _, err := e.js.Stream(ctx, e.config.StreamName); err != nil {
		if _, err := e.js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("create stream %s: %w", e.config.StreamName, err)
		}
		slog.Info("Created JetStream stream", "stream", e.config.StreamName)
		return nil
	}

	if _, err := e.js.UpdateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("update stream %s: %w", e.config.StreamName, err)
	}
	return nil
}

// Connection returns the client connection into the embedded server.
func (e *EmbeddedServer) Connection() *nats.Conn { return e.conn }

// Publish writes a pointer body onto a subject; used by local tooling.
func (e *EmbeddedServer) Publish(ctx context.Context, subject string, data []byte, group string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	if group != "" {
		msg.Header.Set(MessageGroupHeader, group)
	}
	_, err := e.js.PublishMsg(ctx, msg)
	return err
}

// Close shuts the connection and the server down.
func (e *EmbeddedServer) Close() error {
	if e.conn != nil {
		e.conn.Close()
	}
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
	slog.Info("Embedded NATS server stopped")
	return nil
}
