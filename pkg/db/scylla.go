package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gocql/gocql"
)

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string, log *slog.Logger) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to scylla keyspace %q: %w", keyspace, err)
	}

	log.Info("Connected to ScyllaDB cluster", "keyspace", keyspace)
	return &Session{Session: session}, nil
}

// EnsureKeyspace creates keyspace through the system keyspace. Single node
// replication only; production clusters create theirs out of band.
func EnsureKeyspace(hosts []string, keyspace string, log *slog.Logger) error {
	sys, err := NewSession(hosts, "system", log)
	if err != nil {
		return err
	}
	defer sys.Close()

	q := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`, keyspace)
	if err := sys.Query(q).Exec(); err != nil {
		return fmt.Errorf("failed to create keyspace %q: %w", keyspace, err)
	}
	return nil
}
