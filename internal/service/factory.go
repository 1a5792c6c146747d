package service

import (
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Mschirtzinger/tillsync/internal/metrics"
	"github.com/Mschirtzinger/tillsync/internal/replica"
	"github.com/Mschirtzinger/tillsync/internal/session"
	"github.com/Mschirtzinger/tillsync/internal/transport"
)

// ReplicaPath returns where the local replica for dbID lives under dir.
func ReplicaPath(dir, dbID string) string {
	return filepath.Join(dir, dbID+".db")
}

// SessionConfig holds what every session built by SessionFactory shares.
type SessionConfig struct {
	ReplicasDir string

	// Transport is the template for every session's transport; URL is
	// replaced by the endpoint's.
	Transport transport.Config

	BatchSize    int
	PollInterval time.Duration
	DrainTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// managed is a session that owns its replica handle.
type managed struct {
	*session.Session
	db *replica.DB
}

func (m *managed) Stop() {
	m.Session.Stop()
	_ = m.db.Close()
}

// SessionFactory opens <ReplicasDir>/<dbID>.db and binds it to a session.
func SessionFactory(cfg SessionConfig) Factory {
	return func(dbID string, ep Endpoint) (Runner, error) {
		db, err := replica.Open(ReplicaPath(cfg.ReplicasDir, dbID))
		if err != nil {
			return nil, err
		}

		tc := cfg.Transport
		tc.URL = ep.URL
		sess, err := session.New(session.Options{
			DBID:         dbID,
			Replica:      db,
			Room:         ep.Room,
			Transport:    tc,
			BatchSize:    cfg.BatchSize,
			PollInterval: cfg.PollInterval,
			DrainTimeout: cfg.DrainTimeout,
			Logger:       cfg.Logger,
			Metrics:      cfg.Metrics,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &managed{Session: sess, db: db}, nil
	}
}
