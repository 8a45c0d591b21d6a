package scylla

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"family-vault/internal/config"
	"family-vault/internal/util"
)

// Statements holds the CQL used by the repositories. gocql prepares and caches
// each one on first use.
type Statements struct {
	CreateMember        string
	CreateMemberByName  string
	CreateMemberByCert  string
	GetMemberByID       string
	GetMemberIDByCert   string
	GetLoginCount       string
	RecordLogin         string
	DeactivateMember    string
	CreateSession       string
	CreateSessionToken  string
	CreateMemberSession string
	GetSessionIDByToken string
	GetSession          string
	TouchSession        string
	PromoteSession      string
	DeleteSessionToken  string
	DeactivateSession   string
	ListMemberSessions  string
	ListSessions        string
	AppendEvent         string
	AppendMemberEvent   string
	ListMemberEvents    string
	CreateRecord        string
	ListRecords         string
}

const memberColumns = `member_id, name, role, display_name, email, cert_hash, cert_expires_at,
	is_active, encryption_salt, master_password_verifier, master_password_salt,
	login_count, last_login_at, preferences, created_at, updated_at`

const sessionColumns = `session_id, token, member_id, cert_fingerprint, stage, device,
	ip_address, trusted, expires_at, created_at, last_accessed_at, is_active`

const eventColumns = `event_id, event_bucket, member_id, action, success, ip_address,
	user_agent, details, event_time`

const recordColumns = `record_id, owner_id, title, category_id, ciphertext, salt, iv, mac,
	strength, created_at, updated_at`

var statements = Statements{
	CreateMember: `INSERT INTO members (` + memberColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	CreateMemberByName: `INSERT INTO members_by_name (name, member_id) VALUES (?, ?) IF NOT EXISTS`,
	CreateMemberByCert: `INSERT INTO members_by_cert (cert_hash, member_id) VALUES (?, ?) IF NOT EXISTS`,
	GetMemberByID:      `SELECT ` + memberColumns + ` FROM members WHERE member_id = ?`,
	GetMemberIDByCert:  `SELECT member_id FROM members_by_cert WHERE cert_hash = ?`,
	GetLoginCount:      `SELECT login_count FROM members WHERE member_id = ?`,
	RecordLogin: `UPDATE members SET login_count = ?, last_login_at = ?, updated_at = ?
		WHERE member_id = ? IF login_count = ?`,
	DeactivateMember: `UPDATE members SET is_active = false, updated_at = ? WHERE member_id = ? IF EXISTS`,

	CreateSession: `INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
	CreateSessionToken:  `INSERT INTO sessions_by_token (token, session_id) VALUES (?, ?) USING TTL ?`,
	CreateMemberSession: `INSERT INTO sessions_by_member (member_id, session_id) VALUES (?, ?) USING TTL ?`,
	GetSessionIDByToken: `SELECT session_id FROM sessions_by_token WHERE token = ?`,
	GetSession:          `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = ?`,
	TouchSession:        `UPDATE sessions SET last_accessed_at = ? WHERE session_id = ? IF is_active = true`,
	PromoteSession: `UPDATE sessions SET stage = ?, token = ?, expires_at = ?, trusted = ?, last_accessed_at = ?
		WHERE session_id = ? IF stage = ? AND token = ? AND is_active = true`,
	DeleteSessionToken: `DELETE FROM sessions_by_token WHERE token = ?`,
	DeactivateSession:  `UPDATE sessions SET is_active = false WHERE session_id = ? IF is_active = true`,
	ListMemberSessions: `SELECT session_id FROM sessions_by_member WHERE member_id = ?`,
	ListSessions:       `SELECT ` + sessionColumns + ` FROM sessions`,

	AppendEvent: `INSERT INTO security_events (event_date, ` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	AppendMemberEvent: `INSERT INTO security_events_by_member (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	ListMemberEvents: `SELECT ` + eventColumns + ` FROM security_events_by_member
		WHERE member_id = ? LIMIT ?`,

	CreateRecord: `INSERT INTO password_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
	ListRecords: `SELECT ` + recordColumns + ` FROM password_records`,
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS members (
		member_id text PRIMARY KEY,
		name text, role text, display_name text, email text,
		cert_hash text, cert_expires_at timestamp, is_active boolean,
		encryption_salt text, master_password_verifier text, master_password_salt text,
		login_count int, last_login_at timestamp, preferences text,
		created_at timestamp, updated_at timestamp)`,
	`CREATE TABLE IF NOT EXISTS members_by_name (name text PRIMARY KEY, member_id text)`,
	`CREATE TABLE IF NOT EXISTS members_by_cert (cert_hash text PRIMARY KEY, member_id text)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id text PRIMARY KEY,
		token text, member_id text, cert_fingerprint text, stage text, device text,
		ip_address text, trusted boolean, expires_at timestamp, created_at timestamp,
		last_accessed_at timestamp, is_active boolean)`,
	`CREATE TABLE IF NOT EXISTS sessions_by_token (token text PRIMARY KEY, session_id text)`,
	`CREATE TABLE IF NOT EXISTS sessions_by_member (
		member_id text, session_id text,
		PRIMARY KEY ((member_id), session_id))`,
	`CREATE TABLE IF NOT EXISTS security_events (
		event_date text, event_bucket int, event_time timestamp, event_id text,
		member_id text, action text, success boolean, ip_address text,
		user_agent text, details text,
		PRIMARY KEY ((event_date, event_bucket), event_time, event_id))
		WITH CLUSTERING ORDER BY (event_time DESC, event_id ASC)`,
	`CREATE TABLE IF NOT EXISTS security_events_by_member (
		member_id text, event_time timestamp, event_id text, event_bucket int,
		action text, success boolean, ip_address text, user_agent text, details text,
		PRIMARY KEY ((member_id), event_time, event_id))
		WITH CLUSTERING ORDER BY (event_time DESC, event_id ASC)`,
	`CREATE TABLE IF NOT EXISTS password_records (
		record_id text PRIMARY KEY,
		owner_id text, title text, category_id text,
		ciphertext text, salt text, iv text, mac text, strength text,
		created_at timestamp, updated_at timestamp)`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	config     *config.ScyllaConfig
	Statements *Statements
}

func NewScyllaClient(ctx context.Context, cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	if cfg.IsDevelopment() {
		if err := ensureKeyspace(ctx, cfg); err != nil {
			return nil, err
		}
	}

	cluster := newCluster(cfg)
	cluster.Keyspace = scyllaConfig.Keyspace

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		config:     &scyllaConfig,
		Statements: &statements,
	}

	if err := client.EnsureSchema(ctx); err != nil {
		session.Close()
		return nil, err
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func newCluster(cfg *config.Config) *gocql.ClusterConfig {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 2
	cluster.SocketKeepalive = 30 * time.Second
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_TLS_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_TLS_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                util.GetEnv("SCYLLA_TLS_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}
	return cluster
}

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,47}$`)

// ensureKeyspace creates a single-replica keyspace for local development.
func ensureKeyspace(ctx context.Context, cfg *config.Config) error {
	session, err := newCluster(cfg).CreateSession()
	if err != nil {
		return fmt.Errorf("failed to create scylla bootstrap session: %w", err)
	}
	defer session.Close()

	if !keyspacePattern.MatchString(cfg.Scylla.Keyspace) {
		return fmt.Errorf("invalid keyspace name %q", cfg.Scylla.Keyspace)
	}
	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s
		WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`,
		cfg.Scylla.Keyspace)
	if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to create keyspace: %w", err)
	}
	return nil
}

// EnsureSchema creates any missing tables.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Debug("ScyllaDB schema ensured", zap.Int("tables", len(schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ScanWithRetry retries transient read failures. gocql.ErrNotFound is returned at once.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
